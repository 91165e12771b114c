package process

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

const (
	initContainerName      = "init"
	mainContainerName      = "main"
	heartbeatContainerName = "heartbeat"

	configDir      = "/config"
	terminationDir = "/termination"

	// terminationFileMain holds the wrapped entrypoint's exit code;
	// terminationFileCheck is written by the heartbeat sidecar to order the
	// wrapper to kill the entrypoint.
	terminationFileMain  = terminationDir + "/main"
	terminationFileCheck = terminationDir + "/check"

	// finishedUploadingFile unblocks the init container once the caller has
	// staged all input files into the shared config volume.
	finishedUploadingFile = "FINISHED_UPLOADING"

	stdinListenPort = 9001

	// heartbeatInterval is how often the sidecar probes the scheduler;
	// heartbeatMaxFailures consecutive misses trigger pod self-termination.
	heartbeatInterval    = 30 * time.Second
	heartbeatMaxFailures = 3

	podPollInterval = 2 * time.Second
	podReadyTimeout = 5 * time.Minute

	terminationLogPrefix = "TERMINATION:"

	initImage      = "busybox:1.35"
	heartbeatImage = "curlimages/curl:8.5.0"
)

// KubeFactory launches workers as ephemeral pods. Each pod carries three
// containers on a shared volume: an init container that waits for staged
// input files, the wrapped worker entrypoint, and a heartbeat sidecar that
// flags the wrapper to kill the worker when the scheduler stops answering.
type KubeFactory struct {
	client       kubernetes.Interface
	restConfig   *rest.Config
	namespace    string
	heartbeatURL string
	schedulerIP  string
	ports        *PortPool
	logger       zerolog.Logger
}

func NewKubeFactory(client kubernetes.Interface, restConfig *rest.Config, namespace, heartbeatURL string, ports *PortPool, logger zerolog.Logger) (*KubeFactory, error) {
	host, _, err := net.SplitHostPort(heartbeatURL)
	if err != nil {
		return nil, fmt.Errorf("heartbeat url %q must be host:port: %w", heartbeatURL, err)
	}
	return &KubeFactory{
		client:       client,
		restConfig:   restConfig,
		namespace:    namespace,
		heartbeatURL: heartbeatURL,
		schedulerIP:  host,
		ports:        ports,
		logger:       logger.With().Str("component", "kube_factory").Logger(),
	}, nil
}

func (f *KubeFactory) Create(ctx context.Context, spec CreateSpec) (Process, error) {
	stdoutPort, err := f.ports.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	proc := &kubeProcess{
		factory:    f,
		podName:    fmt.Sprintf("worker-%d-%d", spec.JobID, spec.AttemptNumber),
		stdoutPort: stdoutPort,
		done:       make(chan struct{}),
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", stdoutPort))
	if err != nil {
		f.ports.Release(stdoutPort)
		return nil, errors.Wrapf(err, "failed to listen on worker port %d", stdoutPort)
	}
	proc.listener = listener

	pod := f.podSpec(proc.podName, spec, stdoutPort)
	if _, err := f.client.CoreV1().Pods(f.namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		proc.cleanup()
		return nil, errors.Wrapf(err, "failed to create pod %s", proc.podName)
	}
	f.logger.Info().Str("pod", proc.podName).Str("image", spec.Image).Msg("pod created")

	if err := f.waitForInit(ctx, proc.podName); err != nil {
		proc.cleanup()
		f.deletePod(proc.podName)
		return nil, err
	}
	if err := f.stageFiles(ctx, proc.podName, spec.Files); err != nil {
		proc.cleanup()
		f.deletePod(proc.podName)
		return nil, err
	}

	podIP, err := f.waitForRunning(ctx, proc.podName)
	if err != nil {
		proc.cleanup()
		f.deletePod(proc.podName)
		return nil, err
	}

	// The worker connects back to us for stdout; accept with a deadline so
	// a wedged pod cannot hang the submitter forever.
	if deadline, ok := ctx.Deadline(); ok {
		listener.(*net.TCPListener).SetDeadline(deadline)
	} else {
		listener.(*net.TCPListener).SetDeadline(time.Now().Add(podReadyTimeout))
	}
	stdoutConn, err := listener.Accept()
	if err != nil {
		proc.cleanup()
		f.deletePod(proc.podName)
		return nil, errors.Wrapf(err, "worker %s never connected its stdout stream", proc.podName)
	}
	proc.stdout = stdoutConn

	if spec.UsesStdin {
		stdinConn, err := net.DialTimeout("tcp", net.JoinHostPort(podIP, strconv.Itoa(stdinListenPort)), 30*time.Second)
		if err != nil {
			proc.cleanup()
			f.deletePod(proc.podName)
			return nil, errors.Wrapf(err, "failed to connect stdin of worker %s", proc.podName)
		}
		proc.stdin = stdinConn
	}

	stderr, err := f.client.CoreV1().Pods(f.namespace).
		GetLogs(proc.podName, &corev1.PodLogOptions{Container: mainContainerName, Follow: true}).
		Stream(ctx)
	if err != nil {
		f.logger.Warn().Err(err).Str("pod", proc.podName).Msg("stderr stream unavailable")
		stderr = io.NopCloser(strings.NewReader(""))
	}
	proc.stderr = stderr

	go proc.watch()

	return proc, nil
}

func (f *KubeFactory) Close() error {
	return nil
}

func (f *KubeFactory) podSpec(name string, spec CreateSpec, stdoutPort int) *corev1.Pod {
	sharedMounts := []corev1.VolumeMount{
		{Name: "config", MountPath: configDir},
		{Name: "termination", MountPath: terminationDir},
	}

	var entry strings.Builder
	entry.WriteString(spec.Entrypoint)
	for _, arg := range spec.Args {
		entry.WriteString(" ")
		entry.WriteString(arg)
	}

	var pipeline string
	if spec.UsesStdin {
		pipeline = fmt.Sprintf("socat -d TCP-L:%d STDOUT | %s | socat -d - TCP:%s:%d",
			stdinListenPort, entry.String(), f.schedulerIP, stdoutPort)
	} else {
		pipeline = fmt.Sprintf("%s | socat -d - TCP:%s:%d", entry.String(), f.schedulerIP, stdoutPort)
	}

	mainScript := fmt.Sprintf(`set -o pipefail 2>/dev/null || true
(%s) &
CHILD_PID=$!
(while true; do if [ -f %s ]; then kill $CHILD_PID; exit 0; fi; sleep 1; done) &
WATCHER_PID=$!
wait $CHILD_PID
EXIT_CODE=$?
kill $WATCHER_PID 2>/dev/null
echo $EXIT_CODE > %s
exit $EXIT_CODE`, pipeline, terminationFileCheck, terminationFileMain)

	heartbeatScript := fmt.Sprintf(`FAILS=0
while true; do
  if [ -f %s ]; then echo "%s$(cat %s)"; exit 0; fi
  if curl -s -f -m 5 http://%s/ > /dev/null; then FAILS=0; else FAILS=$((FAILS+1)); fi
  if [ "$FAILS" -ge %d ]; then touch %s; sleep 5; echo "%s143"; exit 1; fi
  sleep %d
done`, terminationFileMain, terminationLogPrefix, terminationFileMain,
		f.heartbeatURL, heartbeatMaxFailures, terminationFileCheck,
		terminationLogPrefix, int(heartbeatInterval.Seconds()))

	initScript := fmt.Sprintf(`until [ -f %s/%s ]; do sleep 0.1; done`, configDir, finishedUploadingFile)

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			Labels: map[string]string{
				"app":    "stratum-worker",
				"job-id": strconv.FormatInt(spec.JobID, 10),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			InitContainers: []corev1.Container{{
				Name:         initContainerName,
				Image:        initImage,
				Command:      []string{"sh", "-c", initScript},
				VolumeMounts: sharedMounts,
			}},
			Containers: []corev1.Container{
				{
					Name:         mainContainerName,
					Image:        spec.Image,
					Command:      []string{"sh", "-c", mainScript},
					WorkingDir:   configDir,
					VolumeMounts: sharedMounts,
					Ports:        []corev1.ContainerPort{{ContainerPort: stdinListenPort}},
				},
				{
					Name:         heartbeatContainerName,
					Image:        heartbeatImage,
					Command:      []string{"sh", "-c", heartbeatScript},
					VolumeMounts: sharedMounts,
				},
			},
			Volumes: []corev1.Volume{
				{Name: "config", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
				{Name: "termination", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
			},
		},
	}
}

// waitForInit blocks until the init container is running and exec-able.
func (f *KubeFactory) waitForInit(ctx context.Context, podName string) error {
	return f.pollPod(ctx, podName, func(pod *corev1.Pod) (bool, error) {
		for _, status := range pod.Status.InitContainerStatuses {
			if status.Name == initContainerName && status.State.Running != nil {
				return true, nil
			}
		}
		if pod.Status.Phase == corev1.PodFailed {
			return false, fmt.Errorf("pod %s failed before init", podName)
		}
		return false, nil
	})
}

func (f *KubeFactory) waitForRunning(ctx context.Context, podName string) (string, error) {
	var podIP string
	err := f.pollPod(ctx, podName, func(pod *corev1.Pod) (bool, error) {
		switch pod.Status.Phase {
		case corev1.PodRunning, corev1.PodSucceeded:
			podIP = pod.Status.PodIP
			return podIP != "", nil
		case corev1.PodFailed:
			return false, fmt.Errorf("pod %s failed before running", podName)
		}
		return false, nil
	})
	return podIP, err
}

func (f *KubeFactory) pollPod(ctx context.Context, podName string, ready func(*corev1.Pod) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, podReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(podPollInterval)
	defer ticker.Stop()
	for {
		pod, err := f.client.CoreV1().Pods(f.namespace).Get(ctx, podName, metav1.GetOptions{})
		if err != nil {
			return errors.Wrapf(err, "failed to get pod %s", podName)
		}
		ok, err := ready(pod)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("pod %s not ready within %s: %w", podName, podReadyTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// stageFiles streams a tar of the input files into the init container's
// config volume. The FINISHED_UPLOADING marker rides in the same archive so
// the init container only unblocks once everything is in place.
func (f *KubeFactory) stageFiles(ctx context.Context, podName string, files map[string]string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("tar write header: %w", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			return fmt.Errorf("tar write content: %w", err)
		}
	}
	if err := tw.WriteHeader(&tar.Header{Name: finishedUploadingFile, Mode: 0644, Size: 0}); err != nil {
		return fmt.Errorf("tar write marker: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("tar close: %w", err)
	}

	req := f.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(f.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: initContainerName,
			Command:   []string{"sh", "-c", "tar -xmf - -C " + configDir},
			Stdin:     true,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(f.restConfig, "POST", req.URL())
	if err != nil {
		return errors.Wrap(err, "failed to create file staging executor")
	}
	var stdout, stderr bytes.Buffer
	if err := exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  &buf,
		Stdout: &stdout,
		Stderr: &stderr,
	}); err != nil {
		return errors.Wrapf(err, "failed to stage files into %s: %s", podName, stderr.String())
	}
	return nil
}

func (f *KubeFactory) deletePod(podName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := f.client.CoreV1().Pods(f.namespace).Delete(ctx, podName, metav1.DeleteOptions{}); err != nil {
		f.logger.Warn().Err(err).Str("pod", podName).Msg("pod delete failed")
	}
}

type kubeProcess struct {
	factory    *KubeFactory
	podName    string
	stdoutPort int

	listener net.Listener
	stdin    net.Conn
	stdout   net.Conn
	stderr   io.ReadCloser

	done      chan struct{}
	exitCode  int
	waitErr   error
	closeOnce sync.Once
}

func (p *kubeProcess) Stdin() io.WriteCloser {
	if p.stdin == nil {
		return nil
	}
	return &halfCloser{conn: p.stdin}
}

func (p *kubeProcess) Stdout() io.Reader { return p.stdout }
func (p *kubeProcess) Stderr() io.Reader { return p.stderr }

// watch polls the pod until it reaches a terminal phase, then resolves the
// exit code and releases the worker port.
func (p *kubeProcess) watch() {
	defer close(p.done)
	defer p.cleanup()

	ctx := context.Background()
	ticker := time.NewTicker(podPollInterval)
	defer ticker.Stop()
	for {
		pod, err := p.factory.client.CoreV1().Pods(p.factory.namespace).Get(ctx, p.podName, metav1.GetOptions{})
		if err != nil {
			p.exitCode = -1
			p.waitErr = errors.Wrapf(err, "lost pod %s", p.podName)
			return
		}
		switch pod.Status.Phase {
		case corev1.PodSucceeded, corev1.PodFailed:
			p.exitCode = p.resolveExitCode(ctx, pod)
			return
		}
		<-ticker.C
	}
}

// resolveExitCode prefers the terminator file the wrapper wrote (surfaced
// through the sidecar's log tail), then falls back to the main container's
// terminated state. A pod that failed without either looks like a missing
// entrypoint.
func (p *kubeProcess) resolveExitCode(ctx context.Context, pod *corev1.Pod) int {
	if code, ok := p.terminationFileCode(ctx); ok {
		return code
	}
	for _, status := range pod.Status.ContainerStatuses {
		if status.Name != mainContainerName {
			continue
		}
		if status.State.Terminated != nil {
			return int(status.State.Terminated.ExitCode)
		}
		if waiting := status.State.Waiting; waiting != nil && strings.Contains(waiting.Reason, "ImagePull") {
			return 127
		}
	}
	if pod.Status.Phase == corev1.PodFailed {
		return 127
	}
	return 0
}

func (p *kubeProcess) terminationFileCode(ctx context.Context) (int, bool) {
	logs, err := p.factory.client.CoreV1().Pods(p.factory.namespace).
		GetLogs(p.podName, &corev1.PodLogOptions{Container: heartbeatContainerName}).
		Stream(ctx)
	if err != nil {
		return 0, false
	}
	defer logs.Close()

	var last string
	scanner := bufio.NewScanner(logs)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); strings.HasPrefix(line, terminationLogPrefix) {
			last = strings.TrimPrefix(line, terminationLogPrefix)
		}
	}
	if last == "" {
		return 0, false
	}
	code, err := strconv.Atoi(last)
	if err != nil {
		return 0, false
	}
	return code, true
}

func (p *kubeProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, p.waitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *kubeProcess) ExitCode(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, p.waitErr
	default:
		return -1, fmt.Errorf("pod %s still running", p.podName)
	}
}

func (p *kubeProcess) Kill(ctx context.Context) error {
	p.factory.deletePod(p.podName)
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *kubeProcess) Alive(ctx context.Context) bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *kubeProcess) cleanup() {
	p.closeOnce.Do(func() {
		if p.listener != nil {
			p.listener.Close()
		}
		if p.stdin != nil {
			p.stdin.Close()
		}
		if p.stdout != nil {
			p.stdout.Close()
		}
		if p.stderr != nil {
			p.stderr.Close()
		}
		p.factory.ports.Release(p.stdoutPort)
	})
}

type halfCloser struct {
	conn net.Conn
}

func (h *halfCloser) Write(b []byte) (int, error) { return h.conn.Write(b) }

func (h *halfCloser) Close() error {
	if tcp, ok := h.conn.(*net.TCPConn); ok {
		return tcp.CloseWrite()
	}
	return h.conn.Close()
}
