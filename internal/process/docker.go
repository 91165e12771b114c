package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	containerWorkspaceRoot = "/data"
	containerLocalRoot     = "/local"
)

// DockerFactory launches workers as containers on the local Docker daemon.
// Input files are written into the attempt workspace on the host and reach
// the container through the workspace mount.
type DockerFactory struct {
	cli            *client.Client
	workspaceRoot  string
	workspaceMount string
	localMount     string
	network        string
	logger         zerolog.Logger
}

func NewDockerFactory(workspaceRoot, workspaceMount, localMount, network string, logger zerolog.Logger) (*DockerFactory, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerFactory{
		cli:            cli,
		workspaceRoot:  workspaceRoot,
		workspaceMount: workspaceMount,
		localMount:     localMount,
		network:        network,
		logger:         logger.With().Str("component", "docker_factory").Logger(),
	}, nil
}

func (f *DockerFactory) Create(ctx context.Context, spec CreateSpec) (Process, error) {
	for name, content := range spec.Files {
		path := filepath.Join(spec.JobRoot, name)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return nil, errors.Wrapf(err, "failed to write %s into workspace", name)
		}
	}

	rel, err := filepath.Rel(f.workspaceRoot, spec.JobRoot)
	if err != nil {
		return nil, errors.Wrapf(err, "job root %s is outside the workspace", spec.JobRoot)
	}
	workDir := filepath.Join(containerWorkspaceRoot, rel)

	if _, err := f.cli.ImageInspect(ctx, spec.Image); err != nil {
		f.logger.Info().Str("image", spec.Image).Msg("image not found locally, pulling")
		reader, pullErr := f.cli.ImagePull(ctx, spec.Image, image.PullOptions{})
		if pullErr != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", spec.Image, pullErr)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: f.workspaceMount, Target: containerWorkspaceRoot},
	}
	if f.localMount != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: f.localMount, Target: containerLocalRoot})
	}

	name := fmt.Sprintf("worker-%d-%d", spec.JobID, spec.AttemptNumber)
	resp, err := f.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Entrypoint:   []string{spec.Entrypoint},
			Cmd:          spec.Args,
			WorkingDir:   workDir,
			OpenStdin:    spec.UsesStdin,
			StdinOnce:    spec.UsesStdin,
			AttachStdin:  spec.UsesStdin,
			AttachStdout: true,
			AttachStderr: true,
		},
		&container.HostConfig{
			Mounts:      mounts,
			NetworkMode: container.NetworkMode(f.network),
			AutoRemove:  true,
		}, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}

	attach, err := f.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  spec.UsesStdin,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		f.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to attach to container %s: %w", name, err)
	}

	// Register the wait before starting so a fast exit is never missed.
	waitCh, waitErrCh := f.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)

	if err := f.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		f.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container %s: %w", name, err)
	}
	f.logger.Info().Str("container", name).Str("image", spec.Image).Msg("container started")

	proc := &dockerProcess{
		cli:         f.cli,
		containerID: resp.ID,
		attach:      attach,
		usesStdin:   spec.UsesStdin,
		done:        make(chan struct{}),
	}
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	proc.stdout = stdoutR
	proc.stderr = stderrR

	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.CloseWithError(copyErr)
		stderrW.CloseWithError(copyErr)
	}()

	go func() {
		defer close(proc.done)
		select {
		case status := <-waitCh:
			proc.exitCode = int(status.StatusCode)
			if status.Error != nil {
				proc.waitErr = errors.New(status.Error.Message)
			}
		case err := <-waitErrCh:
			proc.exitCode = -1
			proc.waitErr = err
		}
	}()

	return proc, nil
}

func (f *DockerFactory) Close() error {
	return f.cli.Close()
}

type dockerProcess struct {
	cli         *client.Client
	containerID string
	attach      types.HijackedResponse
	usesStdin   bool

	stdout io.Reader
	stderr io.Reader

	done     chan struct{}
	exitCode int
	waitErr  error

	killOnce sync.Once
}

func (p *dockerProcess) Stdin() io.WriteCloser {
	if !p.usesStdin {
		return nil
	}
	return &attachStdin{attach: p.attach}
}

func (p *dockerProcess) Stdout() io.Reader { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader { return p.stderr }

func (p *dockerProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, p.waitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *dockerProcess) ExitCode(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, p.waitErr
	default:
		return -1, fmt.Errorf("container %s still running", p.containerID)
	}
}

func (p *dockerProcess) Kill(ctx context.Context) error {
	var err error
	p.killOnce.Do(func() {
		p.attach.Close()
		timeout := 10
		stopErr := p.cli.ContainerStop(ctx, p.containerID, container.StopOptions{Timeout: &timeout})
		// AutoRemove cleans the container up after stop; a missing container
		// means it already exited.
		if stopErr != nil && !client.IsErrNotFound(stopErr) {
			err = stopErr
		}
	})
	return err
}

func (p *dockerProcess) Alive(ctx context.Context) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	inspect, err := p.cli.ContainerInspect(ctx, p.containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

type attachStdin struct {
	attach types.HijackedResponse
}

func (s *attachStdin) Write(b []byte) (int, error) { return s.attach.Conn.Write(b) }
func (s *attachStdin) Close() error                { return s.attach.CloseWrite() }
