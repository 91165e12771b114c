package process

import (
	"context"
	"fmt"
)

// PortPool hands out worker ports from a bounded set. Acquire blocks while
// the pool is empty, which is the back-pressure signal for "no more pods
// right now".
type PortPool struct {
	ports chan int
}

func NewPortPool(ports []int) *PortPool {
	ch := make(chan int, len(ports))
	for _, p := range ports {
		ch <- p
	}
	return &PortPool{ports: ch}
}

func (p *PortPool) Acquire(ctx context.Context) (int, error) {
	select {
	case port := <-p.ports:
		return port, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Release returns a port to the pool. Returning a port that was never part
// of the pool would grow it past its bound, so overflow panics.
func (p *PortPool) Release(port int) {
	select {
	case p.ports <- port:
	default:
		panic(fmt.Sprintf("port pool overflow releasing %d", port))
	}
}

func (p *PortPool) Size() int {
	return len(p.ports)
}
