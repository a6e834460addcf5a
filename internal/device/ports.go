package device

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

const minUserPort = 1024

// PortAllocator hands out host ports from a configurable range. A port stays
// reserved until released, so devices booting concurrently never collide.
type PortAllocator struct {
	mu       sync.Mutex
	bounds   func() (start, end int)
	probe    func(port int) bool
	reserved map[int]struct{}
	cursor   int
}

// NewPortAllocator reads the range from bounds on every allocation so a
// config swap takes effect immediately. A nil probe checks that the port can
// be bound on the host.
func NewPortAllocator(bounds func() (start, end int), probe func(port int) bool) *PortAllocator {
	if probe == nil {
		probe = hostPortFree
	}
	return &PortAllocator{
		bounds:   bounds,
		probe:    probe,
		reserved: make(map[int]struct{}),
	}
}

func (a *PortAllocator) Allocate(n int) ([]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start, end := a.bounds()
	if start < minUserPort {
		start = minUserPort
	}
	if end < start {
		return nil, fmt.Errorf("%w: empty range [%d, %d]", ErrNoFreePort, start, end)
	}

	if a.cursor < start || a.cursor > end {
		a.cursor = start
	}

	size := end - start + 1
	ports := make([]int, 0, n)
	for i := 0; i < size && len(ports) < n; i++ {
		port := start + (a.cursor-start+i)%size
		if _, taken := a.reserved[port]; taken {
			continue
		}
		if !a.probe(port) {
			continue
		}
		a.reserved[port] = struct{}{}
		ports = append(ports, port)
	}

	if len(ports) < n {
		for _, p := range ports {
			delete(a.reserved, p)
		}
		return nil, fmt.Errorf("%w: wanted %d in [%d, %d]", ErrNoFreePort, n, start, end)
	}

	a.cursor = ports[len(ports)-1] + 1
	return ports, nil
}

func (a *PortAllocator) Release(ports ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range ports {
		delete(a.reserved, p)
	}
}

func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reserved)
}

func hostPortFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
