package device

import (
	"errors"
	"sync"
	"testing"
)

func fixedRange(start, end int) func() (int, int) {
	return func() (int, int) { return start, end }
}

func alwaysFree(int) bool { return true }

func TestPortAllocator_DistinctPorts(t *testing.T) {
	a := NewPortAllocator(fixedRange(30000, 30009), alwaysFree)

	first, err := a.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if first[0] == first[1] {
		t.Fatalf("Allocate(2) returned duplicate ports %v", first)
	}

	second, err := a.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	for _, p := range second {
		if p == first[0] || p == first[1] {
			t.Errorf("port %d handed out twice", p)
		}
	}
	if a.InUse() != 4 {
		t.Errorf("InUse() = %d, want 4", a.InUse())
	}
}

func TestPortAllocator_Exhaustion(t *testing.T) {
	a := NewPortAllocator(fixedRange(30000, 30002), alwaysFree)

	if _, err := a.Allocate(2); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if _, err := a.Allocate(2); !errors.Is(err, ErrNoFreePort) {
		t.Fatalf("Allocate() = %v, want ErrNoFreePort", err)
	}
	if a.InUse() != 2 {
		t.Errorf("failed allocation leaked reservations: InUse() = %d", a.InUse())
	}
}

func TestPortAllocator_ReleaseMakesPortsReusable(t *testing.T) {
	a := NewPortAllocator(fixedRange(30000, 30001), alwaysFree)

	ports, err := a.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	a.Release(ports...)

	if _, err := a.Allocate(2); err != nil {
		t.Errorf("Allocate() after Release error = %v", err)
	}
}

func TestPortAllocator_SkipsBusyHostPorts(t *testing.T) {
	busy := map[int]bool{30000: true, 30001: true}
	a := NewPortAllocator(fixedRange(30000, 30005), func(p int) bool { return !busy[p] })

	ports, err := a.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	for _, p := range ports {
		if busy[p] {
			t.Errorf("allocated busy host port %d", p)
		}
	}
}

func TestPortAllocator_ClampsLowRange(t *testing.T) {
	a := NewPortAllocator(fixedRange(0, 1100), alwaysFree)
	ports, err := a.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if ports[0] < minUserPort {
		t.Errorf("allocated privileged port %d", ports[0])
	}
}

func TestPortAllocator_Concurrent(t *testing.T) {
	a := NewPortAllocator(fixedRange(40000, 40199), alwaysFree)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int]int)
	)
	for range 50 {
		wg.Go(func() {
			ports, err := a.Allocate(2)
			if err != nil {
				t.Errorf("Allocate() error = %v", err)
				return
			}
			mu.Lock()
			for _, p := range ports {
				seen[p]++
			}
			mu.Unlock()
		})
	}
	wg.Wait()

	for p, n := range seen {
		if n > 1 {
			t.Errorf("port %d allocated %d times", p, n)
		}
	}
	if len(seen) != 100 {
		t.Errorf("allocated %d distinct ports, want 100", len(seen))
	}
}
