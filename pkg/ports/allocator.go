package ports

import (
	"errors"
	"fmt"

	"github.com/seastack/bosun/pkg/types"
)

const (
	// DefaultRangeStart is the default first port handed out for dynamic mappings
	DefaultRangeStart = 20000

	// DefaultRangeEnd is the default exclusive upper bound for dynamic mappings
	DefaultRangeEnd = 30000
)

// ErrPortConflict is returned when a requested static port is already in
// use, or the dynamic range is exhausted.
var ErrPortConflict = errors.New("port conflict")

// Allocator maps a job's named port requests onto concrete external ports.
//
// Allocate is a pure function: it inspects the requested mappings and the
// set of ports already in use and either returns a complete name->port
// assignment or fails. It never reserves anything; the caller commits the
// result by persisting it.
type Allocator interface {
	Allocate(requested map[string]types.PortMapping, inUse map[int]struct{}) (map[string]int, error)
}

// RangeAllocator satisfies static port requests verbatim and draws
// dynamic ports from a half-open range [start, end).
type RangeAllocator struct {
	start int
	end   int
}

// NewRangeAllocator creates an allocator over [start, end). Zero values
// select the defaults.
func NewRangeAllocator(start, end int) *RangeAllocator {
	if start == 0 {
		start = DefaultRangeStart
	}
	if end == 0 {
		end = DefaultRangeEnd
	}
	return &RangeAllocator{start: start, end: end}
}

// Allocate implements Allocator.
func (a *RangeAllocator) Allocate(requested map[string]types.PortMapping, inUse map[int]struct{}) (map[string]int, error) {
	allocation := make(map[string]int, len(requested))
	taken := make(map[int]struct{}, len(inUse)+len(requested))
	for p := range inUse {
		taken[p] = struct{}{}
	}

	// Static requests first so dynamic ports cannot shadow them.
	for name, mapping := range requested {
		if !mapping.Static() {
			continue
		}
		port := *mapping.ExternalPort
		if _, used := taken[port]; used {
			return nil, fmt.Errorf("port %q: static port %d already in use: %w", name, port, ErrPortConflict)
		}
		allocation[name] = port
		taken[port] = struct{}{}
	}

	next := a.start
	for name, mapping := range requested {
		if mapping.Static() {
			continue
		}
		port, ok := a.nextFree(next, taken)
		if !ok {
			return nil, fmt.Errorf("port %q: no free port in range %d-%d: %w", name, a.start, a.end, ErrPortConflict)
		}
		allocation[name] = port
		taken[port] = struct{}{}
		next = port + 1
	}

	return allocation, nil
}

func (a *RangeAllocator) nextFree(from int, taken map[int]struct{}) (int, bool) {
	if from < a.start {
		from = a.start
	}
	for port := from; port < a.end; port++ {
		if _, used := taken[port]; !used {
			return port, true
		}
	}
	return 0, false
}
