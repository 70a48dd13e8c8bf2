// Package portpool hands out host ports from a bounded range.
//
// Occupancy is a bitset indexed by port-Start. All reads and writes of the
// bitset happen under a single mutex, so a scan and the mark that follows it
// are one atomic step.
package portpool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// ErrPoolExhausted is returned by Allocate when every port in the range is taken.
var ErrPoolExhausted = errors.New("no free port in deploy range")

// ErrInvalidRange is returned by New for an empty or non-positive range.
var ErrInvalidRange = errors.New("invalid port range")

// PortRange defines the deploy port range.
type PortRange struct {
	Start int // Inclusive, e.g., 4000
	End   int // Inclusive, e.g., 4999
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	return r.End - r.Start + 1
}

// Contains reports whether port lies within the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// DefaultPortRange returns the default deploy port range.
func DefaultPortRange() PortRange {
	return PortRange{Start: 4000, End: 4999}
}

// Allocator tracks which ports in a range are in use.
type Allocator struct {
	mu     sync.Mutex
	rng    PortRange
	used   *bitset.BitSet
	count  int
	logger *slog.Logger
}

// New creates an Allocator for r with every port free.
func New(r PortRange, logger *slog.Logger) (*Allocator, error) {
	if r.Start <= 0 || r.End > 65535 || r.Start > r.End {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, r.Start, r.End)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		rng:    r,
		used:   bitset.New(uint(r.Size())),
		logger: logger.With("component", "portpool"),
	}, nil
}

// Allocate marks and returns the lowest free port.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.used.NextClear(0)
	if !ok || idx >= uint(a.rng.Size()) {
		return 0, fmt.Errorf("%w: [%d, %d]", ErrPoolExhausted, a.rng.Start, a.rng.End)
	}
	a.used.Set(idx)
	a.count++

	port := a.rng.Start + int(idx)
	a.logger.Debug("port allocated", "port", port, "in_use", a.count)
	return port, nil
}

// Release frees port. Ports outside the range or already free are ignored.
func (a *Allocator) Release(port int) {
	if !a.rng.Contains(port) {
		a.logger.Warn("release of port outside range ignored", "port", port,
			"start", a.rng.Start, "end", a.rng.End)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	idx := uint(port - a.rng.Start)
	if !a.used.Test(idx) {
		a.logger.Warn("release of free port ignored", "port", port)
		return
	}
	a.used.Clear(idx)
	a.count--
	a.logger.Debug("port released", "port", port, "in_use", a.count)
}

// MarkUsed records port as taken without allocating it. It is meant for
// startup reconciliation, where ports are already bound by existing containers.
func (a *Allocator) MarkUsed(port int) {
	if !a.rng.Contains(port) {
		a.logger.Warn("mark of port outside range ignored", "port", port)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	idx := uint(port - a.rng.Start)
	if a.used.Test(idx) {
		return
	}
	a.used.Set(idx)
	a.count++
}

// IsUsed reports whether port is currently taken.
func (a *Allocator) IsUsed(port int) bool {
	if !a.rng.Contains(port) {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used.Test(uint(port - a.rng.Start))
}

// Usage returns the number of ports in use.
func (a *Allocator) Usage() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Capacity returns the total number of ports in the range.
func (a *Allocator) Capacity() int {
	return a.rng.Size()
}

// Range returns the allocator's port range.
func (a *Allocator) Range() PortRange {
	return a.rng
}
