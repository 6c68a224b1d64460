// Kiln is an incremental build engine core.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package memo implements the build engine's memoized dependency
// graph: nodes are identified by (node name, input) and are computed
// at most once per run, with in-flight calls from concurrent
// goroutines collapsed onto a single execution and cyclic demand
// rejected with a diagnosable error.
package memo

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// RunID tags one build run. Cached results computed under a stale
// RunID are recomputed on next access unless the cache is explicitly
// preserved across runs (the watch-mode behavior).
type RunID uuid.UUID

// NewRunID mints a fresh run identifier.
func NewRunID() RunID { return RunID(uuid.New()) }

func (r RunID) String() string { return uuid.UUID(r).String() }

// Frame identifies one in-progress call, for cycle diagnostics.
type Frame struct {
	Node  string
	Input string
}

// CycleError reports that resolving a dependency chain would
// re-enter a call already on the stack.
type CycleError struct {
	Frames []Frame
}

func (e *CycleError) Error() string {
	msg := "memo: dependency cycle: "
	for i, f := range e.Frames {
		if i > 0 {
			msg += " -> "
		}
		msg += fmt.Sprintf("%s(%s)", f.Node, f.Input)
	}
	return msg
}

// Ctx is the per-call context threaded through a build: it carries
// the run identity, the live call stack for cycle detection, and an
// implicit-output accumulator.
type Ctx struct {
	run    RunID
	stack  []Frame
	output *outputBox
}

// NewCtx starts a fresh top-level memoization context for run.
func NewCtx(run RunID) *Ctx {
	return &Ctx{run: run, output: &outputBox{}}
}

// Run reports the RunID this context was created under.
func (c *Ctx) Run() RunID { return c.run }

func (c *Ctx) push(f Frame) (*Ctx, error) {
	for _, existing := range c.stack {
		if existing == f {
			frames := append(append([]Frame{}, c.stack...), f)
			return nil, &CycleError{Frames: frames}
		}
	}
	child := &Ctx{
		run:    c.run,
		stack:  append(append([]Frame{}, c.stack...), f),
		output: c.output,
	}
	return child, nil
}

type cellState[O any] struct {
	mu       sync.Mutex
	computed bool
	run      RunID
	value    O
	err      error

	// hasPrev/prevValue survive across runs (unlike value, which is
	// only valid for the run it was computed in) so a cutoff policy
	// can compare a new run's result against the last one actually
	// observed.
	hasPrev   bool
	prevValue O
}

// CutoffPolicy decides whether two successive outputs of a node
// should be considered equal for the purpose of short-circuiting
// downstream recomputation (early cutoff). A nil policy disables
// cutoff: every recomputation is treated as a change.
type CutoffPolicy[O any] func(prev, next O) bool

// Node is a memoized computation keyed by an input value of type I,
// producing a value of type O, registered once and called many times.
type Node[I comparable, O any] struct {
	name   string
	fn     func(*Ctx, I) (O, error)
	cutoff CutoffPolicy[O]

	mu    sync.Mutex
	cells map[I]*cellState[O]
	group singleflight.Group
}

// Register creates a new memoized node. name must be unique within
// the engine; it appears in cycle diagnostics and trace keys.
func Register[I comparable, O any](name string, cutoff CutoffPolicy[O], fn func(*Ctx, I) (O, error)) *Node[I, O] {
	return &Node[I, O]{
		name:   name,
		fn:     fn,
		cutoff: cutoff,
		cells:  make(map[I]*cellState[O]),
	}
}

// Call resolves the node's value for input, computing it at most
// once per run. Concurrent calls for the same input within a run
// share one execution via single-flight. A call that would re-enter
// itself (directly or transitively) fails with a *CycleError.
func (n *Node[I, O]) Call(ctx *Ctx, input I) (O, error) {
	var zero O
	frame := Frame{Node: n.name, Input: fmt.Sprint(input)}
	child, err := ctx.push(frame)
	if err != nil {
		return zero, err
	}

	n.mu.Lock()
	cell, ok := n.cells[input]
	if !ok {
		cell = &cellState[O]{}
		n.cells[input] = cell
	}
	n.mu.Unlock()

	cell.mu.Lock()
	if cell.computed && cell.run == ctx.run {
		v, e := cell.value, cell.err
		cell.mu.Unlock()
		return v, e
	}
	cell.mu.Unlock()

	key := fmt.Sprintf("%s:%s", n.name, frame.Input)
	result, err, _ := n.group.Do(key, func() (any, error) {
		cell.mu.Lock()
		if cell.computed && cell.run == ctx.run {
			v, e := cell.value, cell.err
			cell.mu.Unlock()
			return v, e
		}
		cell.mu.Unlock()

		v, e := n.fn(child, input)

		cell.mu.Lock()
		if e == nil && n.cutoff != nil && cell.hasPrev && n.cutoff(cell.prevValue, v) {
			// Early cutoff: the new result is equivalent to the last
			// one actually produced, so keep that value's identity
			// rather than the freshly computed one.
			v = cell.prevValue
		}
		cell.computed = true
		cell.run = ctx.run
		cell.value = v
		cell.err = e
		if e == nil {
			cell.hasPrev = true
			cell.prevValue = v
		}
		cell.mu.Unlock()
		return v, e
	})
	if err != nil {
		return zero, err
	}
	return result.(O), nil
}

// IsCycle reports whether err is (or wraps) a CycleError.
func IsCycle(err error) bool {
	var c *CycleError
	return errors.As(err, &c)
}

// Reset clears all cached cells for the node, forcing full
// recomputation on next access regardless of RunID. Nothing in this
// module calls it; a caller that wants a cold cache may.
func (n *Node[I, O]) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cells = make(map[I]*cellState[O])
}
