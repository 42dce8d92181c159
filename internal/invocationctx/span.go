// Package invocationctx implements the invocation-context span stack (§3.5,
// §4.7): the lattice of spans a worker's current invocation threads through
// host calls, with inheritance across suspend/resume boundaries.
package invocationctx

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SpanID identifies one span within a worker's invocation context.
type SpanID string

// Span is one node in the invocation-context lattice (§3.5).
type Span struct {
	ID         SpanID
	Parent     *SpanID
	Linked     *SpanID
	Attributes map[string]string
	Inherited  bool
}

func cloneSpan(s *Span) *Span {
	attrs := make(map[string]string, len(s.Attributes))
	for k, v := range s.Attributes {
		attrs[k] = v
	}
	return &Span{ID: s.ID, Parent: s.Parent, Linked: s.Linked, Attributes: attrs, Inherited: s.Inherited}
}

// Stack is the ordered span stack for one worker's invocation context.
// Spans are appended in creation order; a span's position is its only
// ordering relative to others (parent/child linkage is by id, not by
// stack position), matching §3.5's "lookup table" design note (§9).
type Stack struct {
	mu    sync.Mutex
	spans []*Span
	byID  map[SpanID]int
}

func NewStack() *Stack {
	return &Stack{byID: make(map[SpanID]int)}
}

// allocID mints a globally unique span id. Unlike WorkerResourceId (§9
// "Arena/index for resources"), a span id carries no arena/density
// requirement — it only needs to be unique across a worker's lifetime and,
// via clone_as_inherited_stack, across workers too — so a random id is the
// right shape here rather than a monotonic counter.
func (s *Stack) allocID() SpanID {
	return SpanID(uuid.NewString())
}

// StartSpan allocates a new span; if activate, it is pushed onto the stack.
// A span that is not activated exists only as a value returned to the
// caller — e.g. for a linked span that will be attached to a different
// worker's context.
func (s *Stack) StartSpan(attrs map[string]string, activate bool) *Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	span := &Span{ID: s.allocID(), Attributes: copyAttrs(attrs)}
	if activate {
		s.push(span)
	}
	return span
}

// StartChildSpan requires parent to exist on the stack and be owned: a
// span that is inherited without having been activated cannot parent a new
// child (§4.7).
func (s *Stack) StartChildSpan(parent SpanID, attrs map[string]string) (*Span, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[parent]
	if !ok {
		return nil, fmt.Errorf("invocationctx: parent span %q not found", parent)
	}
	p := s.spans[idx]
	if p.Inherited {
		return nil, fmt.Errorf("invocationctx: parent span %q is inherited without activation", parent)
	}
	pid := parent
	span := &Span{ID: s.allocID(), Parent: &pid, Attributes: copyAttrs(attrs)}
	s.push(span)
	return span, nil
}

func (s *Stack) push(span *Span) {
	s.byID[span.ID] = len(s.spans)
	s.spans = append(s.spans, span)
}

// FinishSpan requires a local (non-inherited) span; pops it and any
// descendants above it on the stack.
func (s *Stack) FinishSpan(id SpanID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("invocationctx: span %q not found", id)
	}
	if s.spans[idx].Inherited {
		return fmt.Errorf("invocationctx: inherited span %q cannot be finished", id)
	}
	s.truncateFrom(idx)
	return nil
}

// RemoveSpan removes an inherited span silently; removing a non-inherited
// span through this path is also permitted (callers needing the "must be
// finished" rule use FinishSpan instead).
func (s *Stack) RemoveSpan(id SpanID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return
	}
	s.truncateFrom(idx)
}

func (s *Stack) truncateFrom(idx int) {
	for _, removed := range s.spans[idx:] {
		delete(s.byID, removed.ID)
	}
	s.spans = s.spans[:idx]
}

// SetSpanAttribute records a key/value pair on a live span.
func (s *Stack) SetSpanAttribute(id SpanID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("invocationctx: span %q not found", id)
	}
	s.spans[idx].Attributes[key] = value
	return nil
}

// CloneAsInheritedStack deep-copies currentSpanID and every ancestor above
// it in the parent chain (inclusive), marking each copy inherited=true
// (§3.5). Ancestry is tracked by Parent id, not by stack position, so the
// clone walks currentSpanID up to the root rather than slicing the stack
// from currentSpanID's index forward. Used when forking an invocation
// context into a child worker invocation.
func (s *Stack) CloneAsInheritedStack(currentSpanID SpanID) (*Stack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[currentSpanID]
	if !ok {
		return nil, fmt.Errorf("invocationctx: span %q not found", currentSpanID)
	}

	var chain []*Span
	cur := s.spans[idx]
	for {
		chain = append(chain, cur)
		if cur.Parent == nil {
			break
		}
		pidx, ok := s.byID[*cur.Parent]
		if !ok {
			break
		}
		cur = s.spans[pidx]
	}

	out := NewStack()
	for i := len(chain) - 1; i >= 0; i-- {
		cp := cloneSpan(chain[i])
		cp.Inherited = true
		out.push(cp)
	}
	return out, nil
}

// Spans returns a snapshot of the current stack, ordered bottom to top.
func (s *Stack) Spans() []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Span, len(s.spans))
	for i, sp := range s.spans {
		out[i] = cloneSpan(sp)
	}
	return out
}

func copyAttrs(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
