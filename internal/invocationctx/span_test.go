package invocationctx

import "testing"

// TestSpanInheritance exercises §8 end-to-end scenario 6: cloning at a
// child span must carry the whole ancestor chain, not just the child.
func TestSpanInheritance(t *testing.T) {
	s := NewStack()
	s1 := s.StartSpan(nil, true)
	s2, err := s.StartChildSpan(s1.ID, nil)
	if err != nil {
		t.Fatalf("start child span: %v", err)
	}

	clone, err := s.CloneAsInheritedStack(s2.ID)
	if err != nil {
		t.Fatalf("clone_as_inherited_stack: %v", err)
	}

	spans := clone.Spans()
	if len(spans) != 2 {
		t.Fatalf("expected clone to carry S1 and S2, got %d spans", len(spans))
	}
	for _, sp := range spans {
		if !sp.Inherited {
			t.Fatalf("expected every cloned span to be inherited, span %q was not", sp.ID)
		}
	}

	s1CloneID := spans[0].ID
	if err := clone.FinishSpan(s1CloneID); err == nil {
		t.Fatalf("expected finish_span to reject the cloned, inherited S1")
	}
	clone.RemoveSpan(s1CloneID)
	if _, ok := clone.byID[s1CloneID]; ok {
		t.Fatalf("expected remove_span to succeed on the inherited ancestor")
	}
}

func TestSpanInheritedCannotFinish(t *testing.T) {
	s := NewStack()
	s1 := s.StartSpan(nil, true)
	_, err := s.StartChildSpan(s1.ID, nil)
	if err != nil {
		t.Fatalf("start child span: %v", err)
	}

	clone, err := s.CloneAsInheritedStack(s1.ID)
	if err != nil {
		t.Fatalf("clone_as_inherited_stack: %v", err)
	}
	spans := clone.Spans()
	if err := clone.FinishSpan(spans[0].ID); err == nil {
		t.Fatalf("expected finish_span to reject an inherited span")
	}
}

func TestChildSpanRequiresOwnedParent(t *testing.T) {
	s := NewStack()
	s1 := s.StartSpan(nil, true)
	clone, err := s.CloneAsInheritedStack(s1.ID)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	inheritedID := clone.Spans()[0].ID
	if _, err := clone.StartChildSpan(inheritedID, nil); err == nil {
		t.Fatalf("expected start_child_span to reject an inherited, non-activated parent")
	}
}
