package hook

import (
	"errors"
	"testing"
)

func TestFireDispatchOrder(t *testing.T) {
	reg := NewRegistry()
	var order []string

	reg.Register(Subscriber{Name: "first", Fn: func(stage Stage, ev *Event) error {
		order = append(order, "first")
		return nil
	}})
	reg.Register(Subscriber{Name: "second", Fn: func(stage Stage, ev *Event) error {
		order = append(order, "second")
		return nil
	}})

	name, err := reg.Fire(StagePreCheck, &Event{})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if name != "" {
		t.Errorf("veto name = %q, want empty", name)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("dispatch order = %v", order)
	}
}

func TestFireVetoStopsDispatch(t *testing.T) {
	reg := NewRegistry()
	var reached bool

	reg.Register(Subscriber{Name: "vetoer", Fn: func(stage Stage, ev *Event) error {
		return errors.New("nope")
	}})
	reg.Register(Subscriber{Name: "later", Fn: func(stage Stage, ev *Event) error {
		reached = true
		return nil
	}})

	name, err := reg.Fire(StagePreClose, &Event{})
	if err == nil {
		t.Fatal("expected veto error")
	}
	if name != "vetoer" {
		t.Errorf("veto name = %q, want vetoer", name)
	}
	if reached {
		t.Error("dispatch continued past the veto")
	}
}

func TestStageFiltering(t *testing.T) {
	reg := NewRegistry()
	var calls []Stage

	reg.Register(Subscriber{
		Name:   "precheck-only",
		Stages: []Stage{StagePreCheck},
		Fn: func(stage Stage, ev *Event) error {
			calls = append(calls, stage)
			return nil
		},
	})

	reg.Fire(StagePreCheck, &Event{})
	reg.Fire(StagePreClose, &Event{})
	reg.FireLogged(StagePostClose, &Event{})

	if len(calls) != 1 || calls[0] != StagePreCheck {
		t.Errorf("calls = %v, want [precheck]", calls)
	}
}

func TestFireLoggedContinuesPastErrors(t *testing.T) {
	reg := NewRegistry()
	var reached bool

	reg.Register(Subscriber{Name: "failing", Fn: func(stage Stage, ev *Event) error {
		return errors.New("post-close oops")
	}})
	reg.Register(Subscriber{Name: "later", Fn: func(stage Stage, ev *Event) error {
		reached = true
		return nil
	}})

	reg.FireLogged(StagePostClose, &Event{})
	if !reached {
		t.Error("FireLogged stopped at the first error")
	}
}

func TestProtectedPaths(t *testing.T) {
	sub, err := ProtectedPaths([]string{"release/**", "**/OWNERS"})
	if err != nil {
		t.Fatalf("build subscriber: %v", err)
	}

	// Touching a protected path vetoes.
	ev := &Event{TouchedPaths: []string{"src/main.go", "release/notes.md"}}
	if err := sub.Fn(StagePreCheck, ev); err == nil {
		t.Error("expected veto for release/notes.md")
	}

	ev = &Event{TouchedPaths: []string{"deep/dir/OWNERS"}}
	if err := sub.Fn(StagePreCheck, ev); err == nil {
		t.Error("expected veto for nested OWNERS")
	}

	// Untouched pushes pass.
	ev = &Event{TouchedPaths: []string{"src/main.go", "docs/guide.md"}}
	if err := sub.Fn(StagePreCheck, ev); err != nil {
		t.Errorf("unexpected veto: %v", err)
	}
}

func TestProtectedPathsRejectsBadPattern(t *testing.T) {
	if _, err := ProtectedPaths([]string{"[unclosed"}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}
