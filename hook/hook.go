// Package hook provides the call-out points invoked around a push
// transaction. Subscribers are named, ordered, and veto-capable: an error
// returned from a pre stage aborts the push before anything becomes durable.
package hook

import "log"

// Stage identifies a lifecycle point in the push transaction.
type Stage string

const (
	// StagePreCheck runs before any mutation.
	StagePreCheck Stage = "precheck"
	// StagePreClose runs after all writes, just before the transaction commits.
	StagePreClose Stage = "preclose"
	// StagePostClose runs after the transaction has committed.
	StagePostClose Stage = "postclose"
)

// Event carries the variables passed to every subscriber.
type Event struct {
	// Source tags the operation kind ("push", "pull", "clone").
	Source string
	Tenant string
	Repo   string

	Bookmark string
	OldHead  []byte
	NewHead  []byte
	// Commits is the set of affected commit ids: incoming at precheck,
	// replayed (new identities) at preclose and postclose.
	Commits [][]byte
	// TouchedPaths is the union of paths the incoming stack changes.
	TouchedPaths []string
	// BundleFormat is the wire format marker of the inbound bundle.
	BundleFormat string
	Force        bool
}

// Func is a subscriber callback. A non-nil error at a pre stage vetoes
// the operation.
type Func func(stage Stage, ev *Event) error

// Subscriber is a named callback bound to a set of stages.
type Subscriber struct {
	Name   string
	Stages []Stage
	Fn     Func
}

func (s *Subscriber) wants(stage Stage) bool {
	if len(s.Stages) == 0 {
		return true
	}
	for _, st := range s.Stages {
		if st == stage {
			return true
		}
	}
	return false
}

// Registry holds subscribers in registration order.
type Registry struct {
	subs []Subscriber
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a subscriber. Order of registration is order of dispatch.
func (r *Registry) Register(s Subscriber) {
	r.subs = append(r.subs, s)
}

// Fire invokes every subscriber for the stage in order. The first error
// stops dispatch and is returned along with the vetoing subscriber's name.
func (r *Registry) Fire(stage Stage, ev *Event) (string, error) {
	for i := range r.subs {
		s := &r.subs[i]
		if !s.wants(stage) {
			continue
		}
		if err := s.Fn(stage, ev); err != nil {
			return s.Name, err
		}
	}
	return "", nil
}

// FireLogged invokes subscribers for a stage whose failures cannot unwind
// anything (post-close): errors are logged and dispatch continues.
func (r *Registry) FireLogged(stage Stage, ev *Event) {
	for i := range r.subs {
		s := &r.subs[i]
		if !s.wants(stage) {
			continue
		}
		if err := s.Fn(stage, ev); err != nil {
			log.Printf("hook %s failed at %s: %v", s.Name, stage, err)
		}
	}
}
