package membership

import (
	"encoding/json"
	"fmt"

	"golang.org/x/exp/slices"
)

// Registry holds the latest fact for every worker node that has announced
// itself.  It is not safe for concurrent use; the owner serialises access.
type Registry struct {
	order []string
	facts map[string]NodeFact
	dirty bool
}

func NewRegistry() *Registry {
	return &Registry{
		facts: make(map[string]NodeFact),
	}
}

// Upsert replaces or inserts the fact for identity.  A fact for an identity
// which is already known keeps its original position in the snapshot order.
func (r *Registry) Upsert(identity string, fact NodeFact) error {
	if identity == "" {
		return &InvalidFactError{Kind: "node", Field: "identity"}
	}

	err := fact.Validate()
	if err != nil {
		return err
	}

	fact.Identity = identity

	if _, ok := r.facts[identity]; !ok {
		r.order = append(r.order, identity)
	}
	r.facts[identity] = fact
	r.dirty = true

	return nil
}

// Remove deletes the fact for identity.  Departures may race with a node that
// never joined, so an unknown identity is not an error.
func (r *Registry) Remove(identity string) bool {
	if _, ok := r.facts[identity]; !ok {
		return false
	}

	delete(r.facts, identity)
	idx := slices.Index(r.order, identity)
	r.order = slices.Delete(r.order, idx, idx+1)
	r.dirty = true

	return true
}

// Clear forgets every node, used when the membership channel is torn down.
func (r *Registry) Clear() int {
	removed := len(r.order)
	if removed == 0 {
		return 0
	}

	r.order = nil
	r.facts = make(map[string]NodeFact)
	r.dirty = true

	return removed
}

// Snapshot returns a copy of every fact in first-seen order.
func (r *Registry) Snapshot() []NodeFact {
	out := make([]NodeFact, 0, len(r.order))
	for _, identity := range r.order {
		out = append(out, r.facts[identity])
	}
	return out
}

func (r *Registry) Get(identity string) (NodeFact, bool) {
	fact, ok := r.facts[identity]
	return fact, ok
}

func (r *Registry) Len() int {
	return len(r.order)
}

// Dirty reports whether a mutation happened since the last ClearDirty.
func (r *Registry) Dirty() bool {
	return r.dirty
}

func (r *Registry) ClearDirty() {
	r.dirty = false
}

type jsonRegistryState struct {
	Nodes []NodeFact `json:"nodes"`
}

// MarshalState serialises the full fact set, preserving order.
func (r *Registry) MarshalState() ([]byte, error) {
	return json.Marshal(jsonRegistryState{Nodes: r.Snapshot()})
}

// RestoreState replaces the registry contents with a previously marshalled
// state.  Every restored fact is validated; on any error the registry is left
// untouched.
func (r *Registry) RestoreState(data []byte) error {
	var state jsonRegistryState
	err := json.Unmarshal(data, &state)
	if err != nil {
		return fmt.Errorf("failed to decode registry state: %w", err)
	}

	restored := NewRegistry()
	for _, fact := range state.Nodes {
		err := restored.Upsert(fact.Identity, fact)
		if err != nil {
			return fmt.Errorf("failed to restore node %q: %w", fact.Identity, err)
		}
	}

	r.order = restored.order
	r.facts = restored.facts
	r.dirty = true

	return nil
}
