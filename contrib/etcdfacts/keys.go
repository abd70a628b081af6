package etcdfacts

import (
	"encoding/json"
	"strings"

	"github.com/hpcbootstrap/slurmctld-converger/common/factchannel"
	"github.com/hpcbootstrap/slurmctld-converger/common/membership"
	"github.com/hpcbootstrap/slurmctld-converger/common/readiness"
)

const (
	nodesSegment   = "nodes/"
	backendSegment = "backend"
)

func nodesPrefix(keyPrefix string) string {
	return keyPrefix + "/" + nodesSegment
}

func nodeKey(keyPrefix string, identity string) string {
	return nodesPrefix(keyPrefix) + identity
}

func backendKey(keyPrefix string) string {
	return keyPrefix + "/" + backendSegment
}

// factState is what the channel has already reported to its consumer, keyed
// so a fresh listing can be diffed against it after a reconnect.
type factState struct {
	order   []string
	nodes   map[string]string
	backend *string
}

func newFactState() *factState {
	return &factState{
		nodes: make(map[string]string),
	}
}

// listing is a point-in-time view of every fact key under the prefix.
type listing struct {
	order   []string
	nodes   map[string]string
	backend *string
}

func newListing() *listing {
	return &listing{
		nodes: make(map[string]string),
	}
}

// classifyKey splits a raw etcd key into its fact kind.  Keys outside the
// fact layout are reported as neither.
func classifyKey(keyPrefix string, key string) (identity string, isNode bool, isBackend bool) {
	if key == backendKey(keyPrefix) {
		return "", false, true
	}

	nodes := nodesPrefix(keyPrefix)
	if strings.HasPrefix(key, nodes) && len(key) > len(nodes) {
		return key[len(nodes):], true, false
	}

	return "", false, false
}

func (l *listing) add(keyPrefix string, key string, value string) {
	identity, isNode, isBackend := classifyKey(keyPrefix, key)
	switch {
	case isNode:
		if _, ok := l.nodes[identity]; !ok {
			l.order = append(l.order, identity)
		}
		l.nodes[identity] = value
	case isBackend:
		l.backend = &value
	}
}

func decodeNode(identity string, value string) (membership.NodeFact, error) {
	var fact membership.NodeFact
	err := json.Unmarshal([]byte(value), &fact)
	if err != nil {
		return membership.NodeFact{}, err
	}
	fact.Identity = identity
	return fact, nil
}

func decodeBackend(value string) (readiness.BackendFact, error) {
	var fact readiness.BackendFact
	err := json.Unmarshal([]byte(value), &fact)
	return fact, err
}

// diff computes the notifications that move the consumer from what it has
// been told (s) to the fresh listing, and updates s to match.  Values that
// fail to decode are returned separately so the caller can log them; they are
// still recorded in s so they are not reported again.
func (s *factState) diff(l *listing) (out []factchannel.Notification, bad []string) {
	for _, identity := range s.order {
		if _, ok := l.nodes[identity]; !ok {
			out = append(out, factchannel.NodeDeparture(identity))
		}
	}

	for _, identity := range l.order {
		value := l.nodes[identity]
		if previous, ok := s.nodes[identity]; ok && previous == value {
			continue
		}

		fact, err := decodeNode(identity, value)
		if err != nil {
			bad = append(bad, identity)
			continue
		}
		out = append(out, factchannel.NodeAnnouncement(identity, fact))
	}

	switch {
	case l.backend == nil && s.backend != nil:
		out = append(out, factchannel.BackendDeparture())
	case l.backend != nil && (s.backend == nil || *s.backend != *l.backend):
		fact, err := decodeBackend(*l.backend)
		if err != nil {
			bad = append(bad, backendSegment)
		} else {
			out = append(out, factchannel.BackendAnnouncement(fact))
		}
	}

	s.order = append([]string(nil), l.order...)
	s.nodes = make(map[string]string, len(l.nodes))
	for identity, value := range l.nodes {
		s.nodes[identity] = value
	}
	s.backend = l.backend

	return out, bad
}

func (s *factState) putNode(identity string, value string) {
	if _, ok := s.nodes[identity]; !ok {
		s.order = append(s.order, identity)
	}
	s.nodes[identity] = value
}

func (s *factState) deleteNode(identity string) {
	if _, ok := s.nodes[identity]; !ok {
		return
	}
	delete(s.nodes, identity)
	for idx, known := range s.order {
		if known == identity {
			s.order = append(s.order[:idx], s.order[idx+1:]...)
			break
		}
	}
}
