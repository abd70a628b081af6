package factchannel

import (
	"context"
	"errors"
	"fmt"

	"github.com/hpcbootstrap/slurmctld-converger/common/membership"
	"github.com/hpcbootstrap/slurmctld-converger/common/readiness"
)

var (
	ErrChannelClosed = errors.New("fact channel closed")
)

type Kind int

const (
	NodeAnnounced Kind = iota + 1
	NodeDeparted
	BackendAnnounced
	BackendDeparted

	// MembershipLost means the membership channel itself went away, so every
	// node fact it delivered must be forgotten.
	MembershipLost

	// Resync carries no fact.  It only asks for a re-evaluation.
	Resync
)

func (k Kind) String() string {
	switch k {
	case NodeAnnounced:
		return "node_announced"
	case NodeDeparted:
		return "node_departed"
	case BackendAnnounced:
		return "backend_announced"
	case BackendDeparted:
		return "backend_departed"
	case MembershipLost:
		return "membership_lost"
	case Resync:
		return "resync"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type Notification struct {
	Kind     Kind
	Identity string
	Node     membership.NodeFact
	Backend  readiness.BackendFact
}

func NodeAnnouncement(identity string, fact membership.NodeFact) Notification {
	return Notification{Kind: NodeAnnounced, Identity: identity, Node: fact}
}

func NodeDeparture(identity string) Notification {
	return Notification{Kind: NodeDeparted, Identity: identity}
}

func BackendAnnouncement(fact readiness.BackendFact) Notification {
	return Notification{Kind: BackendAnnounced, Backend: fact}
}

func BackendDeparture() Notification {
	return Notification{Kind: BackendDeparted}
}

/*
Channel delivers fact notifications.  Delivery is at-least-once: a watcher may
see the same announcement more than once, and a new watcher first receives an
announcement for every fact that is currently held.  The returned channel is
closed once ctx is cancelled or the underlying transport gives up.
*/
type Channel interface {
	Watch(ctx context.Context) (<-chan Notification, error)
}

// KnownFactsSeeder is implemented by channels which replay their full fact set
// on Watch.  Seeding the channel with the facts a consumer restored from disk
// lets the replay depart facts which disappeared while it was not watching.
type KnownFactsSeeder interface {
	SeedKnownFacts(identities []string, hasBackend bool)
}
