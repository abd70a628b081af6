package etcdfacts

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hpcbootstrap/slurmctld-converger/common/factchannel"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type ChannelOptions struct {
	Logger     *zap.Logger
	EtcdClient *etcd.Client
	KeyPrefix  string

	// MaxRetryElapsed bounds how long the channel keeps reconnecting before it
	// reports the membership as lost and closes.  Zero retries forever.
	MaxRetryElapsed time.Duration
}

// Channel watches the fact keys under a prefix and turns them into
// notifications.
type Channel struct {
	logger          *zap.Logger
	kv              etcd.KV
	watcher         etcd.Watcher
	keyPrefix       string
	maxRetryElapsed time.Duration

	seedLock sync.Mutex
	seed     *factState
}

var _ factchannel.Channel = (*Channel)(nil)
var _ factchannel.KnownFactsSeeder = (*Channel)(nil)

func NewChannel(opts ChannelOptions) (*Channel, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Channel{
		logger:          logger,
		kv:              opts.EtcdClient.KV,
		watcher:         opts.EtcdClient.Watcher,
		keyPrefix:       opts.KeyPrefix,
		maxRetryElapsed: opts.MaxRetryElapsed,
	}, nil
}

// SeedKnownFacts primes the next Watch with facts the consumer already holds.
// Seeded values never match a listed value, so every listed fact is announced
// again while seeded facts that are gone are departed.
func (c *Channel) SeedKnownFacts(identities []string, hasBackend bool) {
	seed := newFactState()
	for _, identity := range identities {
		seed.putNode(identity, "")
	}
	if hasBackend {
		empty := ""
		seed.backend = &empty
	}

	c.seedLock.Lock()
	c.seed = seed
	c.seedLock.Unlock()
}

func (c *Channel) list(ctx context.Context) (*listing, int64, error) {
	resp, err := c.kv.Get(ctx, c.keyPrefix+"/", etcd.WithPrefix(), etcd.WithSort(etcd.SortByCreateRevision, etcd.SortAscend))
	if err != nil {
		return nil, 0, err
	}

	l := newListing()
	for _, kv := range resp.Kvs {
		l.add(c.keyPrefix, string(kv.Key), string(kv.Value))
	}

	return l, resp.Header.Revision, nil
}

// Watch lists the current facts, reports them, and then follows changes.  The
// first listing is performed synchronously so configuration errors (a bad
// endpoint, missing permissions) are returned directly.
func (c *Channel) Watch(ctx context.Context) (<-chan factchannel.Notification, error) {
	firstListing, revision, err := c.list(ctx)
	if err != nil {
		return nil, err
	}

	c.seedLock.Lock()
	state := c.seed
	c.seed = nil
	c.seedLock.Unlock()
	if state == nil {
		state = newFactState()
	}

	outputCh := make(chan factchannel.Notification)

	go func() {
		defer close(outputCh)

		send := func(notifications []factchannel.Notification) bool {
			for _, n := range notifications {
				select {
				case outputCh <- n:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		resync := func(l *listing) bool {
			notifications, bad := state.diff(l)
			for _, key := range bad {
				// we intentionally skip facts which fail to decode rather than
				// bailing, the announcer is expected to re-announce correctly.
				c.logger.Error("failed to decode announced fact", zap.String("key", key))
			}
			return send(notifications)
		}

		if !resync(firstListing) {
			return
		}

		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = c.maxRetryElapsed
		b.Reset()

	MainLoop:
		for {
			err := c.follow(ctx, revision+1, state, send)
			if ctx.Err() != nil {
				break MainLoop
			}

			c.logger.Warn("fact watch interrupted, reconnecting", zap.Error(err))

			for {
				delay := b.NextBackOff()
				if delay == backoff.Stop {
					c.logger.Error("giving up on fact channel, membership lost")
					send([]factchannel.Notification{
						{Kind: factchannel.MembershipLost},
						factchannel.BackendDeparture(),
					})
					break MainLoop
				}

				select {
				case <-time.After(delay):
				case <-ctx.Done():
					break MainLoop
				}

				l, newRevision, err := c.list(ctx)
				if err != nil {
					c.logger.Warn("failed to list facts", zap.Error(err))
					continue
				}

				if !resync(l) {
					break MainLoop
				}
				revision = newRevision
				b.Reset()
				break
			}
		}
	}()

	return outputCh, nil
}

// follow streams watch events until the watch fails.  It returns nil only
// when ctx is cancelled.
func (c *Channel) follow(
	ctx context.Context,
	fromRevision int64,
	state *factState,
	send func([]factchannel.Notification) bool,
) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchCh := c.watcher.Watch(watchCtx, c.keyPrefix+"/", etcd.WithPrefix(), etcd.WithRev(fromRevision))
	for {
		resp, ok := <-watchCh
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			return factchannel.ErrChannelClosed
		}
		if err := resp.Err(); err != nil {
			return err
		}

		var notifications []factchannel.Notification
		for _, evt := range resp.Events {
			identity, isNode, isBackend := classifyKey(c.keyPrefix, string(evt.Kv.Key))
			value := string(evt.Kv.Value)

			switch {
			case isNode && evt.Type == mvccpb.PUT:
				fact, err := decodeNode(identity, value)
				state.putNode(identity, value)
				if err != nil {
					c.logger.Error("failed to decode node fact", zap.String("identity", identity), zap.Error(err))
					continue
				}
				notifications = append(notifications, factchannel.NodeAnnouncement(identity, fact))
			case isNode && evt.Type == mvccpb.DELETE:
				state.deleteNode(identity)
				notifications = append(notifications, factchannel.NodeDeparture(identity))
			case isBackend && evt.Type == mvccpb.PUT:
				state.backend = &value
				fact, err := decodeBackend(value)
				if err != nil {
					c.logger.Error("failed to decode backend fact", zap.Error(err))
					continue
				}
				notifications = append(notifications, factchannel.BackendAnnouncement(fact))
			case isBackend && evt.Type == mvccpb.DELETE:
				state.backend = nil
				notifications = append(notifications, factchannel.BackendDeparture())
			}
		}

		if !send(notifications) {
			return nil
		}
	}
}
