package etcdfacts

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hpcbootstrap/slurmctld-converger/common/membership"
	"github.com/hpcbootstrap/slurmctld-converger/common/readiness"
	etcd "go.etcd.io/etcd/client/v3"
)

var (
	ErrLeaseTooShort = errors.New("lease period must be at least 5 seconds")
)

const defaultLeasePeriod = 5 * time.Second

type AnnouncerOptions struct {
	EtcdClient  *etcd.Client
	KeyPrefix   string
	LeasePeriod time.Duration
}

// Announcer publishes facts on behalf of a worker or backend.  Every fact is
// attached to a lease so that a crashed announcer departs automatically.
type Announcer struct {
	etcdClient  *etcd.Client
	keyPrefix   string
	leasePeriod time.Duration
}

func NewAnnouncer(opts AnnouncerOptions) (*Announcer, error) {
	leasePeriod := defaultLeasePeriod
	if opts.LeasePeriod != 0 {
		// etcd refuses leases shorter than its minimum TTL
		if opts.LeasePeriod < defaultLeasePeriod {
			return nil, ErrLeaseTooShort
		}
		leasePeriod = opts.LeasePeriod
	}

	return &Announcer{
		etcdClient:  opts.EtcdClient,
		keyPrefix:   opts.KeyPrefix,
		leasePeriod: leasePeriod,
	}, nil
}

// Announcement is a fact held in etcd by this process.
type Announcement struct {
	etcdClient *etcd.Client
	key        string
	leaseID    etcd.LeaseID
	cancelKa   context.CancelFunc
}

func (a *Announcer) announce(ctx context.Context, key string, fact interface{}) (*Announcement, error) {
	value, err := json.Marshal(fact)
	if err != nil {
		return nil, err
	}

	lease, err := a.etcdClient.Lease.Grant(ctx, int64(a.leasePeriod/time.Second))
	if err != nil {
		return nil, err
	}

	kaCtx, kaCancel := context.WithCancel(context.Background())
	leaseKaCh, err := a.etcdClient.Lease.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return nil, err
	}

	go func() {
		// drain keep-alive responses until the lease is revoked or lost
		for range leaseKaCh {
		}
	}()

	_, err = a.etcdClient.KV.Put(ctx, key, string(value), etcd.WithLease(lease.ID))
	if err != nil {
		kaCancel()
		return nil, err
	}

	return &Announcement{
		etcdClient: a.etcdClient,
		key:        key,
		leaseID:    lease.ID,
		cancelKa:   kaCancel,
	}, nil
}

func (a *Announcer) AnnounceNode(ctx context.Context, identity string, fact membership.NodeFact) (*Announcement, error) {
	if identity == "" {
		return nil, &membership.InvalidFactError{Kind: "node", Field: "identity"}
	}
	if err := fact.Validate(); err != nil {
		return nil, err
	}

	fact.Identity = identity
	return a.announce(ctx, nodeKey(a.keyPrefix, identity), fact)
}

func (a *Announcer) AnnounceBackend(ctx context.Context, fact readiness.BackendFact) (*Announcement, error) {
	if err := fact.Validate(); err != nil {
		return nil, err
	}

	return a.announce(ctx, backendKey(a.keyPrefix), fact)
}

// Update replaces the announced fact, keeping the lease.
func (m *Announcement) Update(ctx context.Context, fact interface{}) error {
	value, err := json.Marshal(fact)
	if err != nil {
		return err
	}

	_, err = m.etcdClient.KV.Put(ctx, m.key, string(value), etcd.WithLease(m.leaseID))
	return err
}

// Withdraw removes the fact and releases its lease.
func (m *Announcement) Withdraw(ctx context.Context) error {
	defer m.cancelKa()

	_, err := m.etcdClient.KV.Delete(ctx, m.key)
	if err != nil {
		return err
	}

	_, err = m.etcdClient.Lease.Revoke(ctx, m.leaseID)
	return err
}
