package adapter

import (
	"context"
	stdErrors "errors"
	"math"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
	"github.com/mirkobrombin/go-lease/v1/lock"
)

const defaultEtcdOpTimeout = 5 * time.Second

var _ lock.Store = (*EtcdStore)(nil)

// EtcdStore implements lock.Store with etcd leases. Every key is attached to
// its own lease so the cluster expires it without help from the client.
//
// etcd lease TTLs have a granularity of one second, so TTLs are rounded up
// and the server may raise very short ones to its minimum.
type EtcdStore struct {
	client  *clientv3.Client
	prefix  string
	timeout time.Duration
}

// EtcdOption configures an EtcdStore.
type EtcdOption func(*EtcdStore)

// WithEtcdPrefix namespaces every key written by the store.
func WithEtcdPrefix(prefix string) EtcdOption {
	return func(s *EtcdStore) {
		s.prefix = prefix
	}
}

// WithEtcdTimeout sets the per-request timeout.
func WithEtcdTimeout(d time.Duration) EtcdOption {
	return func(s *EtcdStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewEtcdStore returns an EtcdStore backed by client.
func NewEtcdStore(client *clientv3.Client, opts ...EtcdOption) *EtcdStore {
	s := &EtcdStore{client: client, timeout: defaultEtcdOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create implements lock.Store. The key is written only when it has no
// create revision, meaning it is absent or its lease already expired.
func (s *EtcdStore) Create(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	k := s.prefix + key
	grant, err := s.client.Grant(cctx, leaseSeconds(ttl))
	if err != nil {
		return false, translateEtcdErr(err)
	}
	resp, err := s.client.Txn(cctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, value, clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		s.revoke(grant.ID)
		return false, translateEtcdErr(err)
	}
	if !resp.Succeeded {
		s.revoke(grant.ID)
		return false, nil
	}
	return true, nil
}

// Extend implements lock.Store. A fresh lease replaces the current one and
// the old lease is revoked once the swap committed.
func (s *EtcdStore) Extend(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	k := s.prefix + key
	grant, err := s.client.Grant(cctx, leaseSeconds(ttl))
	if err != nil {
		return false, translateEtcdErr(err)
	}
	resp, err := s.client.Txn(cctx).
		If(clientv3.Compare(clientv3.Value(k), "=", value)).
		Then(clientv3.OpGet(k), clientv3.OpPut(k, value, clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		s.revoke(grant.ID)
		return false, translateEtcdErr(err)
	}
	if !resp.Succeeded {
		s.revoke(grant.ID)
		return false, nil
	}
	s.revokePrevious(resp, grant.ID)
	return true, nil
}

// Delete implements lock.Store.
func (s *EtcdStore) Delete(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	k := s.prefix + key
	resp, err := s.client.Txn(cctx).
		If(clientv3.Compare(clientv3.Value(k), "=", value)).
		Then(clientv3.OpGet(k), clientv3.OpDelete(k)).
		Commit()
	if err != nil {
		return false, translateEtcdErr(err)
	}
	if !resp.Succeeded {
		return false, nil
	}
	s.revokePrevious(resp, clientv3.NoLease)
	return true, nil
}

// revokePrevious revokes the lease the key carried before the transaction,
// read from the OpGet placed first in the Then branch.
func (s *EtcdStore) revokePrevious(resp *clientv3.TxnResponse, keep clientv3.LeaseID) {
	if len(resp.Responses) == 0 {
		return
	}
	rng := resp.Responses[0].GetResponseRange()
	if rng == nil || len(rng.Kvs) == 0 {
		return
	}
	id := clientv3.LeaseID(rng.Kvs[0].Lease)
	if id != clientv3.NoLease && id != keep {
		s.revoke(id)
	}
}

// revoke is best effort: an orphaned lease only keeps server memory until
// its TTL runs out.
func (s *EtcdStore) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, _ = s.client.Revoke(ctx, id)
}

func leaseSeconds(ttl time.Duration) int64 {
	secs := int64(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func translateEtcdErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return leaseerrors.ErrTimeout
	case stdErrors.Is(err, context.Canceled):
		return err
	case stdErrors.Is(err, clientv3.ErrNoAvailableEndpoints):
		return leaseerrors.ErrConnectionClosed
	}
	return err
}
