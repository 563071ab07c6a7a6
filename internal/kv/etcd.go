package kv

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConfig configures the distributed Store backend.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
}

// Etcd is a Store backed by etcd, used when a gateway deployment runs
// multiple replicas that must agree on rate-limit and cache state. Revisions
// come from etcd's per-key ModRevision, which CompareAndSwap uses exactly the
// way the limiter's optimistic transaction (watch/multi/exec) requires.
type Etcd struct {
	client *clientv3.Client
}

// NewEtcd dials the configured endpoints. The connection is lazy in the
// underlying client; call Ping (done automatically by kv.Open) to verify
// liveness.
func NewEtcd(cfg EtcdConfig) (*Etcd, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, err
	}
	return &Etcd{client: c}, nil
}

func (e *Etcd) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := e.client.Status(ctx, e.client.Endpoints()[0])
	return err
}

func (e *Etcd) Get(ctx context.Context, key string) ([]byte, int64, bool, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return nil, 0, false, err
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, false, nil
	}
	kv := resp.Kvs[0]
	return kv.Value, kv.ModRevision, true, nil
}

func (e *Etcd) Put(ctx context.Context, key string, val []byte, ttl time.Duration) (int64, error) {
	opts, err := e.leaseOpts(ctx, ttl)
	if err != nil {
		return 0, err
	}
	resp, err := e.client.Put(ctx, key, string(val), opts...)
	if err != nil {
		return 0, err
	}
	return resp.Header.Revision, nil
}

// CompareAndSwap performs the optimistic write as a server-side atomic
// transaction, not a client-side lock (which would only serialize one
// replica, not the fleet). expectedRev == 0 means "key absent".
func (e *Etcd) CompareAndSwap(ctx context.Context, key string, expectedRev int64, val []byte, ttl time.Duration) (bool, int64, error) {
	opts, err := e.leaseOpts(ctx, ttl)
	if err != nil {
		return false, 0, err
	}
	txn := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", expectedRev)).
		Then(clientv3.OpPut(key, string(val), opts...))
	resp, err := txn.Commit()
	if err != nil {
		return false, 0, err
	}
	if !resp.Succeeded {
		_, rev, _, getErr := e.Get(ctx, key)
		return false, rev, getErr
	}
	return true, resp.Header.Revision, nil
}

func (e *Etcd) Delete(ctx context.Context, key string) error {
	_, err := e.client.Delete(ctx, key)
	return err
}

func (e *Etcd) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	resp, err := e.client.Delete(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}
	return resp.Deleted, nil
}

func (e *Etcd) Keys(ctx context.Context, pattern string) ([]string, error) {
	prefix, exact := globPrefix(pattern)
	if exact {
		resp, err := e.client.Get(ctx, pattern, clientv3.WithKeysOnly())
		if err != nil {
			return nil, err
		}
		if len(resp.Kvs) == 0 {
			return nil, nil
		}
		return []string{string(resp.Kvs[0].Key)}, nil
	}
	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	out := make([]string, len(resp.Kvs))
	for i, kv := range resp.Kvs {
		out[i] = string(kv.Key)
	}
	return out, nil
}

func (e *Etcd) Close() error {
	return e.client.Close()
}

// leaseOpts grants a lease scoped to ttl and returns the PutOption to attach
// it, or nil options for a non-expiring write.
func (e *Etcd) leaseOpts(ctx context.Context, ttl time.Duration) ([]clientv3.OpOption, error) {
	if ttl <= 0 {
		return nil, nil
	}
	lease, err := e.client.Grant(ctx, int64(ttl.Seconds())+1)
	if err != nil {
		return nil, err
	}
	return []clientv3.OpOption{clientv3.WithLease(lease.ID)}, nil
}
