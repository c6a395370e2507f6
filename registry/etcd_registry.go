// etcd-backed Registry.
//
// Key layout:
//
//	Key:   /peer-rpc/peers/{PeerID}/{Addr}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if a node crashes, the lease expires
// and its entry disappears, so nobody keeps dialing a dead address.
package registry

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/peer-rpc/peers/"

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	log    *zap.Logger
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
// logger may be nil.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
		Logger:    logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", endpoints, err)
	}
	return &EtcdRegistry{client: c, log: logger}, nil
}

func peerPrefix(peerID string) string {
	return keyPrefix + peerID + "/"
}

// Register stores inst under a lease of ttl seconds and keeps the lease
// alive until ctx ends or the registry is closed.
//
// leaseID stays a local variable so one EtcdRegistry can register several
// instances concurrently.
func (r *EtcdRegistry) Register(ctx context.Context, inst Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, peerPrefix(inst.PeerID)+inst.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return err
	}

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.log.Debug("lease keepalive stopped", zap.String("peer", inst.PeerID), zap.String("addr", inst.Addr))
	}()
	return nil
}

// Deregister removes one address of a peer.
func (r *EtcdRegistry) Deregister(ctx context.Context, peerID string, addr string) error {
	_, err := r.client.Delete(ctx, peerPrefix(peerID)+addr)
	return err
}

// Resolve returns every address currently registered for peerID.
func (r *EtcdRegistry) Resolve(ctx context.Context, peerID string) ([]Instance, error) {
	instances, err := r.get(ctx, peerPrefix(peerID))
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, ErrNotFound
	}
	return instances, nil
}

// List returns every registered instance of every peer.
func (r *EtcdRegistry) List(ctx context.Context) ([]Instance, error) {
	return r.get(ctx, keyPrefix)
}

func (r *EtcdRegistry) get(ctx context.Context, prefix string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.log.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch emits peerID's instance list whenever its keys change (registration,
// deregistration, lease expiry), until ctx ends.
//
// Uses etcd's Watch API (server-push) and re-reads the full list on each
// event rather than applying individual events.
func (r *EtcdRegistry) Watch(ctx context.Context, peerID string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	prefix := peerPrefix(peerID)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.get(ctx, prefix)
			if err != nil {
				r.log.Warn("re-reading watched peer failed", zap.String("peer", peerID), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close releases the etcd client; leases stop being renewed and expire.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
