package registry

import (
	"context"
	"sort"
	"sync"
)

// StaticRegistry keeps instances in memory. It is meant for tests and for
// fixed deployments where every peer's address is known up front; TTLs are
// ignored.
type StaticRegistry struct {
	mu        sync.Mutex
	instances map[string][]Instance
	watchers  map[string][]chan []Instance
}

func NewStaticRegistry(instances ...Instance) *StaticRegistry {
	r := &StaticRegistry{
		instances: make(map[string][]Instance),
		watchers:  make(map[string][]chan []Instance),
	}
	for _, inst := range instances {
		r.instances[inst.PeerID] = append(r.instances[inst.PeerID], inst)
	}
	return r
}

func (r *StaticRegistry) Register(_ context.Context, inst Instance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	insts := r.instances[inst.PeerID]
	for i, existing := range insts {
		if existing.Addr == inst.Addr {
			insts[i] = inst
			r.notifyLocked(inst.PeerID)
			return nil
		}
	}
	r.instances[inst.PeerID] = append(insts, inst)
	r.notifyLocked(inst.PeerID)
	return nil
}

func (r *StaticRegistry) Deregister(_ context.Context, peerID string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	insts := r.instances[peerID]
	for i, inst := range insts {
		if inst.Addr == addr {
			r.instances[peerID] = append(insts[:i:i], insts[i+1:]...)
			break
		}
	}
	if len(r.instances[peerID]) == 0 {
		delete(r.instances, peerID)
	}
	r.notifyLocked(peerID)
	return nil
}

func (r *StaticRegistry) Resolve(_ context.Context, peerID string) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	insts := r.instances[peerID]
	if len(insts) == 0 {
		return nil, ErrNotFound
	}
	return append([]Instance(nil), insts...), nil
}

func (r *StaticRegistry) List(_ context.Context) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []Instance
	for _, insts := range r.instances {
		all = append(all, insts...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].PeerID != all[j].PeerID {
			return all[i].PeerID < all[j].PeerID
		}
		return all[i].Addr < all[j].Addr
	})
	return all, nil
}

// Watch emits the peer's instance list after every change until ctx ends.
func (r *StaticRegistry) Watch(ctx context.Context, peerID string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	r.mu.Lock()
	r.watchers[peerID] = append(r.watchers[peerID], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[peerID]
		for i, w := range ws {
			if w == ch {
				r.watchers[peerID] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *StaticRegistry) Close() error { return nil }

// notifyLocked pushes the latest list to watchers, replacing an unread one.
func (r *StaticRegistry) notifyLocked(peerID string) {
	snapshot := append([]Instance(nil), r.instances[peerID]...)
	for _, ch := range r.watchers[peerID] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
