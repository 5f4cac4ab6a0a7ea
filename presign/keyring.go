package presign

import (
	"sync"

	"github.com/TEENet-io/ramp-go/agreement"
)

// KeyRing holds the ephemeral keys of one ramp, by network. Keys are never
// persisted: once the ramp is presigned the ring is dropped.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[agreement.Network]agreement.EphemeralKey
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[agreement.Network]agreement.EphemeralKey)}
}

func (r *KeyRing) Add(network agreement.Network, key agreement.EphemeralKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[network] = key
}

func (r *KeyRing) Get(network agreement.Network) (agreement.EphemeralKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[network]
	return k, ok
}

// Addresses lists the ephemeral account of each network.
func (r *KeyRing) Addresses() map[agreement.Network]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[agreement.Network]string, len(r.keys))
	for n, k := range r.keys {
		out[n] = k.Address
	}
	return out
}
