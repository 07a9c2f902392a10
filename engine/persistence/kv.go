// Package persistence implements Snapshot & Persistence (C10): a
// backend-agnostic KV capability interface, local and remote_kv
// implementations, and a Manager that write-throughs episodes, Q-table
// entries, feedback bias, and recall snapshots under the engine's
// scope-prefixed key layout.
package persistence

import "context"

// KV is the capability interface every persistence backend implements.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
}

// StateVersion is the persisted state-format tag. A snapshot written
// under a different tag is treated as incompatible and triggers a
// rebuild-from-store rather than a failed load.
const StateVersion = "memory_state.v1"

// Backend selection modes (spec's persistence_backend configuration
// option).
const (
	BackendAuto     = "auto"
	BackendLocal    = "local"
	BackendRemoteKV = "remote_kv"
)
