package domain

import (
	"context"
	"time"
)

// The interfaces below are the narrow, suspending collaborator boundaries
// the durability core consumes but does not implement (§6.2, §1 Non-goals).
// Production wiring for each lives in a sibling service outside this module
// (component registry, cluster shard router, storage backends); this module
// only needs enough of a shape to compile the durability core and its tests
// against an in-memory fake.

// ComponentDto is the subset of component metadata the durability core reads
// when folding a Create entry or validating an update target.
type ComponentDto struct {
	ID       ComponentID
	Revision ComponentRevision
	Size     int64
}

// ComponentService resolves component metadata by id and revision. Golem's
// component registry and its Postgres/SQLite repositories implement this;
// out of scope here (§1).
type ComponentService interface {
	Resolve(ctx context.Context, id ComponentID, revision ComponentRevision) (*ComponentDto, error)
}

// PluginInstallation is one entry in a worker's active plugin set (§3.2
// ActivatePlugin/DeactivatePlugin, §3.4 WorkerStatusRecord.ActivePlugins).
type PluginInstallation struct {
	ID       PluginInstallationId
	Name     string
	Revision ComponentRevision
}

// Plugins resolves plugin installation metadata. Plugin installation
// orchestration is out of scope (§1); this module only folds installation
// ids recorded in the oplog.
type Plugins interface {
	Get(ctx context.Context, id PluginInstallationId) (*PluginInstallation, error)
}

// KeyValueService, BlobStoreService and RdbmsService are the storage
// backends a worker's host calls may durably wrap (§6.2). The durability
// core never calls these directly — it only records and replays the
// HostCall entries that wrap their invocations (see internal/durability).
type KeyValueService interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
}

type BlobStoreService interface {
	Get(ctx context.Context, container, key string) ([]byte, error)
	Put(ctx context.Context, container, key string, value []byte) error
}

type RdbmsService interface {
	Execute(ctx context.Context, dsn, statement string, args ...any) (rowsAffected int64, err error)
	Query(ctx context.Context, dsn, statement string, args ...any) ([]map[string]any, error)
}

// SchedulerService schedules future wakeups (delayed retries, cron-style
// invocations). The durability core's retry control plane (§4.6) computes
// *when* to wake a worker; SchedulerService is where that wakeup is
// ultimately registered in a cluster deployment.
type SchedulerService interface {
	ScheduleAt(ctx context.Context, worker OwnedWorkerId, at time.Time, reason string) error
	Cancel(ctx context.Context, worker OwnedWorkerId, reason string) error
}

// PromiseService resolves Golem's cross-worker promise primitive. Not
// modeled further here; present only so durability host wrappers that touch
// promises have a narrow interface to depend on.
type PromiseService interface {
	Complete(ctx context.Context, promiseID string, value []byte) error
	Await(ctx context.Context, promiseID string) ([]byte, error)
}

// ShardService answers "does this node own this worker". The durability
// core assumes it is already running on the owning shard; shard routing
// itself is out of scope (§1).
type ShardService interface {
	Owns(ctx context.Context, worker OwnedWorkerId) (bool, error)
}

// ResourceLimits gates linear-memory growth (§5 Resource policy): wasm
// memory growth calls through this limiter, which tracks delta against a
// known total and may reject growth. Table growth is always permitted and
// has no corresponding gate.
type ResourceLimits interface {
	// TryGrowMemory reports whether growing a worker's linear memory by
	// deltaBytes is permitted given its current total.
	TryGrowMemory(ctx context.Context, worker OwnedWorkerId, currentTotal, deltaBytes int64) (bool, error)
}
