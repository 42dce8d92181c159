// Package domain holds the identifiers and narrow collaborator interfaces
// shared across the durability core's packages. It intentionally carries no
// business logic of its own — every operation lives in the package that owns
// the corresponding concern (oplog, archive, replay, status, retry, ...).
package domain

import "fmt"

// ComponentID identifies a deployed WASM component independent of revision.
type ComponentID string

// ProjectID groups components and workers for archive scanning and
// multi-tenant isolation.
type ProjectID string

// WorkerID names a single worker within a component.
type WorkerID string

// OwnedWorkerId is the fully-qualified key under which a worker's oplog,
// archive entries, and derived status are stored. It is the primary key
// threaded through every package in this module.
type OwnedWorkerId struct {
	Project   ProjectID
	Component ComponentID
	Worker    WorkerID
}

// String renders the canonical "<project>/<component>/<worker>" form used
// as the blob storage path prefix and the Postgres primary key component.
func (o OwnedWorkerId) String() string {
	return fmt.Sprintf("%s/%s/%s", o.Project, o.Component, o.Worker)
}

// WorkerResourceId is a dense, per-worker monotonic index into a worker's
// indexed resource table (§4.7). Ids are never reused within a worker's
// lifetime even after the resource they named is dropped.
type WorkerResourceId uint64

// IdempotencyKey deduplicates an exported-function invocation across
// retries; caller-supplied, opaque to this module.
type IdempotencyKey string

// ComponentRevision is a monotonically increasing component version number.
type ComponentRevision uint64

// PluginInstallationId identifies one entry in a worker's active plugin set.
type PluginInstallationId string
