package oplogentry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golemsrv/durability/internal/domain"
)

// Kind tags which variant an Entry carries (§3.2). Adding a Kind here is
// meant to force every exhaustive switch in this module (codec, status
// deriver, replay dispatch) to be revisited — see design note "Variant
// dispatch on OplogEntry".
type Kind string

const (
	KindCreate                       Kind = "create"
	KindHostCall                     Kind = "host_call" // ImportedFunctionInvoked
	KindExportedFunctionInvoked      Kind = "exported_function_invoked"
	KindExportedFunctionCompleted    Kind = "exported_function_completed"
	KindSuspend                      Kind = "suspend"
	KindInterrupted                  Kind = "interrupted"
	KindExited                       Kind = "exited"
	KindError                        Kind = "error"
	KindNoOp                         Kind = "noop"
	KindJump                         Kind = "jump"
	KindRevert                       Kind = "revert"
	KindChangeRetryPolicy            Kind = "change_retry_policy"
	KindBeginAtomicRegion             Kind = "begin_atomic_region"
	KindEndAtomicRegion               Kind = "end_atomic_region"
	KindBeginRemoteWrite              Kind = "begin_remote_write"
	KindEndRemoteWrite                Kind = "end_remote_write"
	KindBeginRemoteTransaction        Kind = "begin_remote_transaction"
	KindPreCommitRemoteTransaction    Kind = "pre_commit_remote_transaction"
	KindPreRollbackRemoteTransaction  Kind = "pre_rollback_remote_transaction"
	KindCommittedRemoteTransaction    Kind = "committed_remote_transaction"
	KindRolledBackRemoteTransaction   Kind = "rolled_back_remote_transaction"
	KindPendingWorkerInvocation       Kind = "pending_worker_invocation"
	KindPendingUpdate                 Kind = "pending_update"
	KindSuccessfulUpdate              Kind = "successful_update"
	KindFailedUpdate                  Kind = "failed_update"
	KindCreateResource                Kind = "create_resource"
	KindDropResource                  Kind = "drop_resource"
	KindDescribeResource              Kind = "describe_resource"
	KindLog                           Kind = "log"
	KindGrowMemory                    Kind = "grow_memory"
	KindRestart                       Kind = "restart"
	KindChangePersistenceLevel        Kind = "change_persistence_level"
	KindActivatePlugin                Kind = "activate_plugin"
	KindDeactivatePlugin              Kind = "deactivate_plugin"
	KindStartSpan                     Kind = "start_span"
	KindFinishSpan                    Kind = "finish_span"
	KindSetSpanAttribute              Kind = "set_span_attribute"
)

// PayloadRef is either an inlined payload or a reference to a
// content-addressed blob holding a large request/response body (§3.6
// Ownership, §6.1 payload store). Exactly one of Inline or Hash is set.
type PayloadRef struct {
	Inline    []byte `json:"inline,omitempty"`
	Namespace string `json:"namespace,omitempty"` // blob storage namespace, e.g. "payloads/<project>/<component>"
	Hash      string `json:"hash,omitempty"`      // content hash, the blob storage key
	Size      int64  `json:"size,omitempty"`
}

// IsZero reports whether r names no data at all.
func (r PayloadRef) IsZero() bool { return r.Hash == "" && r.Inline == nil }

// IsOffloaded reports whether r names a blob rather than carrying data
// inline.
func (r PayloadRef) IsOffloaded() bool { return r.Hash != "" }

// Bytes returns the payload if it is inlined, or nil if it must be fetched
// from blob storage via Namespace/Hash.
func (r PayloadRef) Bytes() []byte { return r.Inline }

// DurableFunctionType classifies a host call for bracket and retry purposes
// (§4.4 table).
type DurableFunctionType string

const (
	FnReadLocal             DurableFunctionType = "read_local"
	FnReadRemote            DurableFunctionType = "read_remote"
	FnWriteLocal            DurableFunctionType = "write_local"
	FnWriteRemote           DurableFunctionType = "write_remote"
	FnWriteRemoteBatched    DurableFunctionType = "write_remote_batched"
	FnWriteRemoteTransaction DurableFunctionType = "write_remote_transaction"
)

// RetryPolicy fields (§4.6). Zero value means "use the config default".
type RetryPolicy struct {
	MaxAttempts    int
	MinDelay       time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	MaxJitterFactor float64
}

// Variant payloads. Each holds exactly the fields its kind's semantic
// obligations (§3.2) require; Entry embeds the one matching its Kind.

type CreatePayload struct {
	ComponentRevision domain.ComponentRevision
	Environment       map[string]string
	Parent            *domain.OwnedWorkerId
	ActivePlugins     []domain.PluginInstallationId
}

type HostCallPayload struct {
	FunctionName string
	Request      PayloadRef
	Response     PayloadRef
	FnType       DurableFunctionType
}

type ExportedFunctionInvokedPayload struct {
	FunctionName   string
	IdempotencyKey domain.IdempotencyKey
	Input          PayloadRef
}

type ExportedFunctionCompletedPayload struct {
	IdempotencyKey domain.IdempotencyKey
	ConsumedFuel   int64
	Output         PayloadRef
}

type ErrorPayload struct {
	Error     string
	RetryFrom Index
}

type JumpPayload struct {
	Dropped Range
}

type RevertPayload struct {
	Dropped Range
}

type ChangeRetryPolicyPayload struct {
	Policy RetryPolicy
}

type BeginRemoteWritePayload struct{}
type EndRemoteWritePayload struct {
	BeginIndex Index
}

type BeginRemoteTransactionPayload struct{}
type RemoteTransactionPhasePayload struct {
	BeginIndex Index
}

// UpdateKind distinguishes how a PendingUpdate/SuccessfulUpdate is applied.
type UpdateKind string

const (
	UpdateAutomatic    UpdateKind = "automatic"
	UpdateSnapshotBased UpdateKind = "snapshot_based"
	UpdateManual       UpdateKind = "manual"
)

type PendingWorkerInvocationPayload struct {
	IdempotencyKey domain.IdempotencyKey
	FunctionName   string
}

type PendingUpdatePayload struct {
	UpdateKind     UpdateKind
	TargetRevision domain.ComponentRevision
}

type SuccessfulUpdatePayload struct {
	TargetRevision domain.ComponentRevision
	TargetSize     int64
	NewActivePlugins []domain.PluginInstallationId
}

type FailedUpdatePayload struct {
	TargetRevision domain.ComponentRevision
	Reason         string
}

type CreateResourcePayload struct {
	ResourceID domain.WorkerResourceId
	Name       string
	Params     []string
}

type DropResourcePayload struct {
	ResourceID domain.WorkerResourceId
}

type DescribeResourcePayload struct {
	ResourceID  domain.WorkerResourceId
	IndexedKey  string
}

type LogPayload struct {
	Level   string
	Message string
}

type GrowMemoryPayload struct {
	DeltaBytes int64
}

type RestartPayload struct{}

// PersistenceLevel controls whether a worker's writes are durable, the host
// keeps them in memory only, or persistence is suspended entirely.
type PersistenceLevel string

const (
	PersistenceSmart    PersistenceLevel = "smart"
	PersistenceDurable  PersistenceLevel = "always"
	PersistenceNone     PersistenceLevel = "none"
)

type ChangePersistenceLevelPayload struct {
	Level PersistenceLevel
}

type ActivatePluginPayload struct {
	PluginID domain.PluginInstallationId
}

type DeactivatePluginPayload struct {
	PluginID domain.PluginInstallationId
}

type StartSpanPayload struct {
	SpanID     string
	ParentID   string // empty if root
	LinkedID   string // empty if none
	Attributes map[string]string
	Activated  bool
}

type FinishSpanPayload struct {
	SpanID string
}

type SetSpanAttributePayload struct {
	SpanID string
	Key    string
	Value  string
}

// Entry is the tagged union described in §3.2. Every entry carries a
// timestamp; exactly one of the Kind-specific payload fields is populated,
// selected by Kind. Using one struct with optional fields (rather than a Go
// interface per variant) keeps JSON (de)serialization and Postgres JSONB
// round-tripping trivial while still giving every consumer a single,
// exhaustive switch over Kind — the same "closed sum, open switch" shape
// the design notes call out (§9 "Variant dispatch on OplogEntry").
type Entry struct {
	Index     Index     `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`

	Create                    *CreatePayload                    `json:"create,omitempty"`
	HostCall                  *HostCallPayload                  `json:"host_call,omitempty"`
	ExportedFunctionInvoked   *ExportedFunctionInvokedPayload   `json:"exported_function_invoked,omitempty"`
	ExportedFunctionCompleted *ExportedFunctionCompletedPayload `json:"exported_function_completed,omitempty"`
	Error                     *ErrorPayload                     `json:"error,omitempty"`
	Jump                      *JumpPayload                      `json:"jump,omitempty"`
	Revert                    *RevertPayload                    `json:"revert,omitempty"`
	ChangeRetryPolicy         *ChangeRetryPolicyPayload         `json:"change_retry_policy,omitempty"`
	BeginRemoteWrite          *BeginRemoteWritePayload          `json:"begin_remote_write,omitempty"`
	EndRemoteWrite            *EndRemoteWritePayload            `json:"end_remote_write,omitempty"`
	BeginRemoteTransaction    *BeginRemoteTransactionPayload    `json:"begin_remote_transaction,omitempty"`
	RemoteTransactionPhase    *RemoteTransactionPhasePayload    `json:"remote_transaction_phase,omitempty"`
	PendingWorkerInvocation   *PendingWorkerInvocationPayload   `json:"pending_worker_invocation,omitempty"`
	PendingUpdate             *PendingUpdatePayload             `json:"pending_update,omitempty"`
	SuccessfulUpdate          *SuccessfulUpdatePayload          `json:"successful_update,omitempty"`
	FailedUpdate              *FailedUpdatePayload              `json:"failed_update,omitempty"`
	CreateResource            *CreateResourcePayload            `json:"create_resource,omitempty"`
	DropResource              *DropResourcePayload              `json:"drop_resource,omitempty"`
	DescribeResource          *DescribeResourcePayload          `json:"describe_resource,omitempty"`
	Log                       *LogPayload                       `json:"log,omitempty"`
	GrowMemory                *GrowMemoryPayload                `json:"grow_memory,omitempty"`
	ChangePersistenceLevel    *ChangePersistenceLevelPayload    `json:"change_persistence_level,omitempty"`
	ActivatePlugin            *ActivatePluginPayload            `json:"activate_plugin,omitempty"`
	DeactivatePlugin          *DeactivatePluginPayload          `json:"deactivate_plugin,omitempty"`
	StartSpan                 *StartSpanPayload                 `json:"start_span,omitempty"`
	FinishSpan                *FinishSpanPayload                `json:"finish_span,omitempty"`
	SetSpanAttribute          *SetSpanAttributePayload          `json:"set_span_attribute,omitempty"`
}

// Validate checks that an Entry's Kind matches a populated payload field.
// The oplog Append implementations do not call it.
func (e *Entry) Validate() error {
	populated := 0
	check := func(kind Kind, present bool) error {
		if !present {
			return nil
		}
		populated++
		if e.Kind != kind {
			return fmt.Errorf("oplogentry: kind %q carries %q payload", e.Kind, kind)
		}
		return nil
	}
	checks := []error{
		check(KindCreate, e.Create != nil),
		check(KindHostCall, e.HostCall != nil),
		check(KindExportedFunctionInvoked, e.ExportedFunctionInvoked != nil),
		check(KindExportedFunctionCompleted, e.ExportedFunctionCompleted != nil),
		check(KindError, e.Error != nil),
		check(KindJump, e.Jump != nil),
		check(KindRevert, e.Revert != nil),
		check(KindChangeRetryPolicy, e.ChangeRetryPolicy != nil),
		check(KindBeginRemoteWrite, e.BeginRemoteWrite != nil),
		check(KindEndRemoteWrite, e.EndRemoteWrite != nil),
		check(KindBeginRemoteTransaction, e.BeginRemoteTransaction != nil),
		check(KindPendingWorkerInvocation, e.PendingWorkerInvocation != nil),
		check(KindPendingUpdate, e.PendingUpdate != nil),
		check(KindSuccessfulUpdate, e.SuccessfulUpdate != nil),
		check(KindFailedUpdate, e.FailedUpdate != nil),
		check(KindCreateResource, e.CreateResource != nil),
		check(KindDropResource, e.DropResource != nil),
		check(KindDescribeResource, e.DescribeResource != nil),
		check(KindLog, e.Log != nil),
		check(KindGrowMemory, e.GrowMemory != nil),
		check(KindChangePersistenceLevel, e.ChangePersistenceLevel != nil),
		check(KindActivatePlugin, e.ActivatePlugin != nil),
		check(KindDeactivatePlugin, e.DeactivatePlugin != nil),
		check(KindStartSpan, e.StartSpan != nil),
		check(KindFinishSpan, e.FinishSpan != nil),
		check(KindSetSpanAttribute, e.SetSpanAttribute != nil),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	switch e.Kind {
	case KindPreCommitRemoteTransaction, KindPreRollbackRemoteTransaction,
		KindCommittedRemoteTransaction, KindRolledBackRemoteTransaction:
		if e.RemoteTransactionPhase == nil {
			return fmt.Errorf("oplogentry: kind %q requires a remote_transaction_phase payload", e.Kind)
		}
	case KindSuspend, KindInterrupted, KindExited, KindNoOp,
		KindRestart, KindEndAtomicRegion, KindBeginAtomicRegion:
		// No payload required for these lifecycle markers.
	}
	return nil
}

// Encode serializes an Entry to JSON bytes, used both for Postgres JSONB
// storage (§6.1) and as the unit the archive layer compresses (§4.2, §6.1).
func Encode(e *Entry) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses bytes produced by Encode.
func Decode(b []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("oplogentry: decode: %w", err)
	}
	return &e, nil
}
