// Package alter runs the background jobs that build rollup indexes and
// synchronous materialized views, and keeps table state consistent with
// whether such a job is in flight.
package alter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/allyourbase/alterd/internal/backend"
	"github.com/allyourbase/alterd/internal/catalog"
)

// JobState is the lifecycle position of an alter job.
type JobState string

const (
	StatePending           JobState = "PENDING"
	StateWaitingTxn        JobState = "WAITING_TXN"
	StateRunning           JobState = "RUNNING"
	StateFinishedRewriting JobState = "FINISHED_REWRITING"
	StateFinished          JobState = "FINISHED"
	StateCancelled         JobState = "CANCELLED"
)

// IsFinal reports whether the job can no longer change state.
func (s JobState) IsFinal() bool {
	return s == StateFinished || s == StateCancelled
}

// rank orders states along the job lifecycle. Both final states share the
// highest rank.
func (s JobState) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateWaitingTxn:
		return 1
	case StateRunning:
		return 2
	case StateFinishedRewriting:
		return 3
	}
	return 4
}

// JobKind selects how the new index is built.
type JobKind string

const (
	KindRollup           JobKind = "rollup"
	KindLakeRollup       JobKind = "lake_rollup"
	KindMaterializedView JobKind = "materialized_view"
)

// ReasonTimeout is the cancel reason recorded for jobs that ran past their deadline.
const ReasonTimeout = "timeout"

// TabletMapping pairs a base tablet with the rollup tablet built from it.
type TabletMapping struct {
	PartitionID    int64 `json:"partitionId"`
	BaseTabletID   int64 `json:"baseTabletId"`
	RollupTabletID int64 `json:"rollupTabletId"`
}

// JobRecord is the persisted form of a job. Every state change appends one
// to the journal, and replay rebuilds jobs from them.
type JobRecord struct {
	JobID           int64            `json:"jobId"`
	DBID            int64            `json:"dbId"`
	TableID         int64            `json:"tableId"`
	TableName       string           `json:"tableName"`
	Kind            JobKind          `json:"kind"`
	State           JobState         `json:"state"`
	CreatedAt       time.Time        `json:"createdAt"`
	FinishedAt      *time.Time       `json:"finishedAt,omitempty"`
	TimeoutMs       int64            `json:"timeoutMs"`
	BaseIndexID     int64            `json:"baseIndexId"`
	BaseIndexName   string           `json:"baseIndexName"`
	RollupIndexID   int64            `json:"rollupIndexId"`
	RollupIndexName string           `json:"rollupIndexName"`
	RollupSchema    []catalog.Column `json:"rollupSchema"`
	KeysType        catalog.KeysType `json:"keysType"`
	ShortKeyCount   int              `json:"shortKeyCount"`
	WatershedTxnID  int64            `json:"watershedTxnId,omitempty"`
	Tablets         []TabletMapping  `json:"tablets"`
	ViewDefineSQL   string           `json:"viewDefineSql,omitempty"`
	WhereClause     string           `json:"whereClause,omitempty"`
	ColocateMV      bool             `json:"colocateMv,omitempty"`
	Reason          string           `json:"reason,omitempty"`
}

// RollupTablets returns the ids of every placeholder tablet.
func (r *JobRecord) RollupTablets() []int64 {
	ids := make([]int64, 0, len(r.Tablets))
	for _, m := range r.Tablets {
		ids = append(ids, m.RollupTabletID)
	}
	return ids
}

// Job is a tracked background rebuild of one table index.
type Job interface {
	ID() int64
	DBID() int64
	TableID() int64
	Kind() JobKind
	RollupIndexName() string
	State() JobState
	IsDone() bool
	// IsTimeout reports whether the job has outlived its deadline. It has
	// no side effects.
	IsTimeout() bool
	// Run advances the job by at most one phase. It is a no-op on a done
	// job and cancels the job with ReasonTimeout once it has timed out.
	Run(ctx context.Context)
	// Cancel moves a non-terminal job to CANCELLED, releasing the shadow
	// index and placeholder tablets. It returns false if the job was done.
	Cancel(ctx context.Context, reason string) bool
	Record() JobRecord
	// replay applies a journaled snapshot of this job.
	replay(rec JobRecord)
}

// JobEnv holds the collaborators jobs call while they run.
type JobEnv struct {
	Catalog   *catalog.Catalog
	Agent     backend.AgentClient
	Txns      backend.TxnTracker
	Publisher backend.Publisher
	Journal   *Journal
	Logger    *slog.Logger
	Now       func() time.Time
}

func (e *JobEnv) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// JobFromRecord rebuilds a job from its persisted record.
func JobFromRecord(rec JobRecord, env *JobEnv) (Job, error) {
	var job interface {
		Job
		init(env *JobEnv, rec JobRecord)
	}
	switch rec.Kind {
	case KindRollup:
		job = &RollupJob{}
	case KindLakeRollup:
		job = &LakeRollupJob{}
	case KindMaterializedView:
		job = &MaterializedViewJob{}
	default:
		return nil, fmt.Errorf("unknown alter job kind %q for job %d", rec.Kind, rec.JobID)
	}
	job.init(env, rec)
	return job, nil
}
