// Package backend models the storage-node side of an index rebuild. Jobs
// submit tasks and poll their status across scheduler ticks; nothing here
// blocks on the physical work.
package backend

import (
	"context"
	"errors"
)

// TaskKind identifies what a task asks a storage node to do.
type TaskKind string

const (
	TaskCreateReplica TaskKind = "create_replica"
	TaskAlterReplica  TaskKind = "alter_replica"
	TaskDropReplica   TaskKind = "drop_replica"
)

// TaskStatus is the progress of a submitted task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
	TaskUnknown TaskStatus = "unknown"
)

// ErrPublishFailed is returned by a Publisher that rejected a version.
var ErrPublishFailed = errors.New("publish version failed")

// Task is one unit of work for a storage node. Signature is the target
// tablet id and is unique per kind.
type Task struct {
	Kind          TaskKind `json:"kind"`
	Signature     int64    `json:"signature"`
	DBID          int64    `json:"dbId"`
	TableID       int64    `json:"tableId"`
	PartitionID   int64    `json:"partitionId"`
	IndexID       int64    `json:"indexId"`
	BaseTabletID  int64    `json:"baseTabletId,omitempty"`
	ShortKeyCount int      `json:"shortKeyCount,omitempty"`
}

// AgentClient submits tasks to storage nodes and reports their status.
type AgentClient interface {
	Submit(ctx context.Context, tasks []Task) error
	Status(kind TaskKind, signature int64) (TaskStatus, string)
	// Drop removes replicas. Failures are not reported.
	Drop(ctx context.Context, tablets []int64)
}

// TxnTracker exposes the load transaction watermark used to decide when a
// new index may start converting historical data.
type TxnTracker interface {
	NextTxnID() int64
	PreviousTxnsFinished(dbID, tableID, watershed int64) bool
}

// Publisher makes a rebuilt index version visible in shared storage.
type Publisher interface {
	Publish(ctx context.Context, tableID, indexID int64, tablets []int64) (bool, error)
}
