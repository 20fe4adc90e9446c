// Package editlog is the durable journal of metadata changes. Entries are
// appended in sequence order and replayed in the same order on restart.
package editlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// OpType identifies the kind of change an entry records.
type OpType string

const (
	OpAlterJob                         OpType = "alter_job"
	OpBatchAlterJob                    OpType = "batch_alter_job"
	OpDropRollup                       OpType = "drop_rollup"
	OpBatchDropRollup                  OpType = "batch_drop_rollup"
	OpRenameMaterializedView           OpType = "rename_materialized_view"
	OpModifyMaterializedViewProperties OpType = "modify_materialized_view_properties"
	OpChangeMaterializedViewRefresh    OpType = "change_materialized_view_refresh_scheme"
	OpSetMaterializedViewStatus        OpType = "set_materialized_view_status"
	OpCreateDatabase                   OpType = "create_database"
	OpCreateTable                      OpType = "create_table"
)

// Known reports whether op is one of the defined entry kinds.
func (op OpType) Known() bool {
	switch op {
	case OpAlterJob, OpBatchAlterJob, OpDropRollup, OpBatchDropRollup,
		OpRenameMaterializedView, OpModifyMaterializedViewProperties,
		OpChangeMaterializedViewRefresh, OpSetMaterializedViewStatus,
		OpCreateDatabase, OpCreateTable:
		return true
	}
	return false
}

var (
	ErrClosed           = errors.New("journal is closed")
	ErrConcurrentWriter = errors.New("journal sequence already written by another writer")
	ErrCorrupt          = errors.New("journal entry is corrupt")
	ErrBroken           = errors.New("journal could not undo a failed append")
)

// Entry is one journal record.
type Entry struct {
	Seq  uint64          `json:"seq"`
	Op   OpType          `json:"op"`
	Data json.RawMessage `json:"data"`
	Time time.Time       `json:"time"`
}

// Decode unmarshals the entry payload into v.
func (e Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: seq %d op %s: %v", ErrCorrupt, e.Seq, e.Op, err)
	}
	return nil
}

// Log is a journal backend.
type Log interface {
	// Append durably writes one entry and returns its sequence number.
	Append(ctx context.Context, op OpType, data []byte) (uint64, error)
	// Read calls fn for every entry with Seq > afterSeq, in order.
	Read(ctx context.Context, afterSeq uint64, fn func(Entry) error) error
	// LastSeq returns the sequence of the newest entry, 0 if empty.
	LastSeq(ctx context.Context) (uint64, error)
	// Truncate removes every entry with Seq <= uptoSeq, except that the
	// newest entry is always kept so numbering survives a restart.
	Truncate(ctx context.Context, uptoSeq uint64) error
	Close() error
}

// AppendJSON marshals v and appends it.
func AppendJSON(ctx context.Context, l Log, op OpType, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encoding %s entry: %w", op, err)
	}
	return l.Append(ctx, op, data)
}

func retainNewest(uptoSeq, last uint64) uint64 {
	if last > 0 && uptoSeq >= last {
		return last - 1
	}
	return uptoSeq
}

// DropInfo records the removal of one rollup or synchronous MV index.
type DropInfo struct {
	DBID    int64  `json:"dbId"`
	TableID int64  `json:"tableId"`
	IndexID int64  `json:"indexId"`
	Name    string `json:"name,omitempty"`
}

// BatchDropInfo records several index drops on one table as a single entry.
type BatchDropInfo struct {
	DBID     int64   `json:"dbId"`
	TableID  int64   `json:"tableId"`
	IndexIDs []int64 `json:"indexIds"`
}

// RenameMVInfo records an asynchronous MV rename.
type RenameMVInfo struct {
	DBID    int64  `json:"dbId"`
	TableID int64  `json:"tableId"`
	NewName string `json:"newName"`
}

// ModifyMVPropertiesInfo records a property change on an asynchronous MV.
type ModifyMVPropertiesInfo struct {
	DBID       int64             `json:"dbId"`
	TableID    int64             `json:"tableId"`
	Properties map[string]string `json:"properties"`
}

// MVRefreshSchemeInfo records a refresh scheme change.
type MVRefreshSchemeInfo struct {
	DBID     int64  `json:"dbId"`
	TableID  int64  `json:"tableId"`
	Type     string `json:"type"`
	Schedule string `json:"schedule,omitempty"`
}

// MVStatusInfo records an MV being made active or inactive.
type MVStatusInfo struct {
	DBID    int64  `json:"dbId"`
	TableID int64  `json:"tableId"`
	Active  bool   `json:"active"`
	Reason  string `json:"reason,omitempty"`
}
