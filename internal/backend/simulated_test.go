package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/allyourbase/alterd/internal/testutil"
)

func TestSimulatedTaskLifecycle(t *testing.T) {
	t.Parallel()
	s := NewSimulated(testutil.DiscardLogger(), 0)
	s.Hold()

	err := s.Submit(context.Background(), []Task{
		{Kind: TaskCreateReplica, Signature: 1},
		{Kind: TaskCreateReplica, Signature: 2},
	})
	testutil.NoError(t, err)
	testutil.Equal(t, 2, s.Submitted(TaskCreateReplica))

	st, _ := s.Status(TaskCreateReplica, 1)
	testutil.Equal(t, TaskPending, st)

	s.FailTablet(2, "disk full")
	s.Release()

	st, _ = s.Status(TaskCreateReplica, 1)
	testutil.Equal(t, TaskDone, st)
	st, msg := s.Status(TaskCreateReplica, 2)
	testutil.Equal(t, TaskFailed, st)
	testutil.Equal(t, "disk full", msg)

	st, _ = s.Status(TaskAlterReplica, 1)
	testutil.Equal(t, TaskUnknown, st)
}

func TestSimulatedLatency(t *testing.T) {
	t.Parallel()
	s := NewSimulated(testutil.DiscardLogger(), time.Minute)
	base := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return base }

	testutil.NoError(t, s.Submit(context.Background(), []Task{{Kind: TaskAlterReplica, Signature: 5}}))
	st, _ := s.Status(TaskAlterReplica, 5)
	testutil.Equal(t, TaskPending, st)

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	st, _ = s.Status(TaskAlterReplica, 5)
	testutil.Equal(t, TaskDone, st)
}

func TestSimulatedTxnWatershed(t *testing.T) {
	t.Parallel()
	s := NewSimulated(testutil.DiscardLogger(), 0)
	txn := s.BeginTxn(10)
	watershed := s.NextTxnID()

	testutil.False(t, s.PreviousTxnsFinished(1, 10, watershed))
	testutil.True(t, s.PreviousTxnsFinished(1, 11, watershed))

	// Transactions started after the watershed do not block.
	later := s.BeginTxn(10)
	s.CommitTxn(txn)
	testutil.True(t, s.PreviousTxnsFinished(1, 10, watershed))
	s.CommitTxn(later)
}

func TestSimulatedPublish(t *testing.T) {
	t.Parallel()
	s := NewSimulated(testutil.DiscardLogger(), 0)
	ok, err := s.Publish(context.Background(), 1, 2, []int64{3})
	testutil.NoError(t, err)
	testutil.True(t, ok)

	s.FailPublish(errors.New("quorum lost"))
	_, err = s.Publish(context.Background(), 1, 2, nil)
	testutil.ErrorIs(t, err, ErrPublishFailed)
}
