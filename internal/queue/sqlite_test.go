package queue

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"trackflow/internal/clock"
	"trackflow/internal/domain"
)

type seqIDs struct{ n atomic.Int64 }

func (g *seqIDs) Generate() string { return fmt.Sprintf("id%d", g.n.Add(1)) }

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	logger := zerolog.New(zerolog.NewTestWriter(t))
	require.NoError(t, Migrate(context.Background(), db, logger))

	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewStore(db, "site-1", WithClock(clk), WithIDGenerator(&seqIDs{}), WithLogger(logger)), clk
}

func ptr[T any](v T) *T { return &v }

func decode(t *testing.T, task domain.QueueTask) domain.Activity {
	t.Helper()
	a, err := domain.DecodeActivity(task.ActivityJSON)
	require.NoError(t, err)
	return a
}

func TestInsertMergesIdentify(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	first, err := s.InsertTask(ctx, domain.Task{
		ProfileIdentifier: ptr("p1"),
		IdentityType:      domain.IdentityID,
		Activity:          domain.NewIdentify(1, map[string]string{"plan": "free", "country": "NL"}),
	})
	require.NoError(t, err)
	created, err := s.Get(ctx, first)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	second, err := s.InsertTask(ctx, domain.Task{
		ProfileIdentifier: ptr("p1"),
		IdentityType:      domain.IdentityID,
		Activity:          domain.NewIdentify(2, map[string]string{"plan": "pro"}),
	})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	tasks, err := s.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, created.CreatedAt, tasks[0].CreatedAt)
	assert.True(t, tasks[0].UpdatedAt.After(created.UpdatedAt))
	assert.Equal(t, map[string]string{"plan": "pro", "country": "NL"}, decode(t, tasks[0]).Attributes)
}

func TestInsertDoesNotMergeIntoSentRow(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	id, err := s.InsertTask(ctx, domain.Task{IdentityType: domain.IdentityID, Activity: domain.NewAddDevice(1, domain.Device{Token: "a"})})
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, domain.StatusSent, []string{id}))

	other, err := s.InsertTask(ctx, domain.Task{IdentityType: domain.IdentityID, Activity: domain.NewAddDevice(2, domain.Device{Token: "b"})})
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestInsertEventsAreUnique(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	ids := map[string]bool{}
	for ts := int64(1); ts <= 3; ts++ {
		id, err := s.InsertTask(ctx, domain.Task{
			IdentityType: domain.IdentityID,
			Activity:     domain.NewEvent("purchase", ts, map[string]string{"sku": "a"}),
		})
		require.NoError(t, err)
		ids[id] = true
	}
	assert.Len(t, ids, 3)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[domain.StatusPending])
}

func TestInsertRejectsInvalidActivity(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.InsertTask(context.Background(), domain.Task{Activity: domain.NewEvent("", 1, nil)})
	require.Error(t, err)
}

func TestIdentifyAdoptsAnonymousTasks(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	ev, err := s.InsertTask(ctx, domain.Task{IdentityType: domain.IdentityID, Activity: domain.NewScreen("Home", 1, nil)})
	require.NoError(t, err)
	metric, err := s.InsertTask(ctx, domain.Task{IdentityType: domain.IdentityID, Activity: domain.NewInAppMetric(domain.MetricOpened, "d1", 1)})
	require.NoError(t, err)

	_, err = s.InsertTask(ctx, domain.Task{
		ProfileIdentifier: ptr("a@b.c"),
		IdentityType:      domain.IdentityEmail,
		Activity:          domain.NewIdentify(2, nil),
	})
	require.NoError(t, err)

	adopted, err := s.Get(ctx, ev)
	require.NoError(t, err)
	require.NotNil(t, adopted.ProfileIdentifier)
	assert.Equal(t, "a@b.c", *adopted.ProfileIdentifier)
	assert.Equal(t, domain.IdentityEmail, adopted.IdentityType)

	untouched, err := s.Get(ctx, metric)
	require.NoError(t, err)
	assert.Nil(t, untouched.ProfileIdentifier)
}

func TestSelectBatchCandidatesReservesInPriorityOrder(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.InsertTask(ctx, domain.Task{IdentityType: domain.IdentityID, Activity: domain.NewEvent("e", int64(i), nil)})
		require.NoError(t, err)
		ids = append(ids, id)
		clk.Advance(time.Second)
	}
	urgent, err := s.InsertTask(ctx, domain.Task{
		IdentityType: domain.IdentityID,
		Activity:     domain.NewEvent("urgent", 9, nil),
		Priority:     domain.PriorityHigh,
	})
	require.NoError(t, err)

	batch, err := s.SelectBatchCandidates(ctx, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, []string{urgent, ids[0], ids[1]}, []string{batch[0].ID, batch[1].ID, batch[2].ID})
	for _, task := range batch {
		assert.Equal(t, domain.StatusQueued, task.Status)
	}

	// reserved rows are invisible to the next reader
	rest, err := s.SelectBatchCandidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[2], rest[0].ID)

	require.NoError(t, s.UpdateStatus(ctx, domain.StatusPending, []string{ids[2]}))
	none, err := s.SelectBatchCandidates(ctx, 10, ids[2])
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestApplyResponses(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.InsertTask(ctx, domain.Task{IdentityType: domain.IdentityID, Activity: domain.NewEvent("e", int64(i), nil)})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	reason := domain.ReasonRequired
	require.NoError(t, s.ApplyResponses(ctx, []domain.TaskResponse{
		{TaskID: ids[0], NewStatus: domain.StatusSent, StatusCode: ptr(200)},
		{TaskID: ids[1], NewStatus: domain.StatusFailed, StatusCode: ptr(200), ErrorReason: &reason},
		{TaskID: ids[2], NewStatus: domain.StatusFailed, StatusCode: ptr(503)},
	}))

	sent, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, sent.Status)
	assert.Zero(t, sent.RetryCount)

	required, err := s.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, required.Status)
	assert.Equal(t, 1, required.RetryCount)
	require.NotNil(t, required.ErrorReason)
	assert.Equal(t, domain.ReasonRequired, *required.ErrorReason)

	outage, err := s.Get(ctx, ids[2])
	require.NoError(t, err)
	require.NotNil(t, outage.LastStatusCode)
	assert.Equal(t, 503, *outage.LastStatusCode)
	assert.Nil(t, outage.ErrorReason)
}

func TestPurgeTerminal(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := s.InsertTask(ctx, domain.Task{IdentityType: domain.IdentityID, Activity: domain.NewEvent("e", int64(i), nil)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, s.UpdateStatus(ctx, domain.StatusSent, ids[:1]))
	require.NoError(t, s.UpdateStatus(ctx, domain.StatusInvalid, ids[1:2]))
	require.NoError(t, s.UpdateStatus(ctx, domain.StatusFailed, ids[2:3]))

	n, err := s.PurgeTerminal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Get(ctx, ids[0])
	require.ErrorIs(t, err, ErrNotFound)
	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.Status]int{domain.StatusFailed: 1, domain.StatusPending: 1}, counts)
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	a, err := s.InsertTask(ctx, domain.Task{IdentityType: domain.IdentityID, Activity: domain.NewEvent("a", 1, nil)})
	require.NoError(t, err)
	b, err := s.InsertTask(ctx, domain.Task{IdentityType: domain.IdentityID, Activity: domain.NewEvent("b", 2, nil)})
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, domain.StatusQueued, []string{a}))
	require.NoError(t, s.UpdateStatus(ctx, domain.StatusSending, []string{b}))

	n, err := s.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.StatusPending])
}

func TestStoreIsScopedToSite(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	other := NewStore(s.db, "site-2")

	_, err := s.InsertTask(ctx, domain.Task{IdentityType: domain.IdentityID, Activity: domain.NewEvent("a", 1, nil)})
	require.NoError(t, err)

	tasks, err := other.SelectBatchCandidates(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
