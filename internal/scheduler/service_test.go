package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	expired  atomic.Int32
	flushed  atomic.Int32
	flushErr error
}

func (f *fakeQueue) DeleteExpired(context.Context) (int, error) {
	f.expired.Add(1)
	return 2, nil
}

func (f *fakeQueue) Flush(context.Context) error {
	f.flushed.Add(1)
	return f.flushErr
}

func TestServiceRunsJobs(t *testing.T) {
	q := &fakeQueue{}
	s := NewService(q, Config{ExpiryCron: "@every 1s", FlushCron: "@every 1s"}, zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	assert.Eventually(t, func() bool {
		return q.expired.Load() > 0 && q.flushed.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestServiceWithoutFlush(t *testing.T) {
	q := &fakeQueue{}
	s := NewService(q, Config{ExpiryCron: "@hourly"}, zerolog.Nop())
	require.NoError(t, s.Start())
	assert.Len(t, s.cron.Entries(), 1)
	s.Stop(context.Background())
}

func TestServiceRejectsBadExpression(t *testing.T) {
	s := NewService(&fakeQueue{}, Config{ExpiryCron: "whenever"}, zerolog.Nop())
	require.Error(t, s.Start())
}

func TestRunFlushLogsFailure(t *testing.T) {
	q := &fakeQueue{flushErr: errors.New("unavailable")}
	s := NewService(q, Config{ExpiryCron: "@hourly"}, zerolog.Nop())
	s.RunFlush(context.Background())
	s.RunExpiry(context.Background())
	assert.Equal(t, int32(1), q.flushed.Load())
	assert.Equal(t, int32(1), q.expired.Load())
}

func TestCronHelpers(t *testing.T) {
	require.NoError(t, ValidateCronExpression("*/5 * * * *"))
	require.NoError(t, ValidateCronExpression("@every 1h"))
	require.Error(t, ValidateCronExpression("nope"))

	from := time.Date(2026, 1, 1, 10, 2, 0, 0, time.UTC)
	next, err := NextRunTime("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC), next)
}
