// Package storetest is a conformance suite for ports.Store implementations.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/browserq/internal/core/domain"
	"github.com/manthysbr/browserq/internal/core/ports"
)

// Opener returns an empty store. The suite closes it.
type Opener func(t *testing.T) ports.Store

// Run executes every conformance test against stores produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ports.Store)
	}{
		{"EnqueueAndGet", testEnqueueAndGet},
		{"GetMissing", testGetMissing},
		{"ClaimEmpty", testClaimEmpty},
		{"ClaimOldestFirst", testClaimOldestFirst},
		{"ClaimAllClaimed", testClaimAllClaimed},
		{"ConcurrentClaimsAreDistinct", testConcurrentClaims},
		{"FinishDoneWithOutput", testFinishDoneWithOutput},
		{"FinishDoneWithoutOutput", testFinishDoneWithoutOutput},
		{"FinishFailedStoresNoOutput", testFinishFailed},
		{"FinishRequiresInProgress", testFinishRequiresInProgress},
		{"FinishRejectsNonTerminal", testFinishRejectsNonTerminal},
		{"Stats", testStats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func enqueue(t *testing.T, s ports.Store, jobType, input string) domain.Job {
	t.Helper()
	job, err := s.Enqueue(context.Background(), jobType, []byte(input))
	require.NoError(t, err)
	return job
}

func claim(t *testing.T, s ports.Store) domain.Job {
	t.Helper()
	job, err := s.ClaimNext(context.Background())
	require.NoError(t, err)
	return job
}

func testEnqueueAndGet(t *testing.T, s ports.Store) {
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	job := enqueue(t, s, "screenshot", `{"url":"https://example.com"}`)
	assert.NotZero(t, job.ID)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.False(t, job.CreatedAt.IsZero())
	assert.Nil(t, job.UpdatedAt)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "screenshot", got.Type)
	assert.Equal(t, domain.JobStatusPending, got.Status)
	assert.Nil(t, got.Input, "status reads never carry input")
	assert.Nil(t, got.UpdatedAt)
	assert.WithinDuration(t, job.CreatedAt, got.CreatedAt, 0)

	second := enqueue(t, s, "screenshot", `{}`)
	assert.Greater(t, second.ID, job.ID)
}

func testGetMissing(t *testing.T, s ports.Store) {
	_, err := s.Get(context.Background(), 424242)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	_, err = s.GetOutput(context.Background(), 424242)
	assert.ErrorIs(t, err, domain.ErrOutputNotFound)
}

func testClaimEmpty(t *testing.T, s ports.Store) {
	_, err := s.ClaimNext(context.Background())
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats[domain.JobStatusInProgress])
}

func testClaimOldestFirst(t *testing.T, s ports.Store) {
	a := enqueue(t, s, "a", `{"n":1}`)
	b := enqueue(t, s, "b", `{"n":2}`)
	c := enqueue(t, s, "c", `{"n":3}`)

	first := claim(t, s)
	assert.Equal(t, a.ID, first.ID)
	assert.Equal(t, "a", first.Type)
	assert.Equal(t, domain.JobStatusInProgress, first.Status)
	assert.JSONEq(t, `{"n":1}`, string(first.Input))
	require.NotNil(t, first.UpdatedAt)

	assert.Equal(t, b.ID, claim(t, s).ID)
	assert.Equal(t, c.ID, claim(t, s).ID)

	got, err := s.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusInProgress, got.Status)
	assert.NotNil(t, got.UpdatedAt)
}

func testClaimAllClaimed(t *testing.T, s ports.Store) {
	enqueue(t, s, "a", `{}`)
	claim(t, s)

	before, err := s.Stats(context.Background())
	require.NoError(t, err)

	_, err = s.ClaimNext(context.Background())
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)

	after, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func testConcurrentClaims(t *testing.T, s ports.Store) {
	const n = 16
	for i := 0; i < n; i++ {
		enqueue(t, s, "job", `{}`)
	}

	var (
		mu  sync.Mutex
		ids = make(map[domain.JobID]int)
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			job, err := s.ClaimNext(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			ids[job.ID]++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, ids, n, "every claim must return a distinct job")
	for id, count := range ids {
		assert.Equal(t, 1, count, "job %d claimed %d times", id, count)
	}

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats[domain.JobStatusPending])
	assert.Equal(t, n, stats[domain.JobStatusInProgress])

	_, err = s.ClaimNext(context.Background())
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)
}

func testFinishDoneWithOutput(t *testing.T, s ports.Store) {
	ctx := context.Background()
	job := enqueue(t, s, "a", `{}`)
	claim(t, s)

	payload := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}
	require.NoError(t, s.Finish(ctx, job.ID, domain.JobStatusDone, payload))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, got.Status)

	out, err := s.GetOutput(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, out.JobID)
	assert.Equal(t, payload, out.Output)
}

func testFinishDoneWithoutOutput(t *testing.T, s ports.Store) {
	ctx := context.Background()
	job := enqueue(t, s, "a", `{}`)
	claim(t, s)

	require.NoError(t, s.Finish(ctx, job.ID, domain.JobStatusDone, nil))

	_, err := s.GetOutput(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrOutputNotFound)
}

func testFinishFailed(t *testing.T, s ports.Store) {
	ctx := context.Background()
	job := enqueue(t, s, "a", `{}`)
	claim(t, s)

	require.NoError(t, s.Finish(ctx, job.ID, domain.JobStatusFailed, []byte("partial")))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)

	_, err = s.GetOutput(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrOutputNotFound)
}

func testFinishRequiresInProgress(t *testing.T, s ports.Store) {
	ctx := context.Background()

	pending := enqueue(t, s, "a", `{}`)
	err := s.Finish(ctx, pending.ID, domain.JobStatusDone, []byte("x"))
	assert.ErrorIs(t, err, domain.ErrJobNotInProgress)

	claim(t, s)
	require.NoError(t, s.Finish(ctx, pending.ID, domain.JobStatusDone, []byte("x")))

	err = s.Finish(ctx, pending.ID, domain.JobStatusFailed, nil)
	assert.ErrorIs(t, err, domain.ErrJobNotInProgress, "terminal states are final")

	got, err := s.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, got.Status)

	err = s.Finish(ctx, 987654, domain.JobStatusDone, nil)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func testFinishRejectsNonTerminal(t *testing.T, s ports.Store) {
	ctx := context.Background()
	job := enqueue(t, s, "a", `{}`)
	claim(t, s)

	assert.ErrorIs(t, s.Finish(ctx, job.ID, domain.JobStatusPending, nil), domain.ErrInvalidStatus)
	assert.ErrorIs(t, s.Finish(ctx, job.ID, domain.JobStatusInProgress, nil), domain.ErrInvalidStatus)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusInProgress, got.Status)
}

func testStats(t *testing.T, s ports.Store) {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		enqueue(t, s, "a", `{}`)
	}
	done := claim(t, s)
	failed := claim(t, s)
	claim(t, s)
	require.NoError(t, s.Finish(ctx, done.ID, domain.JobStatusDone, []byte("ok")))
	require.NoError(t, s.Finish(ctx, failed.ID, domain.JobStatusFailed, nil))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.JobStatus]int{
		domain.JobStatusPending:    1,
		domain.JobStatusInProgress: 1,
		domain.JobStatusDone:       1,
		domain.JobStatusFailed:     1,
	}, stats)
}
