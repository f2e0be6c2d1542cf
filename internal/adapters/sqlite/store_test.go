package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/browserq/internal/adapters/storetest"
	"github.com/manthysbr/browserq/internal/core/domain"
	"github.com/manthysbr/browserq/internal/core/ports"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ports.Store {
		s, err := Open(context.Background(), filepath.Join(t.TempDir(), "jobs.sqlite3"))
		require.NoError(t, err)
		return s
	})
}

// Two handles on one file behave like two worker processes.
func TestStore_SharedFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.sqlite3")

	a, err := Open(ctx, path)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(ctx, path)
	require.NoError(t, err)
	defer b.Close()

	first, err := a.Enqueue(ctx, "screenshot", []byte(`{}`))
	require.NoError(t, err)
	second, err := a.Enqueue(ctx, "screenshot", []byte(`{}`))
	require.NoError(t, err)

	got, err := b.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = a.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = b.ClaimNext(ctx)
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)

	require.NoError(t, b.Finish(ctx, first.ID, domain.JobStatusDone, []byte("out")))
	out, err := a.GetOutput(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("out"), out.Output)
}

func TestDSN(t *testing.T) {
	assert.Equal(t,
		"file:jobs.db?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		dsn("jobs.db"))
	assert.Equal(t,
		"file:jobs.db?mode=rwc&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		dsn("file:jobs.db?mode=rwc"))
}
