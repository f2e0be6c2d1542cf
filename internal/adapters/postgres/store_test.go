package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/manthysbr/browserq/internal/adapters/storetest"
	"github.com/manthysbr/browserq/internal/core/ports"
)

// Set BROWSERQ_TEST_POSTGRES_URL to a disposable database to run this suite.
// Every test truncates the jobs and outputs tables.
func TestStore(t *testing.T) {
	url := os.Getenv("BROWSERQ_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("BROWSERQ_TEST_POSTGRES_URL not set")
	}

	storetest.Run(t, func(t *testing.T) ports.Store {
		ctx := context.Background()
		s, err := Open(ctx, url)
		require.NoError(t, err)
		require.NoError(t, s.Truncate(ctx))
		return s
	})
}
