package docker

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundPort(t *testing.T) {
	port, err := boundPort(nat.PortMap{
		devtoolsPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "49153"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "49153", port)

	_, err = boundPort(nat.PortMap{})
	assert.Error(t, err)

	_, err = boundPort(nat.PortMap{devtoolsPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}}})
	assert.Error(t, err)
}

func TestWaitReady(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/json/version", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"Browser":"HeadlessChrome"}`))
	}))
	defer srv.Close()

	require.NoError(t, waitReady(context.Background(), srv.URL, 5*time.Second))
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestWaitReadyTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := waitReady(context.Background(), srv.URL, 300*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMakeFilters(t *testing.T) {
	args := makeFilters(map[string]string{"label": labelManaged + "=true"})
	assert.True(t, args.ExactMatch("label", labelManaged+"=true"))
}

// fakeDaemon serves the Docker API from handler and returns a Manager talking to it.
func fakeDaemon(t *testing.T, handler http.HandlerFunc) *Manager {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cli, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+strings.TrimPrefix(srv.URL, "http://")),
		client.WithVersion("1.47"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })
	return &Manager{cli: cli, logger: slog.New(slog.NewJSONHandler(os.Stdout, nil))}
}

func TestStart_PullInterrupted(t *testing.T) {
	var creates, pulls atomic.Int32
	m := fakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/containers/create"):
			creates.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"No such image: chromedp/headless-shell:latest"}`))
		case strings.HasSuffix(r.URL.Path, "/images/create"):
			pulls.Add(1)
			// Promise more than is sent so the stream ends early.
			w.Header().Set("Content-Length", "4096")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"Pulling from chromedp/headless-shell"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	_, err := m.Start(context.Background(), ContainerSpec{Owner: "test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "docker: failed to pull image")
	assert.Equal(t, int32(1), pulls.Load())
	assert.Equal(t, int32(1), creates.Load(), "no second create after a broken pull")
}

// Needs a Docker daemon: BROWSERQ_TEST_DOCKER=1 go test ./internal/adapters/docker
func TestBrowserLauncher(t *testing.T) {
	if os.Getenv("BROWSERQ_TEST_DOCKER") == "" {
		t.Skip("BROWSERQ_TEST_DOCKER not set")
	}
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	m, err := NewManager(logger)
	require.NoError(t, err)
	defer m.Close()

	b, err := NewBrowserLauncher(logger, m, ContainerSpec{Owner: "test"}).Launch(ctx)
	require.NoError(t, err)

	bc, err := b.NewContext(ctx)
	require.NoError(t, err)
	page, err := bc.NewPage(ctx)
	require.NoError(t, err)
	require.NoError(t, page.SetContent(ctx, "<p>container</p>"))
	html, err := page.HTML(ctx)
	require.NoError(t, err)
	assert.Contains(t, html, "container")
	page.Close()
	bc.Close()

	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	assert.NoError(t, b.Close(closeCtx))
}
