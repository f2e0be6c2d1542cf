package chrome

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/browserq/internal/core/domain"
)

func TestCloseWithin(t *testing.T) {
	called := make(chan struct{})
	closeWithin(func() { close(called) }, time.Second)
	select {
	case <-called:
	default:
		t.Fatal("cancel was not called")
	}

	block := make(chan struct{})
	defer close(block)
	start := time.Now()
	closeWithin(func() { <-block }, 50*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFatalOnlyAfterBrowserGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Browser{ctx: ctx}

	err := b.fatal(errors.New("navigate failed"))
	assert.False(t, errors.Is(err, domain.ErrBrowserFatal))
	assert.NoError(t, b.fatal(nil))

	cancel()
	err = b.fatal(errors.New("navigate failed"))
	assert.ErrorIs(t, err, domain.ErrBrowserFatal)

	_, err = b.NewContext(context.Background())
	assert.ErrorIs(t, err, domain.ErrBrowserFatal)
}

// Needs a local Chrome: BROWSERQ_TEST_CHROME=1 go test ./internal/adapters/chrome
func TestLocalBrowser(t *testing.T) {
	if os.Getenv("BROWSERQ_TEST_CHROME") == "" {
		t.Skip("BROWSERQ_TEST_CHROME not set")
	}
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	b, err := NewLocalLauncher(logger, os.Getenv("BROWSERQ_CHROME_PATH"), true).Launch(ctx)
	require.NoError(t, err)
	defer func() {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		assert.NoError(t, b.Close(closeCtx))
	}()

	bc, err := b.NewContext(ctx)
	require.NoError(t, err)
	defer bc.Close()

	page, err := bc.NewPage(ctx)
	require.NoError(t, err)
	defer page.Close()

	require.NoError(t, page.SetViewport(ctx, 640, 480))
	require.NoError(t, page.SetContent(ctx, "<html><body><h1>browserq</h1></body></html>"))

	html, err := page.HTML(ctx)
	require.NoError(t, err)
	assert.Contains(t, html, "<h1>browserq</h1>")

	img, err := page.Screenshot(ctx, domain.ScreenshotOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, img[:4])

	doc, err := page.PDF(ctx, domain.PDFOptions{})
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(doc[:4]))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, page.Navigate(cancelled, "https://example.com"), context.Canceled)
}
