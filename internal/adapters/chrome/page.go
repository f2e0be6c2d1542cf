package chrome

import (
	"context"
	"fmt"
	"sync"

	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/manthysbr/browserq/internal/core/domain"
	"github.com/manthysbr/browserq/internal/core/ports"
)

// Page is one Chrome tab.
type Page struct {
	browser *Browser
	ctx     context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once
}

var _ ports.Page = (*Page)(nil)

func (p *Page) do(ctx context.Context, op string, actions ...chromedp.Action) error {
	if err := run(ctx, p.ctx, actions...); err != nil {
		return p.browser.fatal(fmt.Errorf("chrome: %s: %w", op, err))
	}
	return nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.do(ctx, "navigate", chromedp.Navigate(url))
}

// SetContent replaces the document of a blank page with html.
func (p *Page) SetContent(ctx context.Context, html string) error {
	return p.do(ctx, "set content",
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := cdppage.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return cdppage.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	return p.do(ctx, "set viewport", chromedp.EmulateViewport(int64(width), int64(height)))
}

func (p *Page) Screenshot(ctx context.Context, opts domain.ScreenshotOptions) ([]byte, error) {
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = 100
	}

	var buf []byte
	action := chromedp.CaptureScreenshot(&buf)
	if opts.FullPage {
		action = chromedp.FullScreenshot(&buf, quality)
	}
	if err := p.do(ctx, "screenshot", action); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *Page) PDF(ctx context.Context, opts domain.PDFOptions) ([]byte, error) {
	var buf []byte
	err := p.do(ctx, "print pdf", chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := cdppage.PrintToPDF().
			WithLandscape(opts.Landscape).
			WithPrintBackground(opts.PrintBackground).
			Do(ctx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.do(ctx, "read html", chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Close closes the tab. Safe to call more than once.
func (p *Page) Close() error {
	p.closeOnce.Do(func() {
		closeWithin(p.cancel, closeGrace)
	})
	return nil
}
