// Package fakebrowser is an in-memory implementation of the browser ports.
// It records every open and release so tests can check resource accounting.
package fakebrowser

import (
	"context"
	"sync"
	"time"

	"github.com/manthysbr/browserq/internal/core/domain"
	"github.com/manthysbr/browserq/internal/core/ports"
)

// Stats counts lifecycle calls on a Browser.
type Stats struct {
	Launches       int
	ContextsOpened int
	ContextsClosed int
	PagesOpened    int
	PagesClosed    int
	Closes         int
}

// Browser implements ports.Browser and, through Launcher, ports.BrowserLauncher.
type Browser struct {
	// NewPage builds the page handed out by each browsing context.
	// Defaults to an empty Page.
	NewPage func() *Page

	LaunchErr  error
	CloseErr   error
	CloseDelay time.Duration

	mu    sync.Mutex
	stats Stats
	pages []*Page
}

func New() *Browser {
	return &Browser{}
}

type launcher struct{ b *Browser }

func (l launcher) Launch(ctx context.Context) (ports.Browser, error) {
	l.b.mu.Lock()
	defer l.b.mu.Unlock()
	l.b.stats.Launches++
	if l.b.LaunchErr != nil {
		return nil, l.b.LaunchErr
	}
	return l.b, nil
}

// Launcher returns a launcher that always hands out b.
func (b *Browser) Launcher() ports.BrowserLauncher {
	return launcher{b: b}
}

func (b *Browser) NewContext(ctx context.Context) (ports.BrowsingContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.ContextsOpened++
	return &browsingContext{b: b}, nil
}

func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	b.stats.Closes++
	delay, err := b.CloseDelay, b.CloseErr
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (b *Browser) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Pages returns every page opened so far, oldest first.
func (b *Browser) Pages() []*Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Page, len(b.pages))
	copy(out, b.pages)
	return out
}

type browsingContext struct {
	b    *Browser
	once sync.Once
}

func (c *browsingContext) NewPage(ctx context.Context) (ports.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var p *Page
	if c.b.NewPage != nil {
		p = c.b.NewPage()
	} else {
		p = &Page{}
	}
	p.owner = c.b

	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.stats.PagesOpened++
	c.b.pages = append(c.b.pages, p)
	return p, nil
}

func (c *browsingContext) Close() error {
	c.once.Do(func() {
		c.b.mu.Lock()
		c.b.stats.ContextsClosed++
		c.b.mu.Unlock()
	})
	return nil
}

// Page implements ports.Page. Configure the exported fields before the page
// is handed out.
type Page struct {
	ScreenshotData []byte
	PDFData        []byte
	// HTMLData is returned by HTML. When empty, the last SetContent value is used.
	HTMLData string
	// Err is returned by every operation when set.
	Err error
	// Hang makes every operation block until its context is done.
	Hang bool

	owner *Browser

	mu         sync.Mutex
	url        string
	content    string
	width      int
	height     int
	screenshot domain.ScreenshotOptions
	pdf        domain.PDFOptions
	closed     bool
}

func (p *Page) op(ctx context.Context) error {
	if p.Hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.Err
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.op(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	return nil
}

func (p *Page) SetContent(ctx context.Context, html string) error {
	if err := p.op(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.content = html
	return nil
}

func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	if err := p.op(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.width, p.height = width, height
	return nil
}

func (p *Page) Screenshot(ctx context.Context, opts domain.ScreenshotOptions) ([]byte, error) {
	if err := p.op(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.screenshot = opts
	return p.ScreenshotData, nil
}

func (p *Page) PDF(ctx context.Context, opts domain.PDFOptions) ([]byte, error) {
	if err := p.op(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pdf = opts
	return p.PDFData, nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	if err := p.op(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.HTMLData != "" {
		return p.HTMLData, nil
	}
	return p.content, nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	p.mu.Unlock()

	if !already && p.owner != nil {
		p.owner.mu.Lock()
		p.owner.stats.PagesClosed++
		p.owner.mu.Unlock()
	}
	return nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Content() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content
}

func (p *Page) Viewport() (width, height int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.width, p.height
}

func (p *Page) LastScreenshot() domain.ScreenshotOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.screenshot
}

func (p *Page) LastPDF() domain.PDFOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pdf
}

func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
