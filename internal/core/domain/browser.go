package domain

import "errors"

var (
	// ErrBrowserFatal marks engine failures after which the browser state is
	// unknown (process gone, protocol connection lost). Workers stop on it.
	ErrBrowserFatal = errors.New("browser engine failure")

	// ErrInterrupted is returned for a job whose execution was cancelled
	// before the executor finished.
	ErrInterrupted = errors.New("job interrupted")
)

// ScreenshotOptions configures Page.Screenshot.
type ScreenshotOptions struct {
	FullPage bool
	Quality  int // 0..100, 100 produces PNG
}

// PDFOptions configures Page.PDF.
type PDFOptions struct {
	Landscape       bool
	PrintBackground bool
}
