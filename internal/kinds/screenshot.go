package kinds

import (
	"context"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/manthysbr/browserq/internal/core/domain"
	"github.com/manthysbr/browserq/internal/core/ports"
	"github.com/manthysbr/browserq/internal/jobdef"
)

type ScreenshotInput struct {
	Source
	FullPage bool `json:"full_page"`
	Width    int  `json:"width"`
	Height   int  `json:"height"`
}

// Screenshot renders a page and returns a PNG.
func Screenshot(opts Options) jobdef.Kind {
	schema := sourceProperties(openapi3.NewObjectSchema()).
		WithProperty("full_page", openapi3.NewBoolSchema().WithDefault(false)).
		WithProperty("width", openapi3.NewIntegerSchema().WithMin(1).WithMax(7680).WithDefault(1280)).
		WithProperty("height", openapi3.NewIntegerSchema().WithMin(1).WithMax(4320).WithDefault(720)).
		WithoutAdditionalProperties()

	return jobdef.NewKind(jobdef.Spec[ScreenshotInput]{
		Name:        "screenshot",
		Description: "Capture a PNG screenshot of a page",
		Schema:      schema,
		Check: func(ctx context.Context, in ScreenshotInput) error {
			return in.Source.check(ctx, opts)
		},
		Bind: jobdef.Static(screenshot),
	})
}

func screenshot(ctx context.Context, page ports.Page, in ScreenshotInput) ([]byte, error) {
	if err := page.SetViewport(ctx, in.Width, in.Height); err != nil {
		return nil, fmt.Errorf("set viewport: %w", err)
	}
	if err := in.Source.load(ctx, page); err != nil {
		return nil, err
	}
	img, err := page.Screenshot(ctx, domain.ScreenshotOptions{FullPage: in.FullPage, Quality: 100})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return img, nil
}
