package kinds

import (
	"bytes"
	"context"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/ledongthuc/pdf"

	"github.com/manthysbr/browserq/internal/core/domain"
	"github.com/manthysbr/browserq/internal/core/ports"
	"github.com/manthysbr/browserq/internal/jobdef"
)

type PDFInput struct {
	Source
	Landscape       bool `json:"landscape"`
	PrintBackground bool `json:"print_background"`
	// MaxPages fails the job when the rendered document is longer. Zero means unlimited.
	MaxPages int `json:"max_pages"`
}

// PDF prints a page to PDF.
func PDF(opts Options) jobdef.Kind {
	schema := sourceProperties(openapi3.NewObjectSchema()).
		WithProperty("landscape", openapi3.NewBoolSchema().WithDefault(false)).
		WithProperty("print_background", openapi3.NewBoolSchema().WithDefault(false)).
		WithProperty("max_pages", openapi3.NewIntegerSchema().WithMin(0).WithDefault(0)).
		WithoutAdditionalProperties()

	return jobdef.NewKind(jobdef.Spec[PDFInput]{
		Name:        "pdf",
		Description: "Print a page to PDF",
		Schema:      schema,
		Check: func(ctx context.Context, in PDFInput) error {
			return in.Source.check(ctx, opts)
		},
		Bind: jobdef.Static(printPDF),
	})
}

func printPDF(ctx context.Context, page ports.Page, in PDFInput) ([]byte, error) {
	if err := in.Source.load(ctx, page); err != nil {
		return nil, err
	}
	doc, err := page.PDF(ctx, domain.PDFOptions{Landscape: in.Landscape, PrintBackground: in.PrintBackground})
	if err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	if in.MaxPages > 0 {
		n, err := pageCount(doc)
		if err != nil {
			return nil, err
		}
		if n > in.MaxPages {
			return nil, fmt.Errorf("pdf has %d pages, limit is %d", n, in.MaxPages)
		}
	}
	return doc, nil
}

func pageCount(doc []byte) (int, error) {
	r, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
	if err != nil {
		return 0, fmt.Errorf("read pdf: %w", err)
	}
	return r.NumPage(), nil
}
