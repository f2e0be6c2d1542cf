package kinds

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/browserq/internal/adapters/fakebrowser"
	"github.com/manthysbr/browserq/internal/jobdef"
	"github.com/manthysbr/browserq/internal/synapse"
)

func define(t *testing.T, kind jobdef.Kind, entry jobdef.Entry, dir string) *jobdef.Definition {
	t.Helper()
	if entry.Name == "" {
		entry.Name = kind.Name()
	}
	def, err := jobdef.Define(context.Background(), kind, entry, dir)
	require.NoError(t, err)
	return def
}

func openPage(t *testing.T, b *fakebrowser.Browser) *fakebrowser.Page {
	t.Helper()
	bc, err := b.NewContext(context.Background())
	require.NoError(t, err)
	p, err := bc.NewPage(context.Background())
	require.NoError(t, err)
	return p.(*fakebrowser.Page)
}

// stubResolver answers lookups from a fixed table.
type stubResolver map[string][]netip.Addr

func (r stubResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if addrs, ok := r[host]; ok {
		return addrs, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

var testOptions = Options{Resolver: stubResolver{
	"example.com":      {netip.MustParseAddr("93.184.215.14")},
	"intranet.example": {netip.MustParseAddr("10.0.0.5")},
	"mixed.example":    {netip.MustParseAddr("93.184.215.14"), netip.MustParseAddr("127.0.0.1")},
	"mapped.example":   {netip.MustParseAddr("::ffff:169.254.169.254")},
}}

func TestSourceCheck(t *testing.T) {
	tests := []struct {
		name         string
		src          Source
		allowPrivate bool
		wantErr      bool
	}{
		{"public url", Source{URL: "https://example.com/a"}, false, false},
		{"public url trailing dot", Source{URL: "https://example.com./a"}, false, false},
		{"public ip", Source{URL: "http://93.184.215.14/"}, false, false},
		{"inline html", Source{HTML: "<p>hi</p>"}, false, false},
		{"neither", Source{}, false, true},
		{"both", Source{URL: "https://example.com", HTML: "<p/>"}, false, true},
		{"file scheme", Source{URL: "file:///etc/passwd"}, true, true},
		{"javascript scheme", Source{URL: "javascript:alert(1)"}, true, true},
		{"localhost", Source{URL: "http://localhost:8080"}, false, true},
		{"localhost trailing dot", Source{URL: "http://localhost./"}, false, true},
		{"loopback ip", Source{URL: "http://127.0.0.1/"}, false, true},
		{"ipv6 loopback", Source{URL: "http://[::1]/"}, false, true},
		{"ipv4 mapped loopback", Source{URL: "http://[::ffff:127.0.0.1]/"}, false, true},
		{"private range", Source{URL: "http://10.1.2.3/"}, false, true},
		{"unspecified", Source{URL: "http://0.0.0.0/"}, false, true},
		{"metadata", Source{URL: "http://169.254.169.254/latest/meta-data"}, false, true},
		{"shared address space metadata", Source{URL: "http://100.100.100.200/"}, false, true},
		{"metadata name trailing dot", Source{URL: "http://metadata.google.internal./"}, false, true},
		{"metadata name upper case", Source{URL: "http://METADATA.GOOGLE.INTERNAL/"}, false, true},
		{"decimal loopback", Source{URL: "http://2130706433/"}, false, true},
		{"short loopback", Source{URL: "http://127.1/"}, false, true},
		{"hex loopback", Source{URL: "http://0x7f000001/"}, false, true},
		{"octal loopback", Source{URL: "http://017700000001/"}, false, true},
		{"dotted hex private", Source{URL: "http://0xa.0x0.0x0.0x1/"}, false, true},
		{"sub localhost", Source{URL: "http://app.localhost/"}, false, true},
		{"name resolving private", Source{URL: "http://intranet.example/"}, false, true},
		{"one private answer", Source{URL: "http://mixed.example/"}, false, true},
		{"mapped metadata answer", Source{URL: "http://mapped.example/"}, false, true},
		{"unresolvable", Source{URL: "http://nowhere.example/"}, false, true},
		{"private allowed", Source{URL: "http://127.0.0.1:3000/"}, true, false},
		{"private name allowed", Source{URL: "http://intranet.example/"}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions
			opts.AllowPrivateURLs = tt.allowPrivate
			err := tt.src.check(context.Background(), opts)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseShorthandIPv4(t *testing.T) {
	tests := []struct {
		host string
		want string
		ok   bool
	}{
		{"2130706433", "127.0.0.1", true},
		{"127.1", "127.0.0.1", true},
		{"10.1.258", "10.1.1.2", true},
		{"0x7f.1", "127.0.0.1", true},
		{"017700000001", "127.0.0.1", true},
		{"4294967296", "", false},
		{"256.1.1.1", "", false},
		{"1.2.3.4.5", "", false},
		{"example", "", false},
		{"09", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			addr, ok := parseShorthandIPv4(tt.host)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, addr.String())
			}
		})
	}
}

func TestScreenshot(t *testing.T) {
	def := define(t, Screenshot(testOptions), jobdef.Entry{}, "")

	input, err := def.Canonicalize(map[string]any{"url": "https://example.com"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"url": "https://example.com", "full_page": false, "width": 1280, "height": 720}`, string(input))
	require.NoError(t, def.Validate(context.Background(), input))

	b := fakebrowser.New()
	page := openPage(t, b)
	page.ScreenshotData = []byte("png-bytes")

	out, err := def.Execute(context.Background(), page, input)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(out))
	assert.Equal(t, "https://example.com", page.URL())
	w, h := page.Viewport()
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)
}

func TestScreenshot_HTMLAndFullPage(t *testing.T) {
	def := define(t, Screenshot(testOptions), jobdef.Entry{}, "")

	input, err := def.Canonicalize(map[string]any{"html": "<h1>hi</h1>", "full_page": true, "width": 800})
	require.NoError(t, err)

	page := openPage(t, fakebrowser.New())
	_, err = def.Execute(context.Background(), page, input)
	require.NoError(t, err)
	assert.Equal(t, "<h1>hi</h1>", page.Content())
	assert.Empty(t, page.URL())
	assert.True(t, page.LastScreenshot().FullPage)
}

func TestScreenshot_RejectsBadInput(t *testing.T) {
	def := define(t, Screenshot(testOptions), jobdef.Entry{}, "")

	_, err := def.Canonicalize(map[string]any{"url": "https://example.com", "width": 0})
	assert.Error(t, err)

	input, err := def.Canonicalize(map[string]any{"url": "http://192.168.1.1/"})
	require.NoError(t, err)
	assert.Error(t, def.Validate(context.Background(), input))
}

// buildPDF assembles a minimal document with the given number of blank pages.
func buildPDF(pages int) []byte {
	var buf bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", i+3)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages))
	for i := 0; i < pages; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func TestPDF(t *testing.T) {
	def := define(t, PDF(testOptions), jobdef.Entry{}, "")

	input, err := def.Canonicalize(map[string]any{"url": "https://example.com", "landscape": true})
	require.NoError(t, err)

	page := openPage(t, fakebrowser.New())
	page.PDFData = buildPDF(2)

	out, err := def.Execute(context.Background(), page, input)
	require.NoError(t, err)
	assert.Equal(t, page.PDFData, out)
	assert.True(t, page.LastPDF().Landscape)
	assert.False(t, page.LastPDF().PrintBackground)
}

func TestPDF_MaxPages(t *testing.T) {
	def := define(t, PDF(testOptions), jobdef.Entry{}, "")

	page := openPage(t, fakebrowser.New())
	page.PDFData = buildPDF(3)

	within, err := def.Canonicalize(map[string]any{"url": "https://example.com", "max_pages": 3})
	require.NoError(t, err)
	_, err = def.Execute(context.Background(), page, within)
	require.NoError(t, err)

	over, err := def.Canonicalize(map[string]any{"url": "https://example.com", "max_pages": 2})
	require.NoError(t, err)
	_, err = def.Execute(context.Background(), page, over)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 pages")
}

func TestPDF_MaxPagesRejectsGarbage(t *testing.T) {
	def := define(t, PDF(testOptions), jobdef.Entry{}, "")

	page := openPage(t, fakebrowser.New())
	page.PDFData = []byte("definitely not a pdf")

	input, err := def.Canonicalize(map[string]any{"html": "<p/>", "max_pages": 1})
	require.NoError(t, err)
	_, err = def.Execute(context.Background(), page, input)
	assert.Error(t, err)
}

var noopWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x13, 0x02,
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
	0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

func TestWasm(t *testing.T) {
	ctx := context.Background()
	rt, err := synapse.NewRuntime(ctx, slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(ctx) })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "noop.wasm"), noopWasm, 0o644))

	def := define(t, Wasm(Options{}, rt), jobdef.Entry{
		Name:    "extract",
		Options: map[string]any{"module": "noop.wasm", "timeout": "2s"},
	}, dir)
	assert.Contains(t, rt.Modules(), "extract")

	input, err := def.Canonicalize(map[string]any{"html": "<p>hello</p>"})
	require.NoError(t, err)

	page := openPage(t, fakebrowser.New())
	out, err := def.Execute(ctx, page, input)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, "<p>hello</p>", page.Content())
}

func TestWasm_RequiresStartExport(t *testing.T) {
	ctx := context.Background()
	rt, err := synapse.NewRuntime(ctx, slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(ctx) })

	// Same module with its export renamed from _start to _entry.
	lib := bytes.Replace(noopWasm, []byte("_start"), []byte("_entry"), 1)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib.wasm"), lib, 0o644))

	_, err = jobdef.Define(ctx, Wasm(testOptions, rt), jobdef.Entry{
		Name:    "extract",
		Options: map[string]any{"module": "lib.wasm"},
	}, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not export _start")
	assert.Empty(t, rt.Modules())
}

func TestWasm_BadOptions(t *testing.T) {
	tests := []struct {
		name string
		opts map[string]any
	}{
		{"missing module", nil},
		{"module not string", map[string]any{"module": 3.0}},
		{"bad timeout", map[string]any{"module": "x.wasm", "timeout": "soon"}},
		{"bad max_output", map[string]any{"module": "x.wasm", "max_output": -1.0}},
		{"unknown option", map[string]any{"module": "x.wasm", "entry": "main"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseWasmOptions(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestWasm_MissingModuleFile(t *testing.T) {
	ctx := context.Background()
	rt, err := synapse.NewRuntime(ctx, slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(ctx) })

	_, err = jobdef.Define(ctx, Wasm(Options{}, rt), jobdef.Entry{
		Name:    "extract",
		Options: map[string]any{"module": "absent.wasm"},
	}, t.TempDir())
	assert.Error(t, err)
}

func TestBuiltin(t *testing.T) {
	names := func(ks []jobdef.Kind) []string {
		var out []string
		for _, k := range ks {
			out = append(out, k.Name())
		}
		return out
	}
	assert.Equal(t, []string{"screenshot", "pdf"}, names(Builtin(Options{}, nil)))

	ctx := context.Background()
	rt, err := synapse.NewRuntime(ctx, slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(ctx) })
	assert.Equal(t, []string{"screenshot", "pdf", "wasm"}, names(Builtin(Options{}, rt)))
}
