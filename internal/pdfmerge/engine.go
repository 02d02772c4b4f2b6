// Package pdfmerge appends one receipt document onto another, producing a single PDF.
//
// Target pages are always copied as they are when the target is a PDF. Raster inputs are
// normalized to a fixed reference width, padded with a white margin and embedded as a
// single JPEG page whose physical size follows the DPI inherited from the target.
package pdfmerge

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	// decoders for image.Decode
	_ "image/gif"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/joseph-ayodele/receipts-ledger/internal/common"
	"github.com/joseph-ayodele/receipts-ledger/internal/digest"
)

type Config struct {
	DefaultDPI     int // used when the target is an image or has no pages
	ReferenceWidth int // pixel width raster pages are normalized to
	Margin         int // white border in pixels added on every side
	JPEGQuality    int
}

func DefaultConfig() Config {
	return Config{DefaultDPI: 150, ReferenceWidth: 800, Margin: 20, JPEGQuality: 95}
}

// Metadata describes a PDF's first page.
type Metadata struct {
	PageCount int
	Width     float64 // points
	Height    float64 // points
	DPI       int
}

// document is one side of a merge, already in PDF form.
type document struct {
	pdf   []byte
	pages int
}

type kind string

const (
	kindPDF   kind = "pdf"
	kindImage kind = "image"
)

type loader struct {
	kind  kind
	match func(m *mimetype.MIME) bool
	load  func(path string, dpi int) (*document, error)
}

// Engine merges receipt documents.
type Engine struct {
	cfg     Config
	loaders []loader
	logger  *slog.Logger
}

var disableConfigDir sync.Once

func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	disableConfigDir.Do(api.DisableConfigDir)
	e := &Engine{cfg: cfg, logger: logger}
	e.loaders = []loader{
		{kind: kindPDF, match: func(m *mimetype.MIME) bool { return m.Is("application/pdf") }, load: e.loadPDF},
		{kind: kindImage, match: func(m *mimetype.MIME) bool { return strings.HasPrefix(m.String(), "image/") }, load: e.loadImage},
	}
	return e
}

// newConf returns a fresh configuration; pdfcpu mutates it per command.
func (e *Engine) newConf() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Merge writes target's pages followed by source's pages to outputPath and
// returns the size and digest of the written file.
func (e *Engine) Merge(ctx context.Context, targetPath, sourcePath, outputPath string) (int64, string, error) {
	target, err := e.pick(targetPath)
	if err != nil {
		return 0, "", err
	}
	source, err := e.pick(sourcePath)
	if err != nil {
		return 0, "", err
	}

	dpi := e.cfg.DefaultDPI
	if target.kind == kindPDF {
		meta, err := e.Metadata(targetPath)
		if err != nil {
			return 0, "", failed(err, "read target metadata")
		}
		dpi = meta.DPI
	}
	e.logger.Debug("merging receipts", "target_kind", target.kind, "source_kind", source.kind, "dpi", dpi)

	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	targetDoc, err := target.load(targetPath, dpi)
	if err != nil {
		return 0, "", failed(err, "load target")
	}
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	sourceDoc, err := source.load(sourcePath, dpi)
	if err != nil {
		return 0, "", failed(err, "load source")
	}

	if err := e.write(outputPath, targetDoc, sourceDoc); err != nil {
		_ = os.Remove(outputPath)
		return 0, "", failed(err, "write merged pdf")
	}

	size, sum, err := digest.SumFile(outputPath)
	if err != nil {
		_ = os.Remove(outputPath)
		return 0, "", failed(err, "hash merged pdf")
	}
	e.logger.Info("receipts merged",
		"target_pages", targetDoc.pages, "source_pages", sourceDoc.pages, "bytes", size, "content_hash", sum)
	return size, sum, nil
}

// Metadata reads the page count and first page size of a PDF and estimates its DPI
// against the reference width. A PDF without pages reports the default DPI.
func (e *Engine) Metadata(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()

	dims, err := api.PageDims(f, e.newConf())
	if err != nil {
		return Metadata{}, err
	}
	meta := Metadata{PageCount: len(dims), DPI: e.cfg.DefaultDPI}
	if len(dims) == 0 {
		return meta, nil
	}
	meta.Width, meta.Height = dims[0].Width, dims[0].Height
	if widthIn := meta.Width / 72; widthIn > 0 {
		if dpi := int(float64(e.cfg.ReferenceWidth) / widthIn); dpi > 0 {
			meta.DPI = dpi
		}
	}
	return meta, nil
}

func (e *Engine) pick(path string) (*loader, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, failed(err, "detect content type")
	}
	for i := range e.loaders {
		if e.loaders[i].match(mt) {
			return &e.loaders[i], nil
		}
	}
	return nil, common.NewAppError(common.CodeMergeFailed,
		fmt.Sprintf("cannot merge content of type %s", mt.String()), common.ErrMergeFailed)
}

func (e *Engine) loadPDF(path string, _ int) (*document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dims, err := api.PageDims(bytes.NewReader(raw), e.newConf())
	if err != nil {
		return nil, err
	}
	return &document{pdf: raw, pages: len(dims)}, nil
}

func (e *Engine) loadImage(path string, dpi int) (*document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	page := Normalize(img, e.cfg.ReferenceWidth, e.cfg.Margin)
	var jpg bytes.Buffer
	if err := jpeg.Encode(&jpg, page, &jpeg.Options{Quality: e.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode page: %w", err)
	}
	b := page.Bounds()
	pdf, err := e.jpegToPDF(jpg.Bytes(), b.Dx(), b.Dy(), dpi)
	if err != nil {
		return nil, err
	}
	return &document{pdf: pdf, pages: 1}, nil
}

// jpegToPDF embeds jpg as the only content of a page sized w x h pixels at dpi.
func (e *Engine) jpegToPDF(jpg []byte, w, h, dpi int) ([]byte, error) {
	imp := pdfcpu.DefaultImportConfig()
	imp.PageDim = &types.Dim{Width: pixelsToPoints(w, dpi), Height: pixelsToPoints(h, dpi)}
	imp.UserDim = true
	imp.Pos = types.Full
	imp.InpUnit = types.POINTS

	var out bytes.Buffer
	if err := api.ImportImages(nil, &out, []io.Reader{bytes.NewReader(jpg)}, imp, e.newConf()); err != nil {
		return nil, fmt.Errorf("import image page: %w", err)
	}
	return out.Bytes(), nil
}

func (e *Engine) write(outputPath string, docs ...*document) error {
	var inputs []io.ReadSeeker
	for _, d := range docs {
		if d.pages > 0 {
			inputs = append(inputs, bytes.NewReader(d.pdf))
		}
	}

	var merged []byte
	switch len(inputs) {
	case 0:
		return fmt.Errorf("nothing to merge: both documents are empty")
	case 1:
		merged = docs[0].pdf
		if docs[0].pages == 0 {
			merged = docs[1].pdf
		}
	default:
		var buf bytes.Buffer
		if err := api.MergeRaw(inputs, &buf, false, e.newConf()); err != nil {
			return err
		}
		merged = buf.Bytes()
	}

	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	err = e.writeCanonical(merged, f)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Normalize resizes img to width pixels wide, keeping its aspect ratio, and pads it
// with margin pixels of white on every side.
func Normalize(img image.Image, width, margin int) *image.RGBA {
	b := img.Bounds()
	height := max(1, int(float64(b.Dy())*float64(width)/float64(b.Dx())+0.5))

	canvas := image.NewRGBA(image.Rect(0, 0, width+2*margin, height+2*margin))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	inner := image.Rect(margin, margin, margin+width, margin+height)
	draw.CatmullRom.Scale(canvas, inner, img, b, draw.Over, nil)
	return canvas
}

func pixelsToPoints(px, dpi int) float64 {
	return float64(px) * 72 / float64(dpi)
}

func failed(err error, what string) error {
	return common.NewAppError(common.CodeMergeFailed, what, fmt.Errorf("%w: %w", common.ErrMergeFailed, err))
}
