// Package thumbnail renders small JPEG previews of stored receipts.
package thumbnail

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	// decoders for image.Decode
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/joseph-ayodele/receipts-ledger/constants"
	"github.com/joseph-ayodele/receipts-ledger/internal/blob"
	"github.com/joseph-ayodele/receipts-ledger/internal/common"
)

// Generator writes a preview next to a source file.
type Generator interface {
	// Generate returns the preview path it wrote.
	Generate(ctx context.Context, contentType, sourcePath string) (string, error)
}

type Config struct {
	Width    int
	Height   int
	Quality  int
	PDFDPI   int
	Pdftoppm string
}

func DefaultConfig() Config {
	return Config{Width: 200, Height: 200, Quality: 70, PDFDPI: 150, Pdftoppm: "pdftoppm"}
}

type processor struct {
	name    string
	match   func(contentType string) bool
	process func(ctx context.Context, src string) (image.Image, error)
}

type generator struct {
	cfg        Config
	runner     Runner
	processors []processor
	logger     *slog.Logger
}

// NewGenerator builds a Generator. Processors are tried in order; the first match wins.
func NewGenerator(cfg Config, runner Runner, logger *slog.Logger) Generator {
	g := &generator{cfg: cfg, runner: runner, logger: logger}
	g.processors = []processor{
		{name: "image", match: constants.IsImage, process: g.decodeImage},
		{name: "pdf", match: constants.IsPDF, process: g.rasterizePDF},
	}
	return g
}

func (g *generator) Generate(ctx context.Context, contentType, sourcePath string) (string, error) {
	for _, p := range g.processors {
		if !p.match(contentType) {
			continue
		}
		img, err := p.process(ctx, sourcePath)
		if err != nil {
			g.logger.Error("thumbnail source unreadable", "processor", p.name, "path", sourcePath, "error", err)
			return "", err
		}
		dst := blob.ThumbnailPath(sourcePath)
		if err := g.write(Fit(img, g.cfg.Width, g.cfg.Height), dst); err != nil {
			g.logger.Error("failed to write thumbnail", "path", dst, "error", err)
			return "", err
		}
		g.logger.Debug("thumbnail generated", "processor", p.name, "path", dst)
		return dst, nil
	}
	return "", common.NewAppError(common.CodeUnsupportedContent,
		fmt.Sprintf("no thumbnail processor for %q", contentType), common.ErrUnsupportedContentType)
}

func (g *generator) decodeImage(_ context.Context, src string) (image.Image, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// rasterizePDF renders page 1 to PNG with pdftoppm and decodes it.
func (g *generator) rasterizePDF(ctx context.Context, src string) (image.Image, error) {
	dir, err := os.MkdirTemp("", "receipt-thumb-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	prefix := filepath.Join(dir, "page")
	args := []string{"-f", "1", "-l", "1", "-r", strconv.Itoa(g.cfg.PDFDPI), "-singlefile", "-png", src, prefix}
	if _, stderr, err := g.runner.Run(ctx, g.cfg.Pdftoppm, args...); err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w (%s)", err, truncate(string(stderr), 512))
	}
	return g.decodeImage(ctx, prefix+".png")
}

func (g *generator) write(img image.Image, dst string) error {
	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	err = jpeg.Encode(f, img, &jpeg.Options{Quality: g.cfg.Quality})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// Fit scales img down to fit within maxW x maxH, keeping its aspect ratio. Smaller images are kept as is.
func Fit(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return img
	}
	scale := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	nw := max(1, int(float64(w)*scale+0.5))
	nh := max(1, int(float64(h)*scale+0.5))

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
