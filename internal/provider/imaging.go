package provider

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"strings"

	_ "image/jpeg"

	"golang.org/x/image/draw"
)

// Imaging is the built-in pure-Go provider for image transforms and the
// cheap commercial versions. It composites locally with no external
// calls, so it is always available and serves as the default for the
// image transform and commercial image kinds.
type Imaging struct {
	id     string
	logger *slog.Logger
}

// NewImaging creates the built-in imaging provider.
func NewImaging(logger *slog.Logger) *Imaging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Imaging{id: "imaging", logger: logger.With(slog.String("provider", "imaging"))}
}

func (p *Imaging) ProviderID() string { return p.id }
func (p *Imaging) IsAvailable() bool  { return true }

// Transform implements ImageTransformer. Supported operations: "center"
// recenters the non-transparent content with uniform padding, "square"
// pads to a square canvas.
func (p *Imaging) Transform(ctx context.Context, inputPath, outputPath, operation string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := loadImage(inputPath)
	if err != nil {
		return err
	}

	var out image.Image
	switch operation {
	case "center":
		out = centerContent(src, 0.08)
	case "square":
		out = padToSquare(src)
	default:
		return fmt.Errorf("unknown transform operation %q", operation)
	}
	return savePNG(outputPath, out)
}

// GenerateCommercial implements CommercialImageGenerator for the local
// versions. "transparent" recenters the cutout on a transparent canvas;
// "solid" composites it over a studio background color. The hosted
// versions (real, creative) belong to API-backed providers; asking this
// one for them is a wiring error.
func (p *Imaging) GenerateCommercial(ctx context.Context, req CommercialImageRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := loadImage(req.InputPath)
	if err != nil {
		return err
	}

	centered := centerContent(src, 0.12)
	switch req.Version {
	case "transparent":
		return savePNG(req.OutputPath, centered)
	case "solid":
		bg := image.NewRGBA(centered.Bounds())
		draw.Draw(bg, bg.Bounds(), image.NewUniform(solidBackground(req.Prompt)), image.Point{}, draw.Src)
		draw.Draw(bg, bg.Bounds(), centered, image.Point{}, draw.Over)
		return savePNG(req.OutputPath, bg)
	default:
		return fmt.Errorf("imaging provider cannot generate %q images", req.Version)
	}
}

func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	defer file.Close()
	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("decoding image %s: %w", path, err)
	}
	return img, nil
}

func savePNG(path string, img image.Image) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating image: %w", err)
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("encoding png: %w", err)
	}
	return file.Close()
}

// contentBounds finds the bounding box of non-transparent pixels.
// Fully opaque images return their full bounds.
func contentBounds(img image.Image) image.Rectangle {
	b := img.Bounds()
	minX, minY := b.Max.X, b.Max.Y
	maxX, maxY := b.Min.X, b.Min.Y
	found := false
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			_, _, _, a := img.At(x, y).RGBA()
			if a > 0x0800 {
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
				found = true
			}
		}
	}
	if !found {
		return b
	}
	return image.Rect(minX, minY, maxX+1, maxY+1)
}

// centerContent places the content bounding box in the middle of a
// square canvas with margin as a fraction of the canvas edge.
func centerContent(src image.Image, margin float64) *image.RGBA {
	content := contentBounds(src)
	cw, ch := content.Dx(), content.Dy()
	edge := cw
	if ch > edge {
		edge = ch
	}
	canvasEdge := int(float64(edge) * (1 + 2*margin))
	if canvasEdge < 1 {
		canvasEdge = 1
	}

	canvas := image.NewRGBA(image.Rect(0, 0, canvasEdge, canvasEdge))
	offset := image.Pt((canvasEdge-cw)/2, (canvasEdge-ch)/2)
	draw.Draw(canvas, image.Rectangle{Min: offset, Max: offset.Add(image.Pt(cw, ch))},
		src, content.Min, draw.Over)
	return canvas
}

func padToSquare(src image.Image) *image.RGBA {
	b := src.Bounds()
	edge := b.Dx()
	if b.Dy() > edge {
		edge = b.Dy()
	}
	canvas := image.NewRGBA(image.Rect(0, 0, edge, edge))
	offset := image.Pt((edge-b.Dx())/2, (edge-b.Dy())/2)
	draw.Draw(canvas, image.Rectangle{Min: offset, Max: offset.Add(b.Size())}, src, b.Min, draw.Over)
	return canvas
}

// solidBackground maps a prompt hint to a studio background color.
// Unrecognized or empty prompts get neutral studio white.
func solidBackground(prompt string) color.Color {
	switch {
	case strings.Contains(prompt, "black"), strings.Contains(prompt, "dark"):
		return color.RGBA{R: 24, G: 24, B: 26, A: 255}
	case strings.Contains(prompt, "gray"), strings.Contains(prompt, "grey"):
		return color.RGBA{R: 232, G: 232, B: 234, A: 255}
	case strings.Contains(prompt, "warm"), strings.Contains(prompt, "beige"):
		return color.RGBA{R: 245, G: 238, B: 226, A: 255}
	default:
		return color.RGBA{R: 250, G: 250, B: 250, A: 255}
	}
}

var (
	_ ImageTransformer         = (*Imaging)(nil)
	_ CommercialImageGenerator = (*Imaging)(nil)
)
