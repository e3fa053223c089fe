// Package render draws terminal text into a PNG screenshot.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// Telegram rejects photos whose width+height exceeds 10000 or whose sides
// differ by more than a factor of 20.
const (
	maxDimensionSum = 10000
	maxAspectRatio  = 20
	tabWidth        = 8
)

// Layout in unscaled pixels.
const (
	paddingX     = 16
	paddingY     = 12
	minWidth     = 800
	cornerRadius = 8
)

var (
	ErrImageTooLarge = errors.New("rendered image exceeds photo limits")

	background = color.RGBA{R: 0x1e, G: 0x1e, B: 0x2e, A: 0xff}
	foreground = color.RGBA{R: 0xcd, G: 0xd6, B: 0xf4, A: 0xff}
)

type Options struct {
	// FontPath is a TTF/OTF file. Empty uses the built-in 7x13 bitmap face.
	FontPath   string
	Size       float64
	LineHeight int
	DPI        float64
	Scale      int
}

// Renderer is safe for concurrent use.
type Renderer struct {
	mu   sync.Mutex
	face font.Face

	// geometry is the factor applied to layout constants while drawing;
	// upscale enlarges the finished bitmap.
	geometry int
	upscale  int
	cellW    int
	lineH    int
	ascent   int
}

func New(opts Options) (*Renderer, error) {
	scale := max(1, opts.Scale)
	if opts.FontPath == "" {
		face := basicfont.Face7x13
		return &Renderer{
			face:     face,
			geometry: 1,
			upscale:  scale,
			cellW:    face.Advance,
			lineH:    face.Height + 3,
			ascent:   face.Ascent,
		}, nil
	}

	raw, err := os.ReadFile(opts.FontPath)
	if err != nil {
		return nil, fmt.Errorf("read font: %w", err)
	}
	parsed, err := opentype.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse font %s: %w", opts.FontPath, err)
	}
	size := opts.Size
	if size <= 0 {
		size = 14
	}
	dpi := opts.DPI
	if dpi <= 0 {
		dpi = 72
	}
	face, err := opentype.NewFace(parsed, &opentype.FaceOptions{
		Size:    size * float64(scale),
		DPI:     dpi,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("load font face: %w", err)
	}
	advance, ok := face.GlyphAdvance('M')
	if !ok {
		return nil, fmt.Errorf("font %s has no glyph for M", opts.FontPath)
	}
	lineH := opts.LineHeight * scale
	if lineH <= 0 {
		lineH = face.Metrics().Height.Ceil()
	}
	return &Renderer{
		face:     face,
		geometry: scale,
		upscale:  1,
		cellW:    advance.Ceil(),
		lineH:    lineH,
		ascent:   face.Metrics().Ascent.Ceil(),
	}, nil
}

func (r *Renderer) canvasSize(lines []string) (int, int) {
	cols := 1
	for _, line := range lines {
		cols = max(cols, runewidth.StringWidth(line))
	}
	g := r.geometry
	contentW := max(cols*r.cellW, minWidth*g)
	w := contentW + 2*paddingX*g
	h := len(lines)*r.lineH + 2*paddingY*g
	// Short screens get extra bottom space to stay within the aspect limit.
	h = max(h, (w+maxAspectRatio-1)/maxAspectRatio)
	return w, h
}

// Render returns a PNG of text. Wide runes take two cells.
func (r *Renderer) Render(text string) ([]byte, error) {
	lines := Lines(text)
	w, h := r.canvasSize(lines)
	if err := checkLimits(w*r.upscale, h*r.upscale); err != nil {
		return nil, err
	}

	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	fillRounded(canvas, background, cornerRadius*r.geometry)

	r.mu.Lock()
	d := &font.Drawer{Dst: canvas, Src: image.NewUniform(foreground), Face: r.face}
	g := r.geometry
	top := (r.lineH - r.face.Metrics().Height.Ceil()) / 2
	for i, line := range lines {
		y := paddingY*g + i*r.lineH + top + r.ascent
		col := 0
		for _, ch := range line {
			cw := runewidth.RuneWidth(ch)
			if cw == 0 {
				continue
			}
			if ch != ' ' {
				d.Dot = fixed.P(paddingX*g+col*r.cellW, y)
				d.DrawString(string(ch))
			}
			col += cw
		}
	}
	r.mu.Unlock()

	var out image.Image = canvas
	if r.upscale > 1 {
		scaled := image.NewRGBA(image.Rect(0, 0, w*r.upscale, h*r.upscale))
		xdraw.NearestNeighbor.Scale(scaled, scaled.Bounds(), canvas, canvas.Bounds(), xdraw.Src, nil)
		out = scaled
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Lines strips escape sequences, expands tabs and splits text into lines.
func Lines(text string) []string {
	text = strings.ReplaceAll(ansi.Strip(text), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = expandTabs(strings.TrimRight(line, "\r"))
	}
	return lines
}

func expandTabs(line string) string {
	if !strings.Contains(line, "\t") {
		return line
	}
	var b strings.Builder
	col := 0
	for _, ch := range line {
		if ch == '\t' {
			n := tabWidth - col%tabWidth
			b.WriteString(strings.Repeat(" ", n))
			col += n
			continue
		}
		b.WriteRune(ch)
		col += runewidth.RuneWidth(ch)
	}
	return b.String()
}

func checkLimits(w, h int) error {
	if w+h > maxDimensionSum {
		return fmt.Errorf("%w: %dx%d", ErrImageTooLarge, w, h)
	}
	long, short := max(w, h), min(w, h)
	if short == 0 || long > short*maxAspectRatio {
		return fmt.Errorf("%w: aspect %dx%d", ErrImageTooLarge, w, h)
	}
	return nil
}

// fillRounded paints the whole canvas with c except the area outside the
// rounded corners, which stays transparent.
func fillRounded(img *image.RGBA, c color.RGBA, radius int) {
	b := img.Bounds()
	draw.Draw(img, b, image.NewUniform(c), image.Point{}, draw.Src)
	if radius <= 0 {
		return
	}
	transparent := color.RGBA{}
	for y := 0; y < radius; y++ {
		for x := 0; x < radius; x++ {
			dx, dy := radius-x, radius-y
			if dx*dx+dy*dy <= radius*radius {
				continue
			}
			img.SetRGBA(b.Min.X+x, b.Min.Y+y, transparent)
			img.SetRGBA(b.Max.X-1-x, b.Min.Y+y, transparent)
			img.SetRGBA(b.Min.X+x, b.Max.Y-1-y, transparent)
			img.SetRGBA(b.Max.X-1-x, b.Max.Y-1-y, transparent)
		}
	}
}
