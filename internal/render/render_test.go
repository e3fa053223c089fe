package render

import (
	"bytes"
	"errors"
	"image/png"
	"strings"
	"testing"
)

func newBitmap(t *testing.T, scale int) *Renderer {
	t.Helper()
	r, err := New(Options{Scale: scale})
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	return r
}

func TestRenderProducesPNG(t *testing.T) {
	r := newBitmap(t, 2)
	out, err := r.Render("$ echo hello\nhello")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b := img.Bounds()
	wantW := (minWidth + 2*paddingX) * 2
	if b.Dx() != wantW {
		t.Fatalf("expected min width %d, got %d", wantW, b.Dx())
	}
	if b.Dx() > b.Dy()*maxAspectRatio {
		t.Fatalf("single-line screen violates aspect limit: %dx%d", b.Dx(), b.Dy())
	}
	_, _, _, a := img.At(0, 0).RGBA()
	if a != 0 {
		t.Fatalf("corner pixel should be transparent")
	}
	cr, cg, cb, _ := img.At(b.Dx()/2, b.Dy()-1).RGBA()
	if uint8(cr>>8) != background.R || uint8(cg>>8) != background.G || uint8(cb>>8) != background.B {
		t.Fatalf("expected background colour at bottom edge")
	}
}

func TestWideRunesTakeTwoCells(t *testing.T) {
	r := newBitmap(t, 1)
	narrowW, _ := r.canvasSize(Lines(strings.Repeat("a", 200)))
	wideW, _ := r.canvasSize(Lines(strings.Repeat("日", 200)))
	if wideW != narrowW+200*r.cellW {
		t.Fatalf("expected wide text to be twice as wide: narrow=%d wide=%d", narrowW, wideW)
	}
}

func TestRenderRejectsOversizedImages(t *testing.T) {
	r := newBitmap(t, 2)
	_, err := r.Render(strings.Repeat("line\n", 1000))
	if !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected ErrImageTooLarge, got %v", err)
	}
	_, err = r.Render(strings.Repeat("x", 1000))
	if !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected ErrImageTooLarge for wide line, got %v", err)
	}
}

func TestLinesStripsEscapesAndExpandsTabs(t *testing.T) {
	lines := Lines("\x1b[31mred\x1b[0m\r\na\tb\n日\tx")
	want := []string{"red", "a       b", "日      x"}
	if len(lines) != len(want) {
		t.Fatalf("unexpected lines: %q", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: got %q want %q", i, lines[i], want[i])
		}
	}
}

func TestNewRejectsMissingFont(t *testing.T) {
	if _, err := New(Options{FontPath: "/nonexistent/font.ttf"}); err == nil {
		t.Fatalf("expected error for missing font")
	}
}
