// Package testutil provides shared test helpers: synthetic newspaper page
// images and pre-populated layout fixtures.
package testutil

import (
	"image"
	"image/color"
	"image/draw"
	"path/filepath"
	"testing"

	"github.com/archivista/gazette/internal/layout"
	"github.com/archivista/gazette/internal/utils"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// PageConfig controls synthetic page generation.
type PageConfig struct {
	Width, Height int
	Columns       int
	Lines         []string
}

// DefaultPageConfig is a small three-column broadsheet stand-in.
func DefaultPageConfig() PageConfig {
	return PageConfig{
		Width:   600,
		Height:  800,
		Columns: 3,
		Lines:   []string{"DAILY GAZETTE", "Market report", "Shipping notices"},
	}
}

// GeneratePage renders a synthetic newspaper page: white ground, column
// rules, and a few printed lines. Enough texture that JPEG round-trips do
// not collapse to a uniform block.
func GeneratePage(cfg PageConfig) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	// Column rules.
	for c := 1; c < cfg.Columns; c++ {
		x := cfg.Width * c / cfg.Columns
		for y := 20; y < cfg.Height-20; y++ {
			img.Set(x, y, color.Gray{Y: 120})
		}
	}

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.Black,
		Face: basicfont.Face7x13,
	}
	lineHeight := basicfont.Face7x13.Metrics().Height.Ceil() + 8
	for i, line := range cfg.Lines {
		drawer.Dot = fixed.P(16, 40+i*lineHeight)
		drawer.DrawString(line)
	}
	return img
}

// WritePage renders a synthetic page and saves it as <dir>/<name>.jpg,
// returning the path.
func WritePage(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name+".jpg")
	require.NoError(t, utils.SaveJPEG(GeneratePage(DefaultPageConfig()), path, 90))
	return path
}

// RecognizedDocument builds a layout document fixture with every region
// carrying text, sized to the default synthetic page.
func RecognizedDocument(t *testing.T, imageName string, texts ...string) *layout.Document {
	t.Helper()
	require.NotEmpty(t, texts)
	detected := make([]layout.DetectedRegion, len(texts))
	bandHeight := 800 / len(texts)
	for i := range texts {
		detected[i] = layout.DetectedRegion{
			Box:  layout.Box{X0: 0, Y0: i * bandHeight, X1: 600, Y1: (i + 1) * bandHeight},
			Kind: layout.KindText,
		}
	}
	doc := layout.NewDocument(imageName, 600, 800, detected)
	for i, text := range texts {
		require.NoError(t, doc.SetText(layout.RegionID(i), text))
	}
	return doc
}
