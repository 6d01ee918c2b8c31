package testutil

import (
	"image/color"
	"testing"

	"github.com/archivista/gazette/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePageHasInk(t *testing.T) {
	img := GeneratePage(DefaultPageConfig())
	assert.Equal(t, 600, img.Bounds().Dx())

	// The page must not be blank: column rules and text leave dark pixels.
	dark := 0
	for y := 0; y < img.Bounds().Dy(); y += 4 {
		for x := 0; x < img.Bounds().Dx(); x += 4 {
			r, g, b, _ := img.At(x, y).RGBA()
			if c := (color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), 255}); c.R < 200 && c.G < 200 && c.B < 200 {
				dark++
			}
		}
	}
	assert.Greater(t, dark, 50)
}

func TestWritePageRoundTrips(t *testing.T) {
	path := WritePage(t, t.TempDir(), "page_001")
	img, err := utils.LoadImage(path)
	require.NoError(t, err)
	assert.Equal(t, 600, img.Bounds().Dx())
	assert.Equal(t, 800, img.Bounds().Dy())
}

func TestRecognizedDocument(t *testing.T) {
	doc := RecognizedDocument(t, "p.jpg", "first", "second")
	require.NoError(t, doc.Validate())
	require.Len(t, doc.Regions, 2)
	assert.True(t, doc.Regions[0].HasText())
	assert.Equal(t, "second", doc.Regions[1].Text)
}
