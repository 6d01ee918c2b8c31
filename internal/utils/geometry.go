package utils

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// CropRect crops an image to the given rectangle, clipped to the image
// bounds. An out-of-bounds rectangle yields an empty image rather than a
// panic.
func CropRect(img image.Image, rect image.Rectangle) image.Image {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return imaging.New(1, 1, color.White)
	}
	return imaging.Crop(img, rect)
}

// FitWithin downscales img by a single uniform ratio so that its largest
// dimension does not exceed ceiling, returning the (possibly unchanged)
// image and the applied ratio. A ratio of 1 means no scaling happened.
// Images are never scaled up.
//
// The ratio is the pure geometric transform the recovery path needs:
// coordinates measured on the returned image divide by it to recover
// original-image positions.
func FitWithin(img image.Image, ceiling int) (image.Image, float64) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	maxSide := w
	if h > maxSide {
		maxSide = h
	}
	if ceiling <= 0 || maxSide <= ceiling {
		return img, 1.0
	}
	ratio := float64(ceiling) / float64(maxSide)
	newW := int(float64(w) * ratio)
	newH := int(float64(h) * ratio)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}
	return imaging.Resize(img, newW, newH, imaging.Lanczos), ratio
}

// EnlargeBy scales img up uniformly by factor. Factors at or below 1 return
// the image unchanged.
func EnlargeBy(img image.Image, factor float64) image.Image {
	if factor <= 1 {
		return img
	}
	b := img.Bounds()
	w := int(float64(b.Dx())*factor + 0.5)
	h := int(float64(b.Dy())*factor + 0.5)
	return imaging.Resize(img, w, h, imaging.Lanczos)
}
