package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"

	"github.com/archivista/gazette/internal/batch"
	"github.com/archivista/gazette/internal/layout"
	"github.com/archivista/gazette/internal/ratelimit"
	"github.com/archivista/gazette/internal/utils"
)

// runSegmentation analyzes one page image, writes the region crops, then
// publishes the layout document. The document is written last and atomically,
// so its presence on disk always means segmentation fully completed.
func (p *Pipeline) runSegmentation(ctx context.Context, pg batch.Page, paths layout.PagePaths, pacer *ratelimit.Pacer) (int, error) {
	if pg.ImagePath == "" {
		return 0, fmt.Errorf("page %s has no source image", pg.Name)
	}
	img, err := utils.LoadImage(pg.ImagePath)
	if err != nil {
		return 0, fmt.Errorf("load page image: %w", err)
	}

	var analysis *layout.Analysis
	err = pacer.Call(ctx, func(ctx context.Context) error {
		return p.opts.Retry.Do(ctx, func(ctx context.Context) error {
			a, aerr := p.analyzer.AnalyzeLayout(ctx, img)
			if aerr != nil {
				return aerr
			}
			analysis = a
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	doc, err := buildDocument(pg.Name, filepath.Base(pg.ImagePath), img, analysis.Regions)
	if err != nil {
		return 0, err
	}

	for i := range doc.Regions {
		r := &doc.Regions[i]
		crop := utils.CropRect(img, r.Box.Rect())
		if err := utils.SaveJPEG(crop, paths.RegionImagePath(r.ID), p.opts.CropQuality); err != nil {
			return 0, fmt.Errorf("write region crop %s: %w", r.ID, err)
		}
	}

	if analysis.Transcript != "" {
		if err := layout.WriteFileAtomic(paths.RawTranscriptPath(), []byte(analysis.Transcript)); err != nil {
			return 0, fmt.Errorf("write raw transcript: %w", err)
		}
	}

	if err := doc.Save(paths.DocumentPath()); err != nil {
		return 0, fmt.Errorf("publish layout document: %w", err)
	}
	slog.Info("page segmented", "page", pg.Name, "regions", len(doc.Regions))
	return len(doc.Regions), nil
}

// buildDocument clamps detected boxes to the page and assembles the layout
// document. A service response with no usable regions degrades to a single
// whole-page region so recognition still gets a chance at the page.
func buildDocument(pageName, imageName string, img image.Image, detected []layout.DetectedRegion) (*layout.Document, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	kept := make([]layout.DetectedRegion, 0, len(detected))
	for _, d := range detected {
		d.Box = d.Box.Clamp(w, h)
		if d.Box.Empty() {
			continue
		}
		kept = append(kept, d)
	}
	if len(kept) == 0 {
		slog.Warn("no usable regions detected, falling back to whole page", "page", pageName)
		kept = []layout.DetectedRegion{{
			Box:  layout.Box{X0: 0, Y0: 0, X1: w, Y1: h},
			Kind: layout.KindText,
		}}
	}

	doc := layout.NewDocument(imageName, w, h, kept)
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("segmentation produced invalid document: %w", err)
	}
	return doc, nil
}
