package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"

	"github.com/archivista/gazette/internal/batch"
	"github.com/archivista/gazette/internal/document"
	"github.com/archivista/gazette/internal/layout"
	"github.com/archivista/gazette/internal/recognizer"
	"github.com/archivista/gazette/internal/remote"
	"github.com/archivista/gazette/internal/utils"
	"golang.org/x/sync/errgroup"
)

// runRecognition transcribes every region still lacking text, updates the
// layout document, and renders the page markdown. Regions fan out over a
// worker pool sized to the controller capacity; each worker paces its own
// call sequence. Partial progress is always persisted, even on cancellation.
func (p *Pipeline) runRecognition(ctx context.Context, pg batch.Page, paths layout.PagePaths, doc *layout.Document) (recognized, failed int, err error) {
	targets := doc.Unrecognized()
	if len(targets) > 0 {
		// The page image backs re-cropping when a crop file went missing.
		var pageImg image.Image
		if pg.ImagePath != "" {
			pageImg, _ = utils.LoadImage(pg.ImagePath)
		}
		recognized, failed = p.recognizeRegions(ctx, paths, doc, targets, pageImg)
	}

	if saveErr := p.publishPage(paths, doc); saveErr != nil {
		return recognized, failed, saveErr
	}
	if ctx.Err() != nil {
		return recognized, failed, ctx.Err()
	}
	slog.Info("page recognized", "page", paths.Name,
		"regions", len(doc.Regions), "new", recognized, "failed", failed)
	return recognized, failed, nil
}

// recognizeRegions runs the fan-out. Returns how many regions gained text and
// how many ended failed.
func (p *Pipeline) recognizeRegions(ctx context.Context, paths layout.PagePaths, doc *layout.Document, targets []*layout.Region, pageImg image.Image) (recognized, failed int) {
	ids := make(chan string, len(targets))
	for _, r := range targets {
		ids <- r.ID
	}
	close(ids)

	md := &mutableDoc{doc: doc}
	var okCount, failCount counter

	workers := p.opts.Controller.Capacity()
	if workers > len(targets) {
		workers = len(targets)
	}
	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		pacer := p.opts.Controller.NewPacer()
		g.Go(func() error {
			for id := range ids {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				region := doc.Region(id)
				crop, err := p.loadRegionImage(paths, region, pageImg)
				if err != nil {
					slog.Error("region crop unavailable", "page", paths.Name, "region", id, "error", err)
					md.markFailed(id)
					failCount.inc()
					continue
				}

				var text string
				callErr := pacer.Call(gctx, func(ctx context.Context) error {
					return p.opts.Retry.Do(ctx, func(ctx context.Context) error {
						t, rerr := p.recognizer.RecognizeRegion(ctx, crop, region.Kind)
						if rerr != nil {
							return rerr
						}
						text = t
						return nil
					})
				})

				switch {
				case callErr == nil:
					_ = md.setText(id, text)
					okCount.inc()
				case errors.Is(callErr, context.Canceled):
					// Leave the region pending for the next run.
				case errors.Is(callErr, recognizer.ErrContentBlocked):
					slog.Warn("region blocked by content filter", "page", paths.Name, "region", id)
					_ = md.setText(id, recognizer.ContentBlockedPlaceholder)
				case remote.IsTransient(callErr):
					// Retries exhausted. Record a visible marker so the
					// recovery pass can find and redo this region.
					slog.Warn("region retries exhausted", "page", paths.Name, "region", id, "error", callErr)
					_ = md.setText(id, recognizer.RetryExhaustedPlaceholder)
				default:
					slog.Error("region recognition failed", "page", paths.Name, "region", id, "error", callErr)
					md.markFailed(id)
					failCount.inc()
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return okCount.get(), failCount.get()
}

// loadRegionImage prefers the crop written at segmentation time and falls
// back to re-cropping the original page.
func (p *Pipeline) loadRegionImage(paths layout.PagePaths, region *layout.Region, pageImg image.Image) (image.Image, error) {
	cropPath := paths.RegionImagePath(region.ID)
	if _, err := os.Stat(cropPath); err == nil {
		return utils.LoadImage(cropPath)
	}
	if pageImg == nil {
		return nil, fmt.Errorf("crop %s missing and page image unavailable", region.ImageFile)
	}
	return utils.CropRect(pageImg, region.Box.Rect()), nil
}

// publishPage saves the layout document and renders the page markdown, both
// atomically. A render carrying nothing beyond the header and markers is not
// written; an all-failed page should not masquerade as a completed document.
func (p *Pipeline) publishPage(paths layout.PagePaths, doc *layout.Document) error {
	if err := doc.Save(paths.DocumentPath()); err != nil {
		return fmt.Errorf("save layout document: %w", err)
	}
	rendered := document.Render(paths.Name, doc)
	if !document.HasContent(rendered) {
		slog.Warn("page produced no text, skipping document", "page", paths.Name)
		return nil
	}
	if err := layout.WriteFileAtomic(paths.MarkdownPath(), []byte(rendered)); err != nil {
		return fmt.Errorf("write page document: %w", err)
	}
	return nil
}
