package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/archivista/gazette/internal/batch"
	"github.com/archivista/gazette/internal/document"
	"github.com/archivista/gazette/internal/layout"
	"github.com/archivista/gazette/internal/ratelimit"
	"github.com/archivista/gazette/internal/recognizer"
	"github.com/archivista/gazette/internal/utils"
	"golang.org/x/sync/errgroup"
)

// RecoverResult is the recovery outcome of one page.
type RecoverResult struct {
	Name     string
	Healthy  bool // nothing needed fixing
	Repaired bool
	Retried  int
	Failed   int
	Err      error
}

// RecoverSummary aggregates a recovery pass.
type RecoverSummary struct {
	Results     []RecoverResult
	Scanned     int
	Healthy     int
	Repaired    int
	StillFailed int
	MergedPages int
	Elapsed     time.Duration
}

// HasFailures reports whether any page is still broken after recovery.
func (s *RecoverSummary) HasFailures() bool { return s.StillFailed > 0 }

// Recover re-scans previously processed pages and retries everything that
// failed or produced implausible output, through a degraded path: images are
// downscaled to the recovery ceiling before each call and page concurrency is
// forced low. Stored bounding boxes are never modified by region retries;
// only a full page re-analysis replaces them, with coordinates mapped back to
// original pixel space. The merged document is regenerated at the end.
func (p *Pipeline) Recover(ctx context.Context, pages []batch.Page) (*RecoverSummary, error) {
	start := time.Now()
	p.opts.Progress.OnStart(len(pages))

	// Separate controller: recovery deliberately runs gentler than the
	// main pipeline.
	controller := ratelimit.NewController(p.opts.RecoveryWorkers, p.opts.Controller.Interval())

	results := make([]RecoverResult, len(pages))
	var processed counter

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.RecoveryWorkers)
	for i, pg := range pages {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = RecoverResult{Name: pg.Name, Err: err}
				return err
			}
			res := p.recoverPage(gctx, pg, controller.NewPacer())
			results[i] = res
			processed.inc()
			p.opts.Progress.OnProgress(processed.get(), len(pages))
			if res.Err != nil {
				p.opts.Progress.OnError(processed.get(), fmt.Errorf("%s: %w", res.Name, res.Err))
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	runErr := g.Wait()
	p.opts.Progress.OnComplete()

	summary := &RecoverSummary{Results: results, Scanned: len(pages)}
	for _, r := range results {
		switch {
		case r.Healthy:
			summary.Healthy++
		case r.Repaired:
			summary.Repaired++
		default:
			summary.StillFailed++
		}
	}
	summary.Elapsed = time.Since(start)

	if runErr == nil {
		merged, err := document.Merge(p.opts.OutputRoot)
		if err != nil {
			return summary, fmt.Errorf("merge: %w", err)
		}
		summary.MergedPages = merged
	}
	return summary, runErr
}

// NeedsRecovery reports whether a recognized region's text is actually an
// error marker left by an earlier run.
func NeedsRecovery(r *layout.Region) bool {
	if !r.HasText() {
		return true
	}
	return strings.Contains(r.Text, "<!-- error:")
}

// recoverPage repairs one page: re-analyze the layout if the document itself
// is broken, then retry every region that needs it, region by region.
func (p *Pipeline) recoverPage(ctx context.Context, pg batch.Page, pacer *ratelimit.Pacer) RecoverResult {
	res := RecoverResult{Name: pg.Name}
	paths := layout.PagePaths{Root: p.opts.OutputRoot, Name: pg.Name}

	var pageImg image.Image
	if pg.ImagePath != "" {
		pageImg, _ = utils.LoadImage(pg.ImagePath)
	}

	doc, err := layout.Load(paths.DocumentPath())
	if err != nil {
		if pageImg == nil {
			res.Err = fmt.Errorf("layout document unreadable and no source image to re-analyze: %w", err)
			return res
		}
		slog.Warn("re-analyzing page layout", "page", pg.Name, "cause", err)
		doc, err = p.reanalyzePage(ctx, pg, paths, pageImg, pacer)
		if err != nil {
			res.Err = fmt.Errorf("re-analyze layout: %w", err)
			return res
		}
	}

	var targets []*layout.Region
	for i := range doc.Regions {
		if NeedsRecovery(&doc.Regions[i]) {
			targets = append(targets, &doc.Regions[i])
		}
	}
	if len(targets) == 0 && p.opts.Checkpoint.DocumentPlausible(paths) {
		res.Healthy = true
		return res
	}

	for _, region := range targets {
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			return res
		}
		res.Retried++
		if err := p.recoverRegion(ctx, paths, doc, region, pageImg, pacer); err != nil {
			res.Failed++
			slog.Error("region still failing after recovery", "page", pg.Name, "region", region.ID, "error", err)
		}
	}

	if err := p.publishPage(paths, doc); err != nil {
		res.Err = err
		return res
	}
	res.Repaired = res.Failed == 0 && p.opts.Checkpoint.DocumentPlausible(paths)
	slog.Info("page recovery finished", "page", pg.Name,
		"retried", res.Retried, "failed", res.Failed, "repaired", res.Repaired)
	return res
}

// recoverRegion retries a single region through the downscaled path and
// writes the result into the document. The region's stored box is left alone.
func (p *Pipeline) recoverRegion(ctx context.Context, paths layout.PagePaths, doc *layout.Document, region *layout.Region, pageImg image.Image, pacer *ratelimit.Pacer) error {
	crop, err := p.loadRegionImage(paths, region, pageImg)
	if err != nil {
		doc.MarkFailed(region.ID)
		return err
	}
	crop, ratio := utils.FitWithin(crop, p.opts.RecoveryCeiling)
	if ratio < 1 {
		slog.Debug("downscaled region for recovery", "page", paths.Name, "region", region.ID, "ratio", ratio)
	}

	var text string
	callErr := pacer.Call(ctx, func(ctx context.Context) error {
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
		return doc.SetText(region.ID, text)
	case errors.Is(callErr, recognizer.ErrContentBlocked):
		return doc.SetText(region.ID, recognizer.ContentBlockedPlaceholder)
	case errors.Is(callErr, context.Canceled):
		return callErr
	default:
		doc.MarkFailed(region.ID)
		return callErr
	}
}

// reanalyzePage reruns segmentation for a page whose layout document is
// missing or corrupt. The page image is downscaled to the recovery ceiling
// before the call; detected boxes come back in downscaled space and are
// mapped to original coordinates, so every stored box stays in original
// pixel space. Crops are cut from the full-resolution image.
func (p *Pipeline) reanalyzePage(ctx context.Context, pg batch.Page, paths layout.PagePaths, pageImg image.Image, pacer *ratelimit.Pacer) (*layout.Document, error) {
	scaled, ratio := utils.FitWithin(pageImg, p.opts.RecoveryCeiling)

	var analysis *layout.Analysis
	err := pacer.Call(ctx, func(ctx context.Context) error {
		return p.opts.Retry.Do(ctx, func(ctx context.Context) error {
			a, aerr := p.analyzer.AnalyzeLayout(ctx, scaled)
			if aerr != nil {
				return aerr
			}
			analysis = a
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	detected := analysis.Regions
	if ratio < 1 {
		for i := range detected {
			detected[i].Box = detected[i].Box.Unscale(ratio)
		}
	}

	imageName := pg.Name + ".jpg"
	if pg.ImagePath != "" {
		imageName = filepath.Base(pg.ImagePath)
	}
	doc, err := buildDocument(pg.Name, imageName, pageImg, detected)
	if err != nil {
		return nil, err
	}

	for i := range doc.Regions {
		r := &doc.Regions[i]
		crop := utils.CropRect(pageImg, r.Box.Rect())
		if err := utils.SaveJPEG(crop, paths.RegionImagePath(r.ID), p.opts.CropQuality); err != nil {
			return nil, fmt.Errorf("write region crop %s: %w", r.ID, err)
		}
	}
	if analysis.Transcript != "" {
		_ = layout.WriteFileAtomic(paths.RawTranscriptPath(), []byte(analysis.Transcript))
	}
	if err := doc.Save(paths.DocumentPath()); err != nil {
		return nil, fmt.Errorf("publish layout document: %w", err)
	}
	return doc, nil
}
