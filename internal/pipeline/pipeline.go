// Package pipeline drives pages through the two processing stages: layout
// segmentation, then per-region text recognition. It owns stage sequencing,
// skip-or-run decisions, bounded concurrency, and the final run summary.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/archivista/gazette/internal/batch"
	"github.com/archivista/gazette/internal/checkpoint"
	"github.com/archivista/gazette/internal/document"
	"github.com/archivista/gazette/internal/layout"
	"github.com/archivista/gazette/internal/ratelimit"
	"github.com/archivista/gazette/internal/remote"
	"golang.org/x/sync/errgroup"
)

// LayoutAnalyzer segments a page image into ordered regions.
type LayoutAnalyzer interface {
	AnalyzeLayout(ctx context.Context, img image.Image) (*layout.Analysis, error)
}

// RegionRecognizer transcribes one region crop.
type RegionRecognizer interface {
	RecognizeRegion(ctx context.Context, img image.Image, kind layout.RegionKind) (string, error)
}

// Selector names which stages a run executes.
type Selector int

const (
	SelectBoth Selector = iota
	SelectSegmentation
	SelectRecognition
)

// ParseSelector maps the CLI stage flag onto a Selector.
func ParseSelector(s string) (Selector, error) {
	switch s {
	case "", "both":
		return SelectBoth, nil
	case "1":
		return SelectSegmentation, nil
	case "2":
		return SelectRecognition, nil
	}
	return SelectBoth, fmt.Errorf("invalid stage %q (want both, 1 or 2)", s)
}

// Options configure a pipeline run.
type Options struct {
	OutputRoot string
	Selector   Selector

	// Resume skips pages whose outputs already pass the checkpoint rules.
	Resume bool

	// Workers bounds how many pages are in flight at once. Zero means the
	// controller capacity.
	Workers int

	Controller *ratelimit.Controller
	Retry      remote.Retry
	Checkpoint *checkpoint.Tracker

	// CropQuality is the JPEG quality for region crop files.
	CropQuality int

	// Merge regenerates the aggregate document after the run.
	Merge bool

	// RecoveryCeiling caps the longest image side sent through the
	// degraded recovery path, in pixels.
	RecoveryCeiling int

	// RecoveryWorkers bounds page concurrency during recovery. Kept low:
	// the point of recovery is to stop tripping over rate limits.
	RecoveryWorkers int

	Progress ProgressCallback
}

func (o *Options) applyDefaults() {
	if o.Controller == nil {
		o.Controller = ratelimit.NewController(5, time.Second)
	}
	if o.Workers <= 0 {
		o.Workers = o.Controller.Capacity()
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = remote.DefaultRetry()
	}
	if o.Checkpoint == nil {
		o.Checkpoint = checkpoint.NewTracker(checkpoint.DefaultMinDocumentBytes, false)
	}
	if o.CropQuality <= 0 {
		o.CropQuality = 90
	}
	if o.RecoveryCeiling <= 0 {
		o.RecoveryCeiling = 2000
	}
	if o.RecoveryWorkers <= 0 {
		o.RecoveryWorkers = 2
	}
	if o.Progress == nil {
		o.Progress = NoOpProgressCallback{}
	}
}

// Outcome classifies how a page ended up after a run.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomePartial
	OutcomeFailed
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomePartial:
		return "partial"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	}
	return "unknown"
}

// PageResult is the outcome of one page.
type PageResult struct {
	Name          string
	Outcome       Outcome
	Err           error
	Regions       int
	Recognized    int
	FailedRegions int
}

// Summary aggregates a whole run.
type Summary struct {
	Results     []PageResult
	Done        int
	Partial     int
	Failed      int
	Skipped     int
	MergedPages int
	Elapsed     time.Duration
}

// HasFailures reports whether any page ended failed.
func (s *Summary) HasFailures() bool { return s.Failed > 0 }

// Pipeline sequences the stages over a page set.
type Pipeline struct {
	analyzer   LayoutAnalyzer
	recognizer RegionRecognizer
	opts       Options
}

// New builds a pipeline around the two capability clients.
func New(analyzer LayoutAnalyzer, recognizer RegionRecognizer, opts Options) *Pipeline {
	opts.applyDefaults()
	return &Pipeline{analyzer: analyzer, recognizer: recognizer, opts: opts}
}

// Run processes every page, skipping work the checkpoint rules prove is
// already done. Page failures are isolated: one broken page never aborts the
// batch, only context cancellation does.
func (p *Pipeline) Run(ctx context.Context, pages []batch.Page) (*Summary, error) {
	start := time.Now()
	p.opts.Progress.OnStart(len(pages))

	results := make([]PageResult, len(pages))
	var processed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i, pg := range pages {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = PageResult{Name: pg.Name, Outcome: OutcomeFailed, Err: err}
				return err
			}
			res := p.processPage(gctx, pg)
			results[i] = res

			n := int(processed.Add(1))
			p.opts.Progress.OnProgress(n, len(pages))
			if res.Err != nil {
				p.opts.Progress.OnError(n, fmt.Errorf("%s: %w", res.Name, res.Err))
			}
			// Cancellation is the only page error that stops the run.
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	runErr := g.Wait()
	p.opts.Progress.OnComplete()

	summary := summarize(results)
	summary.Elapsed = time.Since(start)

	if runErr == nil && p.opts.Merge && p.opts.Selector != SelectSegmentation {
		merged, err := document.Merge(p.opts.OutputRoot)
		if err != nil {
			return summary, fmt.Errorf("merge: %w", err)
		}
		summary.MergedPages = merged
	}
	return summary, runErr
}

func summarize(results []PageResult) *Summary {
	s := &Summary{Results: results}
	for _, r := range results {
		switch r.Outcome {
		case OutcomeDone:
			s.Done++
		case OutcomePartial:
			s.Partial++
		case OutcomeFailed:
			s.Failed++
		case OutcomeSkipped:
			s.Skipped++
		}
	}
	return s
}

// processPage runs the selected stages for one page and classifies the result.
func (p *Pipeline) processPage(ctx context.Context, pg batch.Page) PageResult {
	res := PageResult{Name: pg.Name}
	paths := layout.PagePaths{Root: p.opts.OutputRoot, Name: pg.Name}
	pacer := p.opts.Controller.NewPacer()
	ran := false

	if p.opts.Selector != SelectRecognition {
		if p.opts.Resume && p.opts.Checkpoint.ShouldSkip(paths, checkpoint.StageSegmentation) {
			slog.Debug("segmentation already complete", "page", pg.Name)
		} else {
			ran = true
			n, err := p.runSegmentation(ctx, pg, paths, pacer)
			if err != nil {
				res.Outcome = OutcomeFailed
				res.Err = fmt.Errorf("segmentation: %w", err)
				return res
			}
			res.Regions = n
		}
	}

	if p.opts.Selector != SelectSegmentation {
		if p.opts.Resume && p.opts.Checkpoint.ShouldSkip(paths, checkpoint.StageRecognition) {
			slog.Debug("recognition already complete", "page", pg.Name)
		} else {
			ran = true
			doc, err := layout.Load(paths.DocumentPath())
			if err != nil {
				res.Outcome = OutcomeFailed
				res.Err = fmt.Errorf("load layout document: %w", err)
				return res
			}
			res.Regions = len(doc.Regions)
			recognized, failed, err := p.runRecognition(ctx, pg, paths, doc)
			res.Recognized = recognized
			res.FailedRegions = failed
			if err != nil {
				res.Outcome = OutcomeFailed
				res.Err = fmt.Errorf("recognition: %w", err)
				return res
			}
		}
	}

	switch {
	case !ran:
		res.Outcome = OutcomeSkipped
	case res.FailedRegions > 0:
		res.Outcome = OutcomePartial
	default:
		res.Outcome = OutcomeDone
	}
	return res
}

type counter struct{ n atomic.Int64 }

func (c *counter) inc()     { c.n.Add(1) }
func (c *counter) get() int { return int(c.n.Load()) }

// mutableDoc serializes mutation of a layout document shared by the region
// workers of one page.
type mutableDoc struct {
	mu  sync.Mutex
	doc *layout.Document
}

func (m *mutableDoc) setText(id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.SetText(id, text)
}

func (m *mutableDoc) markFailed(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.MarkFailed(id)
}
