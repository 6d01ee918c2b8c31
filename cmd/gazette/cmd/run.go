package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/archivista/gazette/internal/batch"
	"github.com/archivista/gazette/internal/checkpoint"
	"github.com/archivista/gazette/internal/config"
	"github.com/archivista/gazette/internal/detector"
	"github.com/archivista/gazette/internal/pipeline"
	"github.com/archivista/gazette/internal/ratelimit"
	"github.com/archivista/gazette/internal/recognizer"
	"github.com/archivista/gazette/internal/remote"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runCmd = &cobra.Command{
	Use:   "run [inputs...]",
	Short: "Process page images through segmentation and recognition",
	Long: `Process newspaper page images (or scanned PDFs) through the two-stage
pipeline. Stage 1 segments each page into regions and stores crops plus a
layout document; stage 2 transcribes each region and renders a markdown
document per page. Completed pages are skipped unless --no-resume is given.

With --stage 2 and no inputs, pages are discovered from the output directory.`,
	Args: cobra.ArbitraryArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("output", "o", "output", "output directory")
	runCmd.Flags().String("stage", "both", "stages to run: both, 1 (segmentation) or 2 (recognition)")
	runCmd.Flags().Bool("no-resume", false, "reprocess pages even when output already exists")
	runCmd.Flags().Int("workers", config.DefaultConfig().Processing.Workers, "concurrent API call slots")
	runCmd.Flags().BoolP("recursive", "r", false, "recurse into input directories")
	runCmd.Flags().StringSlice("include", nil, "only process files matching these glob patterns")
	runCmd.Flags().StringSlice("exclude", nil, "skip files matching these glob patterns")
	runCmd.Flags().String("pdf-pages", "", "page range for PDF inputs, e.g. 1-5 or 1,3,7")
	runCmd.Flags().Bool("no-merge", false, "skip regenerating the merged document")
	runCmd.Flags().Bool("log-progress", false, "report progress as log records instead of a progress bar")

	_ = viper.BindPFlag("processing.workers", runCmd.Flags().Lookup("workers"))
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := getConfig()
	if err != nil {
		return err
	}
	output, _ := cmd.Flags().GetString("output")
	stageFlag, _ := cmd.Flags().GetString("stage")
	noResume, _ := cmd.Flags().GetBool("no-resume")
	noMerge, _ := cmd.Flags().GetBool("no-merge")

	selector, err := pipeline.ParseSelector(stageFlag)
	if err != nil {
		return err
	}

	det, rec := buildClients(cfg)
	if selector != pipeline.SelectRecognition && !det.Available() {
		return fmt.Errorf("layout service not configured (set layout.url or GAZETTE_LAYOUT_URL)")
	}
	if selector != pipeline.SelectSegmentation && !rec.Available() {
		return fmt.Errorf("recognition service not configured (set recognition.api_key or GAZETTE_RECOGNITION_API_KEY)")
	}

	pages, err := discoverRunPages(cmd, args, output, selector, cfg)
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		return fmt.Errorf("no pages to process")
	}

	ctx, stop := contextWithSignals(cmd.Context())
	defer stop()

	p := pipeline.New(det, rec, pipelineOptions(cmd, cfg, output, selector, !noResume, !noMerge))
	summary, err := p.Run(ctx, pages)
	if err != nil {
		return err
	}
	printRunSummary(cmd, summary)
	if summary.HasFailures() {
		return fmt.Errorf("%d of %d pages failed", summary.Failed, len(summary.Results))
	}
	return nil
}

func buildClients(cfg *config.Config) (*detector.Client, *recognizer.Client) {
	det := detector.New(detector.Config{
		URL:         cfg.Layout.URL,
		Token:       cfg.Layout.Token,
		Timeout:     time.Duration(cfg.Layout.TimeoutSec) * time.Second,
		JPEGQuality: cfg.Layout.JPEGQuality,
	})
	rec := recognizer.New(recognizer.Config{
		BaseURL:       cfg.Recognition.BaseURL,
		APIKey:        cfg.Recognition.APIKey,
		Model:         cfg.Recognition.Model,
		Timeout:       time.Duration(cfg.Recognition.TimeoutSec) * time.Second,
		MaxRegionSide: cfg.Recognition.MaxRegionSide,
		MinRegionSide: cfg.Recognition.MinRegionSide,
		JPEGQuality:   cfg.Recognition.JPEGQuality,
	})
	return det, rec
}

func pipelineOptions(cmd *cobra.Command, cfg *config.Config, output string, selector pipeline.Selector, resume, merge bool) pipeline.Options {
	var progress pipeline.ProgressCallback = pipeline.NewConsoleProgress(cmd.ErrOrStderr(), "")
	if logProgress, _ := cmd.Flags().GetBool("log-progress"); logProgress {
		progress = pipeline.NewLogProgress(slog.Default(), 0)
	}
	if quiet(cmd) {
		progress = pipeline.NoOpProgressCallback{}
	}
	return pipeline.Options{
		OutputRoot:      output,
		Selector:        selector,
		Resume:          resume,
		Workers:         cfg.Processing.Workers,
		Controller:      ratelimit.NewController(cfg.Processing.Workers, cfg.Processing.RateInterval()),
		Retry:           remote.Retry{MaxAttempts: cfg.Processing.RetryAttempts, Base: cfg.Processing.RetryBase()},
		Checkpoint:      checkpoint.NewTracker(cfg.Processing.MinDocumentBytes, false),
		CropQuality:     cfg.Processing.CropQuality,
		Merge:           merge && cfg.Processing.Merge,
		RecoveryCeiling: cfg.Recovery.CeilingPx,
		RecoveryWorkers: cfg.Recovery.Workers,
		Progress:        progress,
	}
}

// discoverRunPages expands the input arguments. A recognition-only run with
// no inputs falls back to scanning the output directory for pages that
// already have a layout document.
func discoverRunPages(cmd *cobra.Command, args []string, output string, selector pipeline.Selector, cfg *config.Config) ([]batch.Page, error) {
	if len(args) == 0 {
		if selector == pipeline.SelectRecognition {
			return batch.DiscoverProcessed(output)
		}
		return nil, fmt.Errorf("no inputs given")
	}
	recursive, _ := cmd.Flags().GetBool("recursive")
	include, _ := cmd.Flags().GetStringSlice("include")
	exclude, _ := cmd.Flags().GetStringSlice("exclude")
	pdfPages, _ := cmd.Flags().GetString("pdf-pages")

	return batch.DiscoverPages(args, batch.DiscoverOptions{
		Recursive:       recursive,
		IncludePatterns: include,
		ExcludePatterns: exclude,
		PDFPagesDir:     filepath.Join(output, "_pages"),
		PDFPageRange:    pdfPages,
		JPEGQuality:     cfg.Layout.JPEGQuality,
	})
}

func printRunSummary(cmd *cobra.Command, s *pipeline.Summary) {
	if quiet(cmd) {
		return
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pages: %d done, %d partial, %d failed, %d skipped\n",
		s.Done, s.Partial, s.Failed, s.Skipped)
	if s.MergedPages > 0 {
		fmt.Fprintf(out, "merged %d page documents\n", s.MergedPages)
	}
	fmt.Fprintf(out, "elapsed: %v\n", s.Elapsed.Round(time.Millisecond))
	for _, r := range s.Results {
		if r.Err != nil {
			fmt.Fprintf(out, "  %s: %s (%v)\n", r.Name, r.Outcome, r.Err)
		} else if r.Outcome == pipeline.OutcomePartial {
			fmt.Fprintf(out, "  %s: %d of %d regions failed\n", r.Name, r.FailedRegions, r.Regions)
		}
	}
}

func contextWithSignals(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
