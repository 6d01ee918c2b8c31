package cmd

import (
	"fmt"
	"time"

	"github.com/archivista/gazette/internal/batch"
	"github.com/archivista/gazette/internal/config"
	"github.com/archivista/gazette/internal/pipeline"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var recoverCmd = &cobra.Command{
	Use:   "recover [inputs...]",
	Short: "Retry failed pages and regions through a degraded path",
	Long: `Re-scan previously processed pages in the output directory and retry
everything that failed or produced implausibly short output. Images are
downscaled before each call and concurrency is forced low, which gets results
out of services that rejected or throttled the full-size requests.

Inputs are the original page images; when given, they enable re-cropping and
re-analysis of pages whose stored output is damaged.`,
	Args: cobra.ArbitraryArgs,
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)

	recoverCmd.Flags().StringP("output", "o", "output", "output directory")
	defaults := config.DefaultConfig()
	recoverCmd.Flags().Int("ceiling", defaults.Recovery.CeilingPx, "downscale ceiling in pixels")
	recoverCmd.Flags().Int("workers", defaults.Recovery.Workers, "forced page concurrency")
	recoverCmd.Flags().BoolP("recursive", "r", false, "recurse into input directories")
	recoverCmd.Flags().Bool("log-progress", false, "report progress as log records instead of a progress bar")

	_ = viper.BindPFlag("recovery.ceiling_px", recoverCmd.Flags().Lookup("ceiling"))
	_ = viper.BindPFlag("recovery.workers", recoverCmd.Flags().Lookup("workers"))
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := getConfig()
	if err != nil {
		return err
	}
	output, _ := cmd.Flags().GetString("output")

	det, rec := buildClients(cfg)
	if !rec.Available() {
		return fmt.Errorf("recognition service not configured (set recognition.api_key or GAZETTE_RECOGNITION_API_KEY)")
	}

	pages, err := recoveryPages(cmd, args, output)
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		return fmt.Errorf("no processed pages found under %s", output)
	}

	ctx, stop := contextWithSignals(cmd.Context())
	defer stop()

	p := pipeline.New(det, rec, pipelineOptions(cmd, cfg, output, pipeline.SelectBoth, true, true))
	summary, err := p.Recover(ctx, pages)
	if err != nil {
		return err
	}
	printRecoverSummary(cmd, summary)
	if summary.HasFailures() {
		return fmt.Errorf("%d of %d pages still failing", summary.StillFailed, summary.Scanned)
	}
	return nil
}

// recoveryPages lists processed pages and, when input images are given,
// attaches each page's source image by name.
func recoveryPages(cmd *cobra.Command, args []string, output string) ([]batch.Page, error) {
	pages, err := batch.DiscoverProcessed(output)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return pages, nil
	}

	recursive, _ := cmd.Flags().GetBool("recursive")
	inputs, err := batch.DiscoverPages(args, batch.DiscoverOptions{Recursive: recursive})
	if err != nil {
		return nil, err
	}
	byName := make(map[string]string, len(inputs))
	for _, in := range inputs {
		byName[in.Name] = in.ImagePath
	}
	for i := range pages {
		pages[i].ImagePath = byName[pages[i].Name]
	}
	// Inputs that never produced output are recovered from scratch.
	known := make(map[string]bool, len(pages))
	for _, p := range pages {
		known[p.Name] = true
	}
	for _, in := range inputs {
		if !known[in.Name] {
			pages = append(pages, in)
		}
	}
	return pages, nil
}

func printRecoverSummary(cmd *cobra.Command, s *pipeline.RecoverSummary) {
	if quiet(cmd) {
		return
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "scanned %d pages: %d healthy, %d repaired, %d still failing\n",
		s.Scanned, s.Healthy, s.Repaired, s.StillFailed)
	if s.MergedPages > 0 {
		fmt.Fprintf(out, "merged %d page documents\n", s.MergedPages)
	}
	fmt.Fprintf(out, "elapsed: %v\n", s.Elapsed.Round(time.Millisecond))
	for _, r := range s.Results {
		if r.Err != nil {
			fmt.Fprintf(out, "  %s: %v\n", r.Name, r.Err)
		} else if r.Failed > 0 {
			fmt.Fprintf(out, "  %s: %d regions still failing\n", r.Name, r.Failed)
		}
	}
}
