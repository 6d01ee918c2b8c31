package cmd

import (
	"fmt"

	"github.com/archivista/gazette/internal/document"
	"github.com/spf13/cobra"
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Regenerate the merged document from per-page output",
	Long: `Concatenate every per-page markdown document in the output directory into
merged.md, in page-name order. Pages that have not produced a document yet
are skipped. The file is fully rewritten, so re-running is always safe.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		n, err := document.Merge(output)
		if err != nil {
			return err
		}
		if !quiet(cmd) {
			fmt.Fprintf(cmd.OutOrStdout(), "merged %d page documents into %s/%s\n",
				n, output, document.MergedFileName)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mergeCmd)
	mergeCmd.Flags().StringP("output", "o", "output", "output directory")
}
