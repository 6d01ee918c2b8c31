package document

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/archivista/gazette/internal/layout"
)

// MergedFileName is the aggregate document written at the output root.
const MergedFileName = "merged.md"

// Merge concatenates every per-page document directly under root into one
// aggregate file, in page-name sort order with a horizontal-rule separator
// between pages. Pages that have not produced a document yet are simply
// absent. The whole file is rewritten on every call, so the output depends
// only on the set of page documents and never on completion order.
//
// Returns the number of pages merged.
func Merge(root string) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("read output root: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".md" || name == MergedFileName {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			return 0, fmt.Errorf("read page document %s: %w", name, err)
		}
		parts = append(parts, strings.TrimRight(string(data), "\n"))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Merged document (%d pages)\n\n", len(parts))
	sb.WriteString(strings.Join(parts, "\n\n---\n\n"))
	sb.WriteString("\n")

	if err := layout.WriteFileAtomic(filepath.Join(root, MergedFileName), []byte(sb.String())); err != nil {
		return 0, fmt.Errorf("write merged document: %w", err)
	}
	return len(parts), nil
}
