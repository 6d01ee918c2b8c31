// Package document renders recognized layout documents to markdown and
// aggregates per-page results into a single merged file.
package document

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/archivista/gazette/internal/layout"
	"golang.org/x/text/unicode/norm"
)

// dedupeMinRunes is the minimum normalized length before a repeated text is
// treated as a duplicate. Short strings (dates, page numbers, mastheads)
// legitimately repeat across regions.
const dedupeMinRunes = 30

// Render produces the markdown document for one page. Regions appear in
// order-index order, each preceded by an id marker comment. Regions without
// recognized text emit an explicit gap marker instead of being silently
// dropped, so a reader can tell a failed region from an empty one.
func Render(pageName string, doc *layout.Document) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", pageName)

	regions := make([]layout.Region, len(doc.Regions))
	copy(regions, doc.Regions)
	sort.Slice(regions, func(i, j int) bool { return regions[i].Order < regions[j].Order })

	seen := make(map[string]struct{})
	for _, r := range regions {
		if r.Text == "" {
			fmt.Fprintf(&sb, "<!-- region %s: no text -->\n\n", r.ID)
			continue
		}
		fmt.Fprintf(&sb, "<!-- region: %s -->\n", r.ID)

		// Scanned spreads often segment the same article twice. The
		// marker stays so the region is still accounted for.
		key := normalizeText(r.Text)
		if len([]rune(key)) >= dedupeMinRunes {
			if _, dup := seen[key]; dup {
				sb.WriteString("\n")
				continue
			}
			seen[key] = struct{}{}
		}

		switch r.Kind {
		case layout.KindTitle:
			fmt.Fprintf(&sb, "## %s\n\n", r.Text)
		case layout.KindTable:
			fmt.Fprintf(&sb, "```\n%s\n```\n\n", r.Text)
		default:
			fmt.Fprintf(&sb, "%s\n\n", r.Text)
		}
	}
	return sb.String()
}

// HasContent reports whether rendered markdown carries anything beyond the
// page header and markers. Used to avoid publishing empty documents.
func HasContent(rendered string) bool {
	for _, line := range strings.Split(rendered, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "<!--") {
			continue
		}
		return true
	}
	return false
}

// normalizeText collapses a region text to its comparison key: NFKC fold
// (full-width and half-width punctuation collide in old scans) with all
// whitespace removed.
func normalizeText(s string) string {
	var b strings.Builder
	for _, r := range norm.NFKC.String(s) {
		if !unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
