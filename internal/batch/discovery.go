// Package batch turns a set of input arguments (image files, directories,
// scanned PDFs) into the ordered page list the pipeline works through.
package batch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/archivista/gazette/internal/layout"
	"github.com/archivista/gazette/internal/pdf"
	"github.com/archivista/gazette/internal/utils"
)

// Page is one unit of pipeline work: a named page image.
type Page struct {
	Name      string
	ImagePath string
}

// DiscoverOptions control input expansion.
type DiscoverOptions struct {
	Recursive       bool
	IncludePatterns []string
	ExcludePatterns []string

	// PDF inputs are expanded into per-page JPEGs under PDFPagesDir.
	PDFPagesDir  string
	PDFPageRange string
	JPEGQuality  int
}

// DiscoverPages expands args into a page list sorted by page name. Directory
// arguments yield their image files; PDF arguments are rasterized page by
// page. Two inputs mapping to the same page name is an error, because page
// names key the entire output layout.
func DiscoverPages(args []string, opts DiscoverOptions) ([]Page, error) {
	var pages []Page
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", arg, err)
		}
		switch {
		case info.IsDir():
			found, err := discoverInDirectory(arg, opts)
			if err != nil {
				return nil, err
			}
			pages = append(pages, found...)
		case isPDF(arg):
			expanded, err := expandPDF(arg, opts)
			if err != nil {
				return nil, err
			}
			pages = append(pages, expanded...)
		case utils.IsSupportedImage(arg):
			if includeFile(arg, opts) {
				pages = append(pages, Page{Name: utils.PageName(arg), ImagePath: arg})
			}
		default:
			return nil, fmt.Errorf("unsupported input %s", arg)
		}
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].Name < pages[j].Name })
	for i := 1; i < len(pages); i++ {
		if pages[i].Name == pages[i-1].Name {
			return nil, fmt.Errorf("page name %q maps to both %s and %s",
				pages[i].Name, pages[i-1].ImagePath, pages[i].ImagePath)
		}
	}
	return pages, nil
}

// DiscoverProcessed lists pages already present under an output root, i.e.
// page directories holding a layout document. Used when a run starts at the
// recognition stage or when recovery re-scans earlier output.
func DiscoverProcessed(root string) ([]Page, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read output root: %w", err)
	}
	var pages []Page
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		paths := layout.PagePaths{Root: root, Name: e.Name()}
		if !layout.Exists(paths.DocumentPath()) {
			continue
		}
		pages = append(pages, Page{Name: e.Name()})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Name < pages[j].Name })
	return pages, nil
}

func discoverInDirectory(dir string, opts DiscoverOptions) ([]Page, error) {
	var pages []Page
	walkFn := func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if !opts.Recursive && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		switch {
		case isPDF(path):
			expanded, err := expandPDF(path, opts)
			if err != nil {
				return err
			}
			pages = append(pages, expanded...)
		case utils.IsSupportedImage(path) && includeFile(path, opts):
			pages = append(pages, Page{Name: utils.PageName(path), ImagePath: path})
		}
		return nil
	}
	if err := filepath.Walk(dir, walkFn); err != nil {
		return nil, err
	}
	return pages, nil
}

func expandPDF(path string, opts DiscoverOptions) ([]Page, error) {
	if opts.PDFPagesDir == "" {
		return nil, fmt.Errorf("PDF input %s requires a page extraction directory", path)
	}
	slog.Info("expanding PDF", "file", filepath.Base(path))
	quality := opts.JPEGQuality
	if quality <= 0 {
		quality = 90
	}
	extracted, err := pdf.ExpandToPages(path, opts.PDFPagesDir, opts.PDFPageRange, quality)
	if err != nil {
		return nil, err
	}
	pages := make([]Page, 0, len(extracted))
	for _, p := range extracted {
		pages = append(pages, Page{Name: p.Name, ImagePath: p.Path})
	}
	return pages, nil
}

func isPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}

// includeFile applies exclude patterns first, then include patterns. With no
// include patterns everything not excluded passes.
func includeFile(path string, opts DiscoverOptions) bool {
	if matchesAny(path, opts.ExcludePatterns) {
		return false
	}
	if len(opts.IncludePatterns) == 0 {
		return true
	}
	return matchesAny(path, opts.IncludePatterns)
}

func matchesAny(path string, patterns []string) bool {
	base := filepath.Base(path)
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}
