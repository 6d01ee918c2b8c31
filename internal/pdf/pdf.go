// Package pdf expands scanned PDF issues into per-page images so the rest of
// the pipeline only ever deals with plain image files.
package pdf

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/archivista/gazette/internal/utils"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// Page is one extracted PDF page image on disk.
type Page struct {
	Number int    // 1-based page number within the source PDF
	Name   string // stable page name, e.g. "issue_p003"
	Path   string // written JPEG path
}

// ExpandToPages extracts the scan image of every page in pdfPath and writes
// each as a JPEG under destDir, named <stem>_pNNN.jpg. Scanned issues carry
// one full-page raster per page; when a page holds several embedded images
// (inline ads, mastheads) the largest one is taken as the page scan.
//
// pageRange follows "1-5" / "1,3,7" syntax; empty means all pages.
func ExpandToPages(pdfPath, destDir, pageRange string, jpegQuality int) ([]Page, error) {
	selected, err := parsePageRange(pageRange)
	if err != nil {
		return nil, fmt.Errorf("invalid page range %q: %w", pageRange, err)
	}

	tempDir, err := os.MkdirTemp("", "gazette-pdf-*")
	if err != nil {
		return nil, fmt.Errorf("create extraction dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tempDir) }()

	var pageStrings []string
	for _, n := range selected {
		pageStrings = append(pageStrings, strconv.Itoa(n))
	}
	if err := api.ExtractImagesFile(pdfPath, tempDir, pageStrings, nil); err != nil {
		return nil, fmt.Errorf("extract images from %s: %w", filepath.Base(pdfPath), err)
	}

	scans, err := collectPageScans(tempDir)
	if err != nil {
		return nil, err
	}
	if len(scans) == 0 {
		return nil, fmt.Errorf("%s contains no extractable page images", filepath.Base(pdfPath))
	}

	stem := utils.PageName(pdfPath)
	pages := make([]Page, 0, len(scans))
	for _, num := range sortedPageNumbers(scans) {
		name := fmt.Sprintf("%s_p%03d", stem, num)
		outPath := filepath.Join(destDir, name+".jpg")
		if err := utils.SaveJPEG(scans[num], outPath, jpegQuality); err != nil {
			return nil, fmt.Errorf("write page %d of %s: %w", num, filepath.Base(pdfPath), err)
		}
		pages = append(pages, Page{Number: num, Name: name, Path: outPath})
	}
	return pages, nil
}

// collectPageScans loads every extracted image and keeps, per page, the one
// with the largest pixel area.
func collectPageScans(dir string) (map[int]image.Image, error) {
	scans := make(map[int]image.Image)
	areas := make(map[int]int)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		num, ok := pageNumberFromFilename(info.Name())
		if !ok {
			return nil
		}
		img, err := utils.LoadImage(path)
		if err != nil {
			// Some producers embed masks or odd color spaces the
			// decoder rejects; those never hold the page scan.
			return nil
		}
		area := img.Bounds().Dx() * img.Bounds().Dy()
		if area > areas[num] {
			scans[num] = img
			areas[num] = area
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect extracted images: %w", err)
	}
	return scans, nil
}

// pageNumberFromFilename parses names of the form <stem>_page_<num>_<obj>.<ext>
// or page_<num>_image_<idx>.<ext>, which is what pdfcpu emits.
func pageNumberFromFilename(filename string) (int, bool) {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	parts := strings.Split(base, "_")
	for i, p := range parts {
		if p != "page" || i+1 >= len(parts) {
			continue
		}
		if num, err := strconv.Atoi(parts[i+1]); err == nil && num > 0 {
			return num, true
		}
	}
	return 0, false
}

func sortedPageNumbers(scans map[int]image.Image) []int {
	nums := make([]int, 0, len(scans))
	for n := range scans {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// parsePageRange parses "1-5", "3", or comma-joined combinations of both.
func parsePageRange(pageRange string) ([]int, error) {
	if pageRange == "" {
		return nil, nil
	}
	var pages []int
	for _, part := range strings.Split(pageRange, ",") {
		part = strings.TrimSpace(part)
		token, err := parseRangeToken(part)
		if err != nil {
			return nil, err
		}
		pages = append(pages, token...)
	}
	return pages, nil
}

func parseRangeToken(part string) ([]int, error) {
	if start, end, ok := strings.Cut(part, "-"); ok {
		lo, err := strconv.Atoi(strings.TrimSpace(start))
		if err != nil {
			return nil, fmt.Errorf("invalid start page %q", start)
		}
		hi, err := strconv.Atoi(strings.TrimSpace(end))
		if err != nil {
			return nil, fmt.Errorf("invalid end page %q", end)
		}
		if lo > hi {
			return nil, fmt.Errorf("start page %d greater than end page %d", lo, hi)
		}
		out := make([]int, 0, hi-lo+1)
		for i := lo; i <= hi; i++ {
			out = append(out, i)
		}
		return out, nil
	}
	page, err := strconv.Atoi(part)
	if err != nil {
		return nil, fmt.Errorf("invalid page number %q", part)
	}
	return []int{page}, nil
}
