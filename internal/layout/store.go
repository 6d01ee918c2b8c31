package layout

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// FileName is the document file inside a page's working directory.
	FileName = "layout.json"

	// RegionsDirName holds the cropped region images for a page.
	RegionsDirName = "regions"
)

// PagePaths resolves the on-disk locations for one page under an output root.
type PagePaths struct {
	Root string // output root
	Name string // page name (image stem)
}

// Dir returns the page's working directory.
func (p PagePaths) Dir() string { return filepath.Join(p.Root, p.Name) }

// DocumentPath returns the layout.json location.
func (p PagePaths) DocumentPath() string { return filepath.Join(p.Dir(), FileName) }

// RegionsDir returns the region crop directory.
func (p PagePaths) RegionsDir() string { return filepath.Join(p.Dir(), RegionsDirName) }

// RegionImagePath returns the crop file for a region ID.
func (p PagePaths) RegionImagePath(id string) string {
	return filepath.Join(p.RegionsDir(), id+".jpg")
}

// MarkdownPath returns the per-page rendered document location.
func (p PagePaths) MarkdownPath() string { return filepath.Join(p.Root, p.Name+".md") }

// RawTranscriptPath returns where a layout service's own markdown transcript
// is kept for reference.
func (p PagePaths) RawTranscriptPath() string {
	return filepath.Join(p.Dir(), p.Name+"_layout_raw.md")
}

// Marshal renders the document in its canonical byte form: two-space indent
// and a trailing newline. Load followed by Save reproduces the same bytes.
func (d *Document) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("marshal layout document: %w", err)
	}
	return buf.Bytes(), nil
}

// Save atomically publishes the document at path: the bytes are written to a
// temporary sibling and renamed into place, so readers never observe a
// partially-written document.
func (d *Document) Save(path string) error {
	data, err := d.Marshal()
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// Load reads and parses a layout document. The returned document has been
// structurally validated.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path derives from the output root
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &doc, nil
}

// Exists reports whether a valid layout document is present at path.
func Exists(path string) bool {
	_, err := Load(path)
	return err == nil
}

// WriteFileAtomic writes data to path via a temporary file and rename.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("publish %s: %w", path, err)
	}
	return nil
}
