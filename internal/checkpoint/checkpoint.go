package checkpoint

// Package checkpoint decides whether a page's prior output is good enough to
// skip re-processing. All plausibility rules live here so the stage runners
// and the recovery scanner can never drift apart on what counts as done.

import (
	"os"

	"github.com/archivista/gazette/internal/layout"
)

// Stage identifies a pipeline stage for skip decisions.
type Stage int

const (
	// StageSegmentation is the page-level layout analysis step.
	StageSegmentation Stage = iota + 1
	// StageRecognition is the region-level text extraction step.
	StageRecognition
)

// DefaultMinDocumentBytes is the plausibility floor for a rendered page
// document. Anything at or below this is treated as an empty or truncated
// result. Empirically tuned, hence configurable.
const DefaultMinDocumentBytes = 500

// Tracker answers skip questions by reading persisted state. It holds no
// state of its own beyond configuration and performs no writes.
type Tracker struct {
	// MinDocumentBytes is the smallest size a per-page document may have
	// and still count as a completed recognition result.
	MinDocumentBytes int64

	// Force disables all skip checks for a full re-run.
	Force bool
}

// NewTracker builds a tracker with the given plausibility floor; a
// non-positive floor selects the default.
func NewTracker(minDocumentBytes int64, force bool) *Tracker {
	if minDocumentBytes <= 0 {
		minDocumentBytes = DefaultMinDocumentBytes
	}
	return &Tracker{MinDocumentBytes: minDocumentBytes, Force: force}
}

// ShouldSkip reports whether the stage already has valid output for a page.
func (t *Tracker) ShouldSkip(paths layout.PagePaths, stage Stage) bool {
	if t.Force {
		return false
	}
	switch stage {
	case StageSegmentation:
		return t.LayoutValid(paths)
	case StageRecognition:
		return t.DocumentPlausible(paths)
	default:
		return false
	}
}

// LayoutValid reports whether a structurally valid layout document with at
// least one region exists for the page.
func (t *Tracker) LayoutValid(paths layout.PagePaths) bool {
	return layout.Exists(paths.DocumentPath())
}

// DocumentPlausible reports whether the page's rendered document exists and
// clears the size floor. Guards against accepting a truncated or empty
// recognition result as done.
func (t *Tracker) DocumentPlausible(paths layout.PagePaths) bool {
	fi, err := os.Stat(paths.MarkdownPath())
	if err != nil {
		return false
	}
	return fi.Size() > t.MinDocumentBytes
}
