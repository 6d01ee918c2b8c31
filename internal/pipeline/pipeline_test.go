package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/archivista/gazette/internal/batch"
	"github.com/archivista/gazette/internal/checkpoint"
	"github.com/archivista/gazette/internal/document"
	"github.com/archivista/gazette/internal/layout"
	"github.com/archivista/gazette/internal/ratelimit"
	"github.com/archivista/gazette/internal/remote"
	"github.com/archivista/gazette/internal/utils"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAnalyzer struct {
	mu         sync.Mutex
	calls      int
	regions    []layout.DetectedRegion
	transcript string
	err        error
	errOnCall  int // 1-based call that fails; 0 fails every call when err is set
	lastWidth  int
}

func (f *fakeAnalyzer) AnalyzeLayout(_ context.Context, img image.Image) (*layout.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastWidth = img.Bounds().Dx()
	if f.err != nil && (f.errOnCall == 0 || f.calls == f.errOnCall) {
		return nil, f.err
	}
	regions := make([]layout.DetectedRegion, len(f.regions))
	copy(regions, f.regions)
	return &layout.Analysis{Regions: regions, Transcript: f.transcript}, nil
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRecognizer struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, kind layout.RegionKind) (string, error)
}

func (f *fakeRecognizer) RecognizeRegion(_ context.Context, _ image.Image, kind layout.RegionKind) (string, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.mu.Unlock()
	return f.fn(call, kind)
}

func (f *fakeRecognizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func constantText(text string) func(int, layout.RegionKind) (string, error) {
	return func(int, layout.RegionKind) (string, error) { return text, nil }
}

func threeRegions() []layout.DetectedRegion {
	return []layout.DetectedRegion{
		{Box: layout.Box{X0: 0, Y0: 0, X1: 300, Y1: 80}, Kind: layout.KindTitle},
		{Box: layout.Box{X0: 0, Y0: 100, X1: 300, Y1: 180}, Kind: layout.KindText},
		{Box: layout.Box{X0: 0, Y0: 200, X1: 300, Y1: 280}, Kind: layout.KindText},
	}
}

func writePage(t *testing.T, dir, name string) batch.Page {
	t.Helper()
	path := filepath.Join(dir, name+".jpg")
	require.NoError(t, utils.SaveJPEG(imaging.New(300, 300, color.White), path, 85))
	return batch.Page{Name: name, ImagePath: path}
}

func testOptions(root string) Options {
	return Options{
		OutputRoot: root,
		Resume:     true,
		Controller: ratelimit.NewController(3, 0),
		Retry:      remote.Retry{MaxAttempts: 3, Base: time.Millisecond},
		Checkpoint: checkpoint.NewTracker(10, false),
		Merge:      true,
	}
}

func TestRunBothStages(t *testing.T) {
	root := t.TempDir()
	inputs := t.TempDir()
	pages := []batch.Page{writePage(t, inputs, "page_001"), writePage(t, inputs, "page_002")}

	analyzer := &fakeAnalyzer{regions: threeRegions(), transcript: "raw service markdown"}
	rec := &fakeRecognizer{fn: constantText("本報訊，此處為識別文字內容。")}

	p := New(analyzer, rec, testOptions(root))
	summary, err := p.Run(context.Background(), pages)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Done)
	assert.False(t, summary.HasFailures())
	assert.Equal(t, 2, summary.MergedPages)

	paths := layout.PagePaths{Root: root, Name: "page_001"}
	doc, err := layout.Load(paths.DocumentPath())
	require.NoError(t, err)
	assert.Len(t, doc.Regions, 3)
	for _, r := range doc.Regions {
		assert.Equal(t, layout.StatusRecognized, r.Status)
		assert.FileExists(t, paths.RegionImagePath(r.ID))
	}

	md, err := os.ReadFile(paths.MarkdownPath())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(md), "# page_001\n"))

	raw, err := os.ReadFile(paths.RawTranscriptPath())
	require.NoError(t, err)
	assert.Equal(t, "raw service markdown", string(raw))

	assert.FileExists(t, filepath.Join(root, document.MergedFileName))
}

func TestRunResumeSkipsCompletedPages(t *testing.T) {
	root := t.TempDir()
	pages := []batch.Page{writePage(t, t.TempDir(), "page_001")}
	analyzer := &fakeAnalyzer{regions: threeRegions()}
	rec := &fakeRecognizer{fn: constantText("identical run output text")}

	p := New(analyzer, rec, testOptions(root))
	_, err := p.Run(context.Background(), pages)
	require.NoError(t, err)
	analyzerCalls, recognizerCalls := analyzer.callCount(), rec.callCount()

	mdBefore, err := os.ReadFile(filepath.Join(root, "page_001.md"))
	require.NoError(t, err)

	summary, err := p.Run(context.Background(), pages)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, analyzerCalls, analyzer.callCount(), "resume must not re-analyze")
	assert.Equal(t, recognizerCalls, rec.callCount(), "resume must not re-recognize")

	mdAfter, err := os.ReadFile(filepath.Join(root, "page_001.md"))
	require.NoError(t, err)
	assert.Equal(t, mdBefore, mdAfter)
}

func TestRunNoResumeReprocesses(t *testing.T) {
	root := t.TempDir()
	pages := []batch.Page{writePage(t, t.TempDir(), "page_001")}
	analyzer := &fakeAnalyzer{regions: threeRegions()}
	rec := &fakeRecognizer{fn: constantText("text body")}

	opts := testOptions(root)
	p := New(analyzer, rec, opts)
	_, err := p.Run(context.Background(), pages)
	require.NoError(t, err)

	opts.Resume = false
	p2 := New(analyzer, rec, opts)
	summary, err := p2.Run(context.Background(), pages)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Done)
	assert.Equal(t, 2, analyzer.callCount())
}

func TestRunPermanentRegionFailureIsPartial(t *testing.T) {
	root := t.TempDir()
	pages := []batch.Page{writePage(t, t.TempDir(), "page_001")}
	analyzer := &fakeAnalyzer{regions: threeRegions()}
	rec := &fakeRecognizer{fn: func(call int, _ layout.RegionKind) (string, error) {
		if call == 0 {
			return "", &remote.APIError{Op: "recognize", StatusCode: 400, Message: "bad image"}
		}
		return "recognized body text", nil
	}}

	p := New(analyzer, rec, testOptions(root))
	summary, err := p.Run(context.Background(), pages)
	require.NoError(t, err, "a failed region must not abort the run")
	assert.Equal(t, 1, summary.Partial)

	md, err := os.ReadFile(filepath.Join(root, "page_001.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), ": no text -->", "failed region renders as an explicit gap")
}

func TestRunSegmentationFailureDoesNotStopBatch(t *testing.T) {
	root := t.TempDir()
	inputs := t.TempDir()
	pages := []batch.Page{
		writePage(t, inputs, "page_001"),
		writePage(t, inputs, "page_002"),
		writePage(t, inputs, "page_003"),
	}

	// The second page's layout call is rejected outright; permanent, so no
	// retries, and only that page may fail.
	analyzer := &fakeAnalyzer{
		regions:   threeRegions(),
		err:       &remote.APIError{Op: "layout", StatusCode: 403, Message: "forbidden"},
		errOnCall: 2,
	}
	rec := &fakeRecognizer{fn: constantText("surviving page text")}

	opts := testOptions(root)
	opts.Workers = 1 // serialize pages so the failing call lands on page_002
	p := New(analyzer, rec, opts)
	summary, err := p.Run(context.Background(), pages)
	require.NoError(t, err, "one failed page must not abort the batch")
	assert.Equal(t, 2, summary.Done)
	assert.Equal(t, 1, summary.Failed)
	assert.True(t, summary.HasFailures())
	assert.Equal(t, 3, analyzer.callCount(), "permanent failures are not retried")

	failed := layout.PagePaths{Root: root, Name: "page_002"}
	assert.NoFileExists(t, failed.DocumentPath(), "a failed page publishes no layout document")
	assert.NoFileExists(t, failed.MarkdownPath())

	for _, name := range []string{"page_001", "page_003"} {
		paths := layout.PagePaths{Root: root, Name: name}
		assert.FileExists(t, paths.DocumentPath())
		assert.FileExists(t, paths.MarkdownPath())
	}
}

func TestRunAllRegionsFailedPublishesNoMarkdown(t *testing.T) {
	root := t.TempDir()
	pages := []batch.Page{writePage(t, t.TempDir(), "page_001")}
	analyzer := &fakeAnalyzer{regions: threeRegions()}
	rec := &fakeRecognizer{fn: func(int, layout.RegionKind) (string, error) {
		return "", &remote.APIError{Op: "recognize", StatusCode: 400, Message: "bad image"}
	}}

	p := New(analyzer, rec, testOptions(root))
	summary, err := p.Run(context.Background(), pages)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Partial)

	paths := layout.PagePaths{Root: root, Name: "page_001"}
	assert.FileExists(t, paths.DocumentPath(), "the layout document keeps the failure state")
	assert.NoFileExists(t, paths.MarkdownPath(), "a page with no text publishes no document")
}

func TestRunTransientFailuresRetryThenSucceed(t *testing.T) {
	root := t.TempDir()
	pages := []batch.Page{writePage(t, t.TempDir(), "page_001")}
	analyzer := &fakeAnalyzer{regions: threeRegions()}

	// Two timeouts, then success, within the retry budget.
	var mu sync.Mutex
	failures := 2
	rec := &fakeRecognizer{fn: func(call int, _ layout.RegionKind) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return "", &remote.APIError{Op: "recognize", StatusCode: 500, Message: "upstream timeout"}
		}
		return fmt.Sprintf("region text %d", call), nil
	}}

	opts := testOptions(root)
	opts.Retry = remote.Retry{MaxAttempts: 5, Base: time.Millisecond}
	p := New(analyzer, rec, opts)
	summary, err := p.Run(context.Background(), pages)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Done)

	doc, err := layout.Load(layout.PagePaths{Root: root, Name: "page_001"}.DocumentPath())
	require.NoError(t, err)
	for _, r := range doc.Regions {
		assert.True(t, r.HasText(), "region %s", r.ID)
	}
}

func TestRunWholePageFallback(t *testing.T) {
	root := t.TempDir()
	pages := []batch.Page{writePage(t, t.TempDir(), "page_001")}
	analyzer := &fakeAnalyzer{regions: nil} // service found nothing
	rec := &fakeRecognizer{fn: constantText("whole page transcription")}

	p := New(analyzer, rec, testOptions(root))
	summary, err := p.Run(context.Background(), pages)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Done)

	doc, err := layout.Load(layout.PagePaths{Root: root, Name: "page_001"}.DocumentPath())
	require.NoError(t, err)
	require.Len(t, doc.Regions, 1)
	assert.Equal(t, layout.Box{X0: 0, Y0: 0, X1: 300, Y1: 300}, doc.Regions[0].Box)
}

func TestRunStageTwoOnlyRequiresLayout(t *testing.T) {
	root := t.TempDir()
	analyzer := &fakeAnalyzer{}
	rec := &fakeRecognizer{fn: constantText("text")}

	opts := testOptions(root)
	opts.Selector = SelectRecognition
	p := New(analyzer, rec, opts)

	summary, err := p.Run(context.Background(), []batch.Page{{Name: "orphan"}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.True(t, summary.HasFailures())
	assert.Equal(t, 0, analyzer.callCount())
}

func TestRunSegmentationOnly(t *testing.T) {
	root := t.TempDir()
	pages := []batch.Page{writePage(t, t.TempDir(), "page_001")}
	analyzer := &fakeAnalyzer{regions: threeRegions()}
	rec := &fakeRecognizer{fn: constantText("text")}

	opts := testOptions(root)
	opts.Selector = SelectSegmentation
	p := New(analyzer, rec, opts)
	summary, err := p.Run(context.Background(), pages)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Done)
	assert.Equal(t, 0, rec.callCount())
	assert.NoFileExists(t, filepath.Join(root, "page_001.md"))
	assert.NoFileExists(t, filepath.Join(root, document.MergedFileName))
}

func TestParseSelector(t *testing.T) {
	for in, want := range map[string]Selector{"": SelectBoth, "both": SelectBoth, "1": SelectSegmentation, "2": SelectRecognition} {
		got, err := ParseSelector(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSelector("3")
	assert.Error(t, err)
}
