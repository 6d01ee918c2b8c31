package checkpoint

import (
	"os"
	"strings"
	"testing"

	"github.com/archivista/gazette/internal/layout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pageWithLayout(t *testing.T) layout.PagePaths {
	t.Helper()
	paths := layout.PagePaths{Root: t.TempDir(), Name: "page_01"}
	doc := layout.NewDocument("page_01", 100, 100, []layout.DetectedRegion{
		{Box: layout.Box{X0: 0, Y0: 0, X1: 100, Y1: 100}, Kind: layout.KindText},
	})
	require.NoError(t, doc.Save(paths.DocumentPath()))
	return paths
}

func TestShouldSkipSegmentation(t *testing.T) {
	paths := pageWithLayout(t)
	tr := NewTracker(0, false)

	assert.True(t, tr.ShouldSkip(paths, StageSegmentation))

	missing := layout.PagePaths{Root: t.TempDir(), Name: "other"}
	assert.False(t, tr.ShouldSkip(missing, StageSegmentation))
}

func TestShouldSkipSegmentationRejectsCorruptLayout(t *testing.T) {
	paths := layout.PagePaths{Root: t.TempDir(), Name: "page_01"}
	require.NoError(t, os.MkdirAll(paths.Dir(), 0o750))
	require.NoError(t, os.WriteFile(paths.DocumentPath(), []byte("{truncated"), 0o600))

	tr := NewTracker(0, false)
	assert.False(t, tr.ShouldSkip(paths, StageSegmentation))
}

func TestShouldSkipRecognition(t *testing.T) {
	paths := layout.PagePaths{Root: t.TempDir(), Name: "page_01"}
	tr := NewTracker(100, false)

	// No document at all.
	assert.False(t, tr.ShouldSkip(paths, StageRecognition))

	// Exists but below the plausibility floor.
	require.NoError(t, os.WriteFile(paths.MarkdownPath(), []byte("# page_01\n"), 0o600))
	assert.False(t, tr.ShouldSkip(paths, StageRecognition))

	// Clears the floor.
	body := "# page_01\n\n" + strings.Repeat("正文內容 ", 40)
	require.NoError(t, os.WriteFile(paths.MarkdownPath(), []byte(body), 0o600))
	assert.True(t, tr.ShouldSkip(paths, StageRecognition))
}

func TestForceBypassesAllChecks(t *testing.T) {
	paths := pageWithLayout(t)
	require.NoError(t, os.WriteFile(paths.MarkdownPath(), []byte(strings.Repeat("x", 2000)), 0o600))

	tr := NewTracker(0, true)
	assert.False(t, tr.ShouldSkip(paths, StageSegmentation))
	assert.False(t, tr.ShouldSkip(paths, StageRecognition))
}

func TestNewTrackerDefaultFloor(t *testing.T) {
	tr := NewTracker(0, false)
	assert.Equal(t, int64(DefaultMinDocumentBytes), tr.MinDocumentBytes)
}
