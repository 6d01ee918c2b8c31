package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archivista/gazette/internal/config"
	"github.com/archivista/gazette/internal/pipeline"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := GetRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSubcommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range GetRootCommand().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "recover", "merge", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "gazette")
}

func TestMergeCommand(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("# a\n\nalpha\n"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("# b\n\nbeta\n"), 0o640))

	out, err := execute(t, "merge", "-o", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "merged 2 page documents")
	assert.FileExists(t, filepath.Join(dir, "merged.md"))
}

func TestProgressSinkSelection(t *testing.T) {
	cfg := config.DefaultConfig()

	opts := pipelineOptions(runCmd, &cfg, t.TempDir(), pipeline.SelectBoth, true, true)
	_, isConsole := opts.Progress.(*pipeline.ConsoleProgress)
	assert.True(t, isConsole, "default progress sink is the console bar")

	require.NoError(t, runCmd.Flags().Set("log-progress", "true"))
	t.Cleanup(func() { _ = runCmd.Flags().Set("log-progress", "false") })
	opts = pipelineOptions(runCmd, &cfg, t.TempDir(), pipeline.SelectBoth, true, true)
	_, isLog := opts.Progress.(*pipeline.LogProgress)
	assert.True(t, isLog, "--log-progress selects the slog sink")
}

func TestRunRequiresConfiguredServices(t *testing.T) {
	_, err := execute(t, "run", "-o", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "layout service not configured")
}
