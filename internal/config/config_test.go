package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFromFlags(t *testing.T) {
	cfg, err := Load([]string{
		"--api-base-url=https://example.test",
		"--bot-name=bot-1",
	})
	require.NoError(t, err)
	require.Equal(t, "https://example.test", cfg.API.BaseURL)
	require.Equal(t, "bot-1", cfg.Bot.Name)
	require.Equal(t, "x86_64", cfg.Bot.CPUArch)
	require.NotEmpty(t, cfg.WorkDir)
}

func TestLoadMissingRequiredFlag(t *testing.T) {
	_, err := Load([]string{"--bot-name=bot-1"})
	require.Error(t, err)
}

func TestParseAndWriteProjectConfig(t *testing.T) {
	raw := []byte("name: widget\nrepo_url: https://example.test/widget.git\nbucket_name: widget-bucket\n")
	pc, err := ParseProjectConfig(raw)
	require.NoError(t, err)
	require.Equal(t, "widget", pc.Name)

	dir := t.TempDir()
	require.NoError(t, WriteProjectConfig(dir, pc))

	raw2, err := os.ReadFile(filepath.Join(dir, ProjectConfigRelPath))
	require.NoError(t, err)
	written, err := ParseProjectConfig(raw2)
	require.NoError(t, err)
	require.Equal(t, pc.Name, written.Name)
}

func TestParseAndWriteBotConfig(t *testing.T) {
	raw := []byte("jobs:\n  - job-a\n  - job-b\nmax_concurrent_tasks: 2\n")
	bc, err := ParseBotConfig(raw)
	require.NoError(t, err)
	require.Equal(t, []string{"job-a", "job-b"}, bc.Jobs)
	require.Equal(t, 2, bc.MaxConcurrentTasks)

	dir := t.TempDir()
	require.NoError(t, WriteBotConfig(dir, bc))
}
