package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

func testLayer(t *testing.T) (*Layer, string, string) {
	t.Helper()
	dir := t.TempDir()
	basePath := filepath.Join(dir, "system_base.md")
	overlayPath := filepath.Join(dir, "system_overlay.md")
	l, err := Open(basePath, overlayPath, logger.Default())
	require.NoError(t, err)
	return l, basePath, overlayPath
}

func TestOpenCreatesDefaultBase(t *testing.T) {
	l, basePath, _ := testLayer(t)
	require.Equal(t, defaultBase, l.GetBase())
	data, err := os.ReadFile(basePath)
	require.NoError(t, err)
	require.Equal(t, defaultBase, string(data))
}

func TestEffectiveWithoutOverlay(t *testing.T) {
	l, _, _ := testLayer(t)
	require.Equal(t, l.GetBase(), l.Effective())
}

func TestEffectiveWithOverlay(t *testing.T) {
	l, _, _ := testLayer(t)
	require.NoError(t, l.AppendOverlay("be concise"))
	require.NoError(t, l.AppendOverlay("prefer Go idioms"))

	eff := l.Effective()
	require.Contains(t, eff, l.GetBase())
	require.Contains(t, eff, overlayHeader)
	require.Contains(t, eff, "be concise")
	require.Contains(t, eff, "prefer Go idioms")
}

func TestAppendOverlayRejectsEmpty(t *testing.T) {
	l, _, _ := testLayer(t)
	err := l.AppendOverlay("   ")
	require.Error(t, err)
	require.Equal(t, apierr.CodePromptEmptyLine, apierr.CodeOf(err))
}

func TestSetBaseAndOverlayRoundTrip(t *testing.T) {
	l, _, _ := testLayer(t)
	require.NoError(t, l.SetBase("custom base"))
	require.NoError(t, l.SetOverlay("line one\nline two"))

	require.NoError(t, l.ReloadFromDisk())
	require.Equal(t, "custom base", l.GetBase())
	require.Equal(t, "line one\nline two", l.GetOverlay())
}

func TestClearOverlay(t *testing.T) {
	l, _, _ := testLayer(t)
	require.NoError(t, l.AppendOverlay("temp"))
	require.NoError(t, l.ClearOverlay())
	require.Empty(t, l.GetOverlayLines())
	require.Equal(t, l.GetBase(), l.Effective())
}
