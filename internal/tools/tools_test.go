package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryAllowlistRestrictsLookup(t *testing.T) {
	reg := NewRegistry([]string{"read_file"})
	reg.Register("read_file", func(ctx context.Context, args map[string]any) Result { return ok(nil) })
	reg.Register("write_file", func(ctx context.Context, args map[string]any) Result { return ok(nil) })

	_, found := reg.Lookup("read_file")
	require.True(t, found)

	_, found = reg.Lookup("write_file")
	require.False(t, found)
}

func TestRegistryNilAllowlistPermitsAll(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register("anything", func(ctx context.Context, args map[string]any) Result { return ok(nil) })

	_, found := reg.Lookup("anything")
	require.True(t, found)
}

func TestRegistryCallNotFound(t *testing.T) {
	reg := NewRegistry(nil)
	res := reg.Call(context.Background(), "missing", nil)
	require.False(t, res.OK)
	require.Equal(t, "tool.not_found", res.Error)
}

func TestFSToolsReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fsTools := NewFSTools(dir)
	ctx := context.Background()

	res := fsTools.WriteFile(ctx, map[string]any{"path": "note.txt", "content": "hello"})
	require.True(t, res.OK)

	res = fsTools.ReadFile(ctx, map[string]any{"path": "note.txt"})
	require.True(t, res.OK)
	require.Equal(t, "hello", res.Value)
}

func TestFSToolsReadFileNotFound(t *testing.T) {
	dir := t.TempDir()
	fsTools := NewFSTools(dir)
	res := fsTools.ReadFile(context.Background(), map[string]any{"path": "nope.txt"})
	require.False(t, res.OK)
	require.Equal(t, "fs.not_found", res.Error)
}

func TestFSToolsRejectsEscapingSandbox(t *testing.T) {
	dir := t.TempDir()
	fsTools := NewFSTools(dir)
	res := fsTools.ReadFile(context.Background(), map[string]any{"path": "../../etc/passwd"})
	require.False(t, res.OK)
	require.Equal(t, "fs.access_denied", res.Error)
}

func TestFSToolsListDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	fsTools := NewFSTools(dir)
	res := fsTools.ListDir(context.Background(), map[string]any{"path": "."})
	require.True(t, res.OK)

	entries, ok := res.Value.([]DirEntry)
	require.True(t, ok)
	require.Len(t, entries, 2)
}

func TestExecToolsRunCommand(t *testing.T) {
	dir := t.TempDir()
	execTools := NewExecTools(dir, 5*time.Second)

	res := execTools.RunCommand(context.Background(), map[string]any{
		"command": "echo",
		"args":    []any{"hi"},
	})
	require.True(t, res.OK)

	cmdRes, ok := res.Value.(CommandResult)
	require.True(t, ok)
	require.Equal(t, 0, cmdRes.ExitCode)
}

func TestExecToolsRequiresCommand(t *testing.T) {
	execTools := NewExecTools(t.TempDir(), 0)
	res := execTools.RunCommand(context.Background(), map[string]any{})
	require.False(t, res.OK)
	require.Equal(t, "exec.bad_args", res.Error)
}

func TestRegisterBuiltinsWiresAllFourTools(t *testing.T) {
	reg := NewRegistry(nil)
	RegisterBuiltins(reg, t.TempDir(), 0)

	for _, name := range []string{"read_file", "write_file", "list_dir", "run_command"} {
		_, found := reg.Lookup(name)
		require.True(t, found, "expected %s to be registered", name)
	}
}
