package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// FSTools holds a sandbox root directory; every path argument to its
// tool functions is resolved relative to (and confined within) this
// directory.
type FSTools struct {
	root string
}

// NewFSTools builds FSTools rooted at root.
func NewFSTools(root string) *FSTools {
	return &FSTools{root: root}
}

// safePath resolves path (absolute or relative) against the sandbox
// root and rejects anything that would escape it via "..".
func (f *FSTools) safePath(path string) (string, bool) {
	rootAbs, err := filepath.Abs(f.root)
	if err != nil {
		return "", false
	}
	var candidate string
	if filepath.IsAbs(path) {
		candidate = path
	} else {
		candidate = filepath.Join(rootAbs, path)
	}
	resolved, err := filepath.Abs(candidate)
	if err != nil {
		return "", false
	}
	if resolved != rootAbs && !strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
		return "", false
	}
	return resolved, true
}

func argString(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ReadFile implements the "read_file" tool: {path} -> file contents.
func (f *FSTools) ReadFile(ctx context.Context, args map[string]any) Result {
	path, ok := argString(args, "path")
	if !ok {
		return fail("fs.bad_args", "read_file requires a string 'path' argument")
	}
	safe, ok := f.safePath(path)
	if !ok {
		return fail("fs.access_denied", "path is outside the sandbox: "+path)
	}

	info, err := os.Stat(safe)
	if os.IsNotExist(err) {
		return fail("fs.not_found", "file not found: "+path)
	}
	if err != nil {
		return fail("fs.read_error", err.Error())
	}
	if info.IsDir() {
		return fail("fs.not_file", "path is not a file: "+path)
	}

	data, err := os.ReadFile(safe)
	if os.IsPermission(err) {
		return fail("fs.permission_denied", "permission denied: "+path)
	}
	if err != nil {
		return fail("fs.read_error", err.Error())
	}
	return ok2(string(data))
}

// WriteFile implements the "write_file" tool: {path, content, append?}.
func (f *FSTools) WriteFile(ctx context.Context, args map[string]any) Result {
	path, ok := argString(args, "path")
	if !ok {
		return fail("fs.bad_args", "write_file requires a string 'path' argument")
	}
	content, _ := argString(args, "content")
	appendMode, _ := args["append"].(bool)

	safe, ok := f.safePath(path)
	if !ok {
		return fail("fs.access_denied", "path is outside the sandbox: "+path)
	}

	if err := os.MkdirAll(filepath.Dir(safe), 0o755); err != nil {
		return fail("fs.write_error", err.Error())
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendMode {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	file, err := os.OpenFile(safe, flags, 0o644)
	if os.IsPermission(err) {
		return fail("fs.permission_denied", "permission denied: "+path)
	}
	if err != nil {
		return fail("fs.write_error", err.Error())
	}
	defer file.Close()

	if _, err := file.WriteString(content); err != nil {
		return fail("fs.write_error", err.Error())
	}
	return ok2(nil)
}

// DirEntry is a single entry reported by the "list_dir" tool.
type DirEntry struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	IsFile     bool   `json:"is_file"`
	IsDir      bool   `json:"is_dir"`
	Size       int64  `json:"size"`
	ModifiedAt int64  `json:"modified_at"`
}

// ListDir implements the "list_dir" tool: {path} -> []DirEntry.
func (f *FSTools) ListDir(ctx context.Context, args map[string]any) Result {
	path, ok := args["path"].(string)
	if !ok {
		path = "."
	}
	safe, ok := f.safePath(path)
	if !ok {
		return fail("fs.access_denied", "path is outside the sandbox: "+path)
	}

	info, err := os.Stat(safe)
	if os.IsNotExist(err) {
		return fail("fs.not_found", "directory not found: "+path)
	}
	if err != nil {
		return fail("fs.read_error", err.Error())
	}
	if !info.IsDir() {
		return fail("fs.not_directory", "path is not a directory: "+path)
	}

	entries, err := os.ReadDir(safe)
	if err != nil {
		return fail("fs.read_error", err.Error())
	}

	result := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(safe, filepath.Join(safe, e.Name()))
		if err != nil {
			rel = e.Name()
		}
		result = append(result, DirEntry{
			Name:       e.Name(),
			Path:       rel,
			IsFile:     !e.IsDir(),
			IsDir:      e.IsDir(),
			Size:       fi.Size(),
			ModifiedAt: fi.ModTime().Unix(),
		})
	}
	return ok2(result)
}

func ok2(value any) Result { return ok(value) }
