package tools

import "time"

// RegisterBuiltins wires the standard filesystem and process tools
// into reg, sandboxed to root. commandTimeout configures the default
// "run_command" timeout (0 selects ExecTools' own default).
func RegisterBuiltins(reg *Registry, root string, commandTimeout time.Duration) {
	fsTools := NewFSTools(root)
	execTools := NewExecTools(root, commandTimeout)

	reg.Register("read_file", fsTools.ReadFile)
	reg.Register("write_file", fsTools.WriteFile)
	reg.Register("list_dir", fsTools.ListDir)
	reg.Register("run_command", execTools.RunCommand)
}
