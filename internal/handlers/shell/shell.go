// Package shell provides a task handler that runs a command and captures
// its combined output.
package shell

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/gseismic/qtask-nano/internal/worker"
)

// Handler executes params as a shell command:
//
//	{"command": "echo", "args": ["hello"]}
//
// The result carries the combined stdout/stderr under "output".
func Handler(ctx context.Context, params map[string]any) (map[string]any, error) {
	command, _ := params["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}
	var args []string
	if raw, ok := params["args"].([]any); ok {
		for _, a := range raw {
			args = append(args, fmt.Sprint(a))
		}
	}
	cmd := exec.CommandContext(ctx, command, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return map[string]any{"output": string(out)}, nil
}

var _ worker.Handler = Handler
