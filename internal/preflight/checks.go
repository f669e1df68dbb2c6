// Package preflight verifies external binaries before the server
// starts. tmux is mandatory; audio capture degrades gracefully.
package preflight

import (
	"fmt"
	"os/exec"

	"github.com/peterje/periscope/internal/models"
)

// CheckAll probes PATH for the tools the server shells out to. The
// second return value is false when tmux is missing.
func CheckAll() ([]models.ToolStatus, bool) {
	tools := []models.ToolStatus{
		checkTool("tmux"),
		checkTool("ffmpeg"),
	}

	tmuxOk := false
	for _, tool := range tools {
		switch {
		case tool.Name == "tmux" && !tool.Installed:
			fmt.Println("⚠ tmux is not installed. Periscope cannot run without it.")
		case !tool.Installed:
			fmt.Printf("⚠ %s is not installed. %s features are disabled.\n", tool.Name, tool.Name)
		default:
			fmt.Printf("✓ %s found (%s)\n", tool.Name, tool.Path)
			if tool.Name == "tmux" {
				tmuxOk = true
			}
		}
	}

	return tools, tmuxOk
}

func checkTool(name string) models.ToolStatus {
	path, err := exec.LookPath(name)
	if err != nil {
		return models.ToolStatus{Name: name, Installed: false}
	}
	return models.ToolStatus{Name: name, Installed: true, Path: path}
}
