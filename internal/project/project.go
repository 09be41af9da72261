// Package project loads the locally-registered project manifest. The bridge
// consumes the manifest read-only: registrations are written by the CLI's
// project commands, never by the bridge session.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Project is one local project registration.
type Project struct {
	ID           string `json:"id"`
	MachineID    string `json:"machineId"`
	AbsolutePath string `json:"absolutePath"`
	Name         string `json:"name"`
	GitBranch    string `json:"gitBranch,omitempty"`
	GitRemoteURL string `json:"gitRemoteUrl,omitempty"`
}

// Load reads the project manifest at path. A missing file yields an empty
// list, not an error.
func Load(path string) ([]Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read project manifest %s: %w", path, err)
	}

	var projects []Project
	if err := json.Unmarshal(data, &projects); err != nil {
		return nil, fmt.Errorf("parse project manifest %s: %w", path, err)
	}
	return projects, nil
}

// ForMachine filters registrations to the given machine id.
func ForMachine(projects []Project, machineID string) []Project {
	var out []Project
	for _, p := range projects {
		if p.MachineID == machineID {
			out = append(out, p)
		}
	}
	return out
}

// NormalizePath cleans an absolute path for prefix comparison.
func NormalizePath(path string) string {
	cleaned := filepath.Clean(strings.TrimSpace(path))
	if cleaned == "." {
		return ""
	}
	return cleaned
}

// FindByLongestPrefix returns the project whose normalized absolute path is
// the longest parent of cwd. A parent is the equal path or a proper ancestor
// followed by the OS path separator. Returns nil when nothing matches.
func FindByLongestPrefix(projects []Project, cwd string) *Project {
	target := NormalizePath(cwd)
	if target == "" {
		return nil
	}

	var best *Project
	bestLen := -1
	for i := range projects {
		root := NormalizePath(projects[i].AbsolutePath)
		if root == "" {
			continue
		}
		if !isPathPrefix(root, target) {
			continue
		}
		if len(root) > bestLen {
			best = &projects[i]
			bestLen = len(root)
		}
	}
	return best
}

func isPathPrefix(root, target string) bool {
	if root == target {
		return true
	}
	if !strings.HasPrefix(target, root) {
		return false
	}
	// The prefix must end on a path boundary: /a is a parent of /a/b but not /ab.
	sep := string(os.PathSeparator)
	return strings.HasPrefix(target[len(root):], sep) || strings.HasSuffix(root, sep)
}
