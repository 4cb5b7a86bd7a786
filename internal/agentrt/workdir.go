package agentrt

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// defaultWorktreeDirName holds created worktrees inside the repository root.
const defaultWorktreeDirName = ".xpod-worktrees"

// resolveWorkdir turns a workspace spec into the agent's working directory.
// Path workspaces must already exist; git workspaces resolve or create a
// worktree under the repository. Worktrees are never deleted by the
// runtime.
func resolveWorkdir(ws Workspace, threadID string) (string, error) {
	switch ws.Type {
	case "path":
		if ws.RootPath == "" {
			return "", fmt.Errorf("workspace rootPath is required")
		}
		if err := requireDir(ws.RootPath); err != nil {
			return "", err
		}
		return ws.RootPath, nil

	case "git":
		return resolveGitWorkdir(ws, threadID)

	default:
		return "", fmt.Errorf("unknown workspace type %q", ws.Type)
	}
}

func resolveGitWorkdir(ws Workspace, threadID string) (string, error) {
	if ws.RootPath == "" {
		return "", fmt.Errorf("workspace rootPath is required")
	}
	wt := ws.Worktree
	if wt == nil {
		return "", fmt.Errorf("git workspace requires a worktree spec")
	}

	switch wt.Mode {
	case "existing":
		if wt.Path == "" {
			return "", fmt.Errorf("existing worktree requires a path")
		}
		if err := requireDir(wt.Path); err != nil {
			return "", err
		}
		return wt.Path, nil

	case "create":
		if err := requireDir(filepath.Join(ws.RootPath, ".git")); err != nil {
			return "", fmt.Errorf("%s is not a git repository root", ws.RootPath)
		}

		dirName := wt.RootDirName
		if dirName == "" {
			dirName = defaultWorktreeDirName
		}
		path := filepath.Join(ws.RootPath, dirName, threadID)
		if err := ensureInside(ws.RootPath, path); err != nil {
			return "", err
		}

		// Reuse across restarts is expected; the worktree is write-once.
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return path, nil
		}

		baseRef := wt.BaseRef
		if baseRef == "" {
			baseRef = "main"
		}
		args := []string{"-C", ws.RootPath, "worktree", "add"}
		if wt.Branch != "" {
			args = append(args, "-b", wt.Branch)
		}
		args = append(args, path, baseRef)

		cmd := exec.Command("git", args...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("git worktree add: %w: %s", err, strings.TrimSpace(string(out)))
		}
		return path, nil

	default:
		return "", fmt.Errorf("unknown worktree mode %q", wt.Mode)
	}
}

// ensureInside rejects paths that escape the repository root.
func ensureInside(root, path string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve repo root: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve worktree path: %w", err)
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("worktree path %s escapes repository %s", path, root)
	}
	return nil
}

func requireDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("path %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path %s is not a directory", path)
	}
	return nil
}
