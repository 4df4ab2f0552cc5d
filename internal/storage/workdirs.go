package storage

import (
	"fmt"
	"path/filepath"
)

// Well-known subdirectories of a job workspace. Processors address files
// through these names so workspace layout stays consistent across stages.
const (
	DirVideo      = "video"
	DirFrames     = "frames"
	DirCandidates = "candidates"
	DirExtracted  = "extracted"
	DirFinal      = "final"
	DirCommercial = "commercial"
)

var workSubdirs = []string{
	DirVideo, DirFrames, DirCandidates, DirExtracted, DirFinal, DirCommercial,
}

// WorkDirs is the per-job filesystem workspace. Each job attempt gets a
// sandbox rooted at <workRoot>/<jobID> with a fixed set of stage
// subdirectories. All paths handed to processors are absolute but stay
// within the sandbox.
type WorkDirs struct {
	jobID   string
	sandbox *Sandbox
}

// NewWorkDirs creates (or reopens) the workspace for a job under
// workRoot. Reopening an existing workspace is deliberate: queue
// redelivery resumes into the same directories.
func NewWorkDirs(workRoot, jobID string) (*WorkDirs, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id required for workspace")
	}
	sandbox, err := NewSandbox(filepath.Join(workRoot, jobID))
	if err != nil {
		return nil, fmt.Errorf("creating job workspace: %w", err)
	}
	for _, sub := range workSubdirs {
		if err := sandbox.MkdirAll(sub); err != nil {
			return nil, fmt.Errorf("creating workspace subdirectory %s: %w", sub, err)
		}
	}
	return &WorkDirs{jobID: jobID, sandbox: sandbox}, nil
}

// JobID returns the owning job id.
func (w *WorkDirs) JobID() string {
	return w.jobID
}

// Root returns the absolute workspace root.
func (w *WorkDirs) Root() string {
	return w.sandbox.BaseDir()
}

// Sandbox returns the underlying sandbox for direct file operations.
func (w *WorkDirs) Sandbox() *Sandbox {
	return w.sandbox
}

// Dir returns the absolute path of a named subdirectory.
func (w *WorkDirs) Dir(name string) string {
	return filepath.Join(w.sandbox.BaseDir(), name)
}

// PathIn returns the absolute path of filename inside the named
// subdirectory, rejecting names that would escape it.
func (w *WorkDirs) PathIn(dir, filename string) (string, error) {
	return w.sandbox.ResolvePath(filepath.Join(dir, filename))
}

// RelFromRoot converts an absolute path inside the workspace back to a
// sandbox-relative path.
func (w *WorkDirs) RelFromRoot(absPath string) (string, error) {
	rel, err := filepath.Rel(w.sandbox.BaseDir(), absPath)
	if err != nil {
		return "", fmt.Errorf("path outside workspace: %w", err)
	}
	if rel == ".." || filepath.IsAbs(rel) || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return "", fmt.Errorf("path outside workspace: %s", absPath)
	}
	return rel, nil
}

// Cleanup removes the whole workspace. Called on success, and on failure
// unless the retain-on-failure debug flag is set.
func (w *WorkDirs) Cleanup() error {
	root := w.sandbox.BaseDir()
	parent, err := NewSandbox(filepath.Dir(root))
	if err != nil {
		return err
	}
	return parent.RemoveAll(filepath.Base(root))
}
