// Package artifacts manages per-job working directories and the
// optional cloud mirror of finished videos.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace lays out one directory tree per job:
//
//	<root>/<jobID>/images/
//	<root>/<jobID>/videos/
//	<root>/<jobID>/audio/
//	<root>/<jobID>/final/
type Workspace struct {
	root string
}

func NewWorkspace(root string) (*Workspace, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Workspace{root: root}, nil
}

// JobDirs creates (or reuses) the directory tree for a job.
func (w *Workspace) JobDirs(jobID string) (JobDirs, error) {
	dirs := JobDirs{
		Root:   filepath.Join(w.root, jobID),
		Images: filepath.Join(w.root, jobID, "images"),
		Videos: filepath.Join(w.root, jobID, "videos"),
		Audio:  filepath.Join(w.root, jobID, "audio"),
		Final:  filepath.Join(w.root, jobID, "final"),
	}
	for _, dir := range []string{dirs.Images, dirs.Videos, dirs.Audio, dirs.Final} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return JobDirs{}, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return dirs, nil
}

type JobDirs struct {
	Root   string
	Images string
	Videos string
	Audio  string
	Final  string
}

func (d JobDirs) AudioPath() string  { return filepath.Join(d.Audio, "narration.mp3") }
func (d JobDirs) SilentPath() string { return filepath.Join(d.Final, "silent.mp4") }
func (d JobDirs) FinalPath() string  { return filepath.Join(d.Final, "final.mp4") }

// CompressedPath is the fallback output when the final video exceeds the
// size cap.
func (d JobDirs) CompressedPath() string { return filepath.Join(d.Final, "final_compressed.mp4") }

// Cleanup removes everything the job produced on disk.
func (w *Workspace) Cleanup(jobID string) error {
	if err := os.RemoveAll(filepath.Join(w.root, jobID)); err != nil {
		return fmt.Errorf("cleanup job %s: %w", jobID, err)
	}
	return nil
}
