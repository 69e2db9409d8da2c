// Package segmentpool fans segment generation out over a bounded worker
// pool. Workers report completions on a channel; a single aggregator
// owns the counters, so progress reporting needs no locks.
package segmentpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"reelsmith/internal/faults"
	"reelsmith/internal/mediatask"
	"reelsmith/internal/store"
)

// ProgressFunc is called from the aggregator as segments complete.
type ProgressFunc func(jobID, phase string, done, total int)

// Store is the persistence surface the pool needs. Satisfied by
// *store.Store.
type Store interface {
	ListSegments(ctx context.Context, jobID string) ([]store.SegmentRecord, error)
	SetSegmentImage(ctx context.Context, jobID string, index int, path, taskID string) error
	SetSegmentVideo(ctx context.Context, jobID string, index int, path, taskID string) error
	SetSegmentFailed(ctx context.Context, jobID string, index int) error
}

type Pool struct {
	store         Store
	runner        *mediatask.Runner
	concurrency   int
	progressEvery int
	progress      ProgressFunc
}

type Options struct {
	Concurrency   int
	ProgressEvery int
	Progress      ProgressFunc
}

func New(st Store, runner *mediatask.Runner, opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 5
	}
	if opts.Progress == nil {
		opts.Progress = func(jobID, phase string, done, total int) {
			slog.Info("Segment progress", "job", jobID, "phase", phase, "done", done, "total", total)
		}
	}
	return &Pool{
		store:         st,
		runner:        runner,
		concurrency:   opts.Concurrency,
		progressEvery: opts.ProgressEvery,
		progress:      opts.Progress,
	}
}

// segmentJob is one unit handed to a worker. prepare builds the external
// request; persist records the artifact once written to disk.
type segmentJob struct {
	jobID   string
	index   int
	request mediatask.TaskRequest
	outPath string
	persist func(ctx context.Context, path, taskID string) error
}

type completion struct {
	index int
	err   error
}

// GenerateImages produces an image for every segment that does not have
// one yet, writing artifacts under imagesDir. Already-completed segments
// are skipped, so a resumed job only pays for what is missing.
func (p *Pool) GenerateImages(ctx context.Context, jobID, imagesDir string) error {
	segments, err := p.store.ListSegments(ctx, jobID)
	if err != nil {
		return err
	}

	var jobs []segmentJob
	for _, seg := range segments {
		if seg.ImagePath != "" {
			continue
		}
		if seg.ImagePrompt == "" {
			return faults.Newf(faults.KindFatal,
				"segment %d has no image prompt", seg.Index).AtSegment(seg.Index)
		}
		index := seg.Index
		jobs = append(jobs, segmentJob{
			jobID: jobID,
			index: index,
			request: mediatask.TaskRequest{
				Kind:   mediatask.KindImage,
				Prompt: seg.ImagePrompt,
			},
			outPath: filepath.Join(imagesDir, fmt.Sprintf("seg_%03d.png", index)),
			persist: func(ctx context.Context, path, taskID string) error {
				return p.store.SetSegmentImage(ctx, jobID, index, path, taskID)
			},
		})
	}

	return p.run(ctx, jobID, "images", jobs, len(segments))
}

// AnimateImages produces a video clip for every segment that has an
// image but no clip yet, writing artifacts under videosDir. A segment
// whose source image is missing fails immediately without an external
// round trip.
func (p *Pool) AnimateImages(ctx context.Context, jobID, videosDir string) error {
	segments, err := p.store.ListSegments(ctx, jobID)
	if err != nil {
		return err
	}

	var jobs []segmentJob
	for _, seg := range segments {
		if seg.VideoPath != "" {
			continue
		}
		if seg.ImagePath == "" || seg.AnimationPrompt == "" {
			return faults.Newf(faults.KindFatal,
				"segment %d not ready for animation", seg.Index).AtSegment(seg.Index)
		}
		index := seg.Index
		jobs = append(jobs, segmentJob{
			jobID: jobID,
			index: index,
			request: mediatask.TaskRequest{
				Kind:      mediatask.KindAnimation,
				Prompt:    seg.AnimationPrompt,
				ImagePath: seg.ImagePath,
			},
			outPath: filepath.Join(videosDir, fmt.Sprintf("seg_%03d.mp4", index)),
			persist: func(ctx context.Context, path, taskID string) error {
				return p.store.SetSegmentVideo(ctx, jobID, index, path, taskID)
			},
		})
	}

	return p.run(ctx, jobID, "videos", jobs, len(segments))
}

// run executes jobs on the bounded pool and aggregates completions.
// Every completed segment is persisted individually, so a failure mid
// batch loses nothing already done. The returned error names the lowest
// failing index.
func (p *Pool) run(ctx context.Context, jobID, phase string, jobs []segmentJob, total int) error {
	if len(jobs) == 0 {
		p.progress(jobID, phase, total, total)
		return nil
	}

	completions := make(chan completion, len(jobs))
	semaphore := make(chan struct{}, p.concurrency)

	for _, job := range jobs {
		go func(j segmentJob) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			// No new submissions once the job is being torn down.
			select {
			case <-ctx.Done():
				completions <- completion{index: j.index, err: ctx.Err()}
				return
			default:
			}

			completions <- completion{index: j.index, err: p.runSegment(ctx, j)}
		}(job)
	}

	done := total - len(jobs)
	var (
		failedIndex = -1
		failedErr   error
		cancelled   error
	)
	for range jobs {
		c := <-completions
		if c.err != nil {
			if errors.Is(c.err, context.Canceled) || errors.Is(c.err, context.DeadlineExceeded) {
				cancelled = c.err
				continue
			}
			slog.Warn("Segment failed", "job", jobID, "phase", phase, "segment", c.index, "error", c.err)
			if failedIndex == -1 || c.index < failedIndex {
				failedIndex = c.index
				failedErr = c.err
			}
			continue
		}

		done++
		if done%p.progressEvery == 0 || done == total {
			p.progress(jobID, phase, done, total)
		}
	}

	if failedErr != nil {
		return annotate(failedErr, failedIndex)
	}
	if cancelled != nil {
		return cancelled
	}
	return nil
}

func (p *Pool) runSegment(ctx context.Context, job segmentJob) error {
	result, err := p.runner.SubmitAndWait(ctx, job.request)
	if err != nil {
		if ctx.Err() == nil {
			if markErr := p.store.SetSegmentFailed(ctx, job.jobID, job.index); markErr != nil {
				slog.Error("Failed to mark segment failed", "segment", job.index, "error", markErr)
			}
		}
		return err
	}

	if err := os.WriteFile(job.outPath, result.Artifact, 0o644); err != nil {
		return fmt.Errorf("write artifact for segment %d: %w", job.index, err)
	}
	return job.persist(ctx, job.outPath, result.TaskID)
}

func annotate(err error, index int) error {
	var fe *faults.Error
	if errors.As(err, &fe) {
		return fe.AtSegment(index)
	}
	return faults.New(faults.KindFatal, err).AtSegment(index)
}
