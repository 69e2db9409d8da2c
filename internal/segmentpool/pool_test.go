package segmentpool

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"reelsmith/internal/faults"
	"reelsmith/internal/mediatask"
	"reelsmith/internal/store"
)

type memStore struct {
	mu       sync.Mutex
	segments map[int]*store.SegmentRecord
}

func newMemStore(segments ...store.SegmentRecord) *memStore {
	m := &memStore{segments: make(map[int]*store.SegmentRecord)}
	for i := range segments {
		seg := segments[i]
		m.segments[seg.Index] = &seg
	}
	return m
}

func (m *memStore) ListSegments(_ context.Context, _ string) ([]store.SegmentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.SegmentRecord, 0, len(m.segments))
	for i := 0; i < len(m.segments); i++ {
		out = append(out, *m.segments[i])
	}
	return out, nil
}

func (m *memStore) SetSegmentImage(_ context.Context, _ string, index int, path, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg := m.segments[index]
	seg.ImagePath = path
	seg.ImageTaskID = taskID
	seg.Status = store.SegmentImageReady
	return nil
}

func (m *memStore) SetSegmentVideo(_ context.Context, _ string, index int, path, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg := m.segments[index]
	seg.VideoPath = path
	seg.VideoTaskID = taskID
	seg.Status = store.SegmentVideoReady
	return nil
}

func (m *memStore) SetSegmentFailed(_ context.Context, _ string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments[index].Status = store.SegmentFailed
	return nil
}

func (m *memStore) get(index int) store.SegmentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.segments[index]
}

// promptClient succeeds for every prompt except those in failing.
type promptClient struct {
	mu      sync.Mutex
	submits int
	peak    int
	active  int
	failing map[string]bool
}

func (c *promptClient) Submit(_ context.Context, req mediatask.TaskRequest) (string, error) {
	c.mu.Lock()
	c.submits++
	c.active++
	if c.active > c.peak {
		c.peak = c.active
	}
	c.mu.Unlock()

	if c.failing[req.Prompt] {
		return "", errors.New("upstream rejected prompt")
	}
	return "task:" + req.Prompt, nil
}

func (c *promptClient) Poll(_ context.Context, _ string) (mediatask.Status, error) {
	time.Sleep(time.Millisecond)
	c.mu.Lock()
	c.active--
	c.mu.Unlock()
	return mediatask.StatusSucceeded, nil
}

func (c *promptClient) Fetch(_ context.Context, taskID string) ([]byte, error) {
	return []byte("artifact for " + taskID), nil
}

func (c *promptClient) submitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submits
}

func fastPool(st Store, client mediatask.Client, opts Options) *Pool {
	runner := mediatask.NewRunner(client, mediatask.RunnerOptions{
		PollInterval: time.Millisecond,
		Timeout:      time.Second,
		MaxRetries:   1,
		Backoff:      time.Millisecond,
	})
	return New(st, runner, opts)
}

func pendingSegments(n int) []store.SegmentRecord {
	segments := make([]store.SegmentRecord, n)
	for i := range segments {
		segments[i] = store.SegmentRecord{
			JobID:           "job-1",
			Index:           i,
			ImagePrompt:     fmt.Sprintf("prompt-%d", i),
			AnimationPrompt: fmt.Sprintf("motion-%d", i),
			Status:          store.SegmentImagePromptReady,
		}
	}
	return segments
}

func TestGenerateImagesCompletesAll(t *testing.T) {
	st := newMemStore(pendingSegments(10)...)
	client := &promptClient{}

	var progressCalls []int
	pool := fastPool(st, client, Options{
		Concurrency:   3,
		ProgressEvery: 5,
		Progress: func(_, _ string, done, _ int) {
			progressCalls = append(progressCalls, done)
		},
	})

	dir := t.TempDir()
	if err := pool.GenerateImages(context.Background(), "job-1", dir); err != nil {
		t.Fatalf("GenerateImages failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		seg := st.get(i)
		if seg.Status != store.SegmentImageReady {
			t.Errorf("segment %d status = %v, want image_ready", i, seg.Status)
		}
		want := filepath.Join(dir, fmt.Sprintf("seg_%03d.png", i))
		if seg.ImagePath != want {
			t.Errorf("segment %d path = %q, want %q", i, seg.ImagePath, want)
		}
	}
	if len(progressCalls) != 2 || progressCalls[0] != 5 || progressCalls[1] != 10 {
		t.Errorf("progress calls = %v, want [5 10]", progressCalls)
	}
}

func TestGenerateImagesBoundsConcurrency(t *testing.T) {
	st := newMemStore(pendingSegments(12)...)
	client := &promptClient{}
	pool := fastPool(st, client, Options{Concurrency: 3})

	if err := pool.GenerateImages(context.Background(), "job-1", t.TempDir()); err != nil {
		t.Fatalf("GenerateImages failed: %v", err)
	}
	if client.peak > 3 {
		t.Errorf("peak concurrent submissions = %d, want <= 3", client.peak)
	}
}

func TestGenerateImagesSkipsCompleted(t *testing.T) {
	segments := pendingSegments(6)
	for i := 0; i < 4; i++ {
		segments[i].ImagePath = "/already/done.png"
		segments[i].Status = store.SegmentImageReady
	}
	st := newMemStore(segments...)
	client := &promptClient{}
	pool := fastPool(st, client, Options{})

	if err := pool.GenerateImages(context.Background(), "job-1", t.TempDir()); err != nil {
		t.Fatalf("GenerateImages failed: %v", err)
	}
	if got := client.submitCount(); got != 2 {
		t.Errorf("submit count = %d, want 2 (resume skips completed)", got)
	}
}

func TestGenerateImagesPartialFailure(t *testing.T) {
	st := newMemStore(pendingSegments(8)...)
	client := &promptClient{failing: map[string]bool{"prompt-2": true, "prompt-6": true}}
	pool := fastPool(st, client, Options{})

	err := pool.GenerateImages(context.Background(), "job-1", t.TempDir())
	if err == nil {
		t.Fatal("expected stage failure")
	}
	if faults.KindOf(err) != faults.KindTransient {
		t.Errorf("error kind = %v, want transient", faults.KindOf(err))
	}
	if got := faults.SegmentOf(err); got != 2 {
		t.Errorf("failing segment = %d, want 2 (lowest index)", got)
	}

	// Completed segments are retained, failed ones are marked.
	for _, i := range []int{0, 1, 3, 4, 5, 7} {
		if st.get(i).Status != store.SegmentImageReady {
			t.Errorf("segment %d status = %v, want image_ready", i, st.get(i).Status)
		}
	}
	for _, i := range []int{2, 6} {
		if st.get(i).Status != store.SegmentFailed {
			t.Errorf("segment %d status = %v, want failed", i, st.get(i).Status)
		}
	}
}

func TestGenerateImagesMissingPrompt(t *testing.T) {
	segments := pendingSegments(3)
	segments[1].ImagePrompt = ""
	st := newMemStore(segments...)
	client := &promptClient{}
	pool := fastPool(st, client, Options{})

	err := pool.GenerateImages(context.Background(), "job-1", t.TempDir())
	if err == nil {
		t.Fatal("expected error for segment without prompt")
	}
	if faults.KindOf(err) != faults.KindFatal {
		t.Errorf("error kind = %v, want fatal", faults.KindOf(err))
	}
	if client.submitCount() != 0 {
		t.Error("no submissions should happen when preconditions fail")
	}
}

func TestAnimateImagesRequiresSourceImage(t *testing.T) {
	segments := pendingSegments(3)
	for i := range segments {
		segments[i].ImagePath = fmt.Sprintf("/imgs/%d.png", i)
		segments[i].Status = store.SegmentAnimationPromptReady
	}
	segments[1].ImagePath = ""
	st := newMemStore(segments...)
	client := &promptClient{}
	pool := fastPool(st, client, Options{})

	err := pool.AnimateImages(context.Background(), "job-1", t.TempDir())
	if err == nil {
		t.Fatal("expected error for segment without source image")
	}
	if got := faults.SegmentOf(err); got != 1 {
		t.Errorf("failing segment = %d, want 1", got)
	}
	if client.submitCount() != 0 {
		t.Error("no submissions should happen when a segment is not ready")
	}
}

func TestAnimateImagesCompletes(t *testing.T) {
	segments := pendingSegments(4)
	for i := range segments {
		segments[i].ImagePath = fmt.Sprintf("/imgs/%d.png", i)
		segments[i].Status = store.SegmentAnimationPromptReady
	}
	st := newMemStore(segments...)
	client := &promptClient{}
	pool := fastPool(st, client, Options{})

	dir := t.TempDir()
	if err := pool.AnimateImages(context.Background(), "job-1", dir); err != nil {
		t.Fatalf("AnimateImages failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		seg := st.get(i)
		if seg.Status != store.SegmentVideoReady {
			t.Errorf("segment %d status = %v, want video_ready", i, seg.Status)
		}
		if !strings.HasPrefix(seg.VideoTaskID, "task:motion-") {
			t.Errorf("segment %d task id = %q", i, seg.VideoTaskID)
		}
	}
}

func TestRunObservesCancellation(t *testing.T) {
	st := newMemStore(pendingSegments(20)...)
	client := &promptClient{}
	pool := fastPool(st, client, Options{Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pool.GenerateImages(ctx, "job-1", t.TempDir())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if client.submitCount() != 0 {
		t.Errorf("submit count = %d, want 0 after cancellation", client.submitCount())
	}
}

func TestRunNothingToDo(t *testing.T) {
	segments := pendingSegments(3)
	for i := range segments {
		segments[i].ImagePath = "/done.png"
	}
	st := newMemStore(segments...)
	client := &promptClient{}

	var called bool
	pool := fastPool(st, client, Options{Progress: func(_, _ string, done, total int) {
		called = true
		if done != total {
			t.Errorf("progress = %d/%d, want full", done, total)
		}
	}})

	if err := pool.GenerateImages(context.Background(), "job-1", t.TempDir()); err != nil {
		t.Fatalf("GenerateImages failed: %v", err)
	}
	if !called {
		t.Error("progress should fire once even with nothing to do")
	}
}
