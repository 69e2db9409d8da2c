package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"reelsmith/internal/approval"
	"reelsmith/internal/artifacts"
	"reelsmith/internal/faults"
	"reelsmith/internal/speech"
	"reelsmith/internal/store"
)

type fakeGenerator struct {
	mu          sync.Mutex
	scriptCalls int
	imageCalls  int
	animCalls   int
}

func (f *fakeGenerator) GenerateScript(_ context.Context, topic string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scriptCalls++
	var b strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "Sentence %d about %s. ", i, topic)
	}
	return b.String(), nil
}

func (f *fakeGenerator) ImagePrompt(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imageCalls++
	return "img: " + text, nil
}

func (f *fakeGenerator) AnimationPrompt(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.animCalls++
	return "anim: " + text, nil
}

// fakePool marks segments ready directly in the store. failImagesAt
// injects a permanent failure at that index for the given number of
// stage calls.
type fakePool struct {
	store *store.Store

	mu           sync.Mutex
	imageCalls   int
	animateCalls int
	failImagesAt int
	failTimes    int
}

func (f *fakePool) GenerateImages(ctx context.Context, jobID, imagesDir string) error {
	f.mu.Lock()
	f.imageCalls++
	shouldFail := f.failTimes > 0
	if shouldFail {
		f.failTimes--
	}
	failAt := f.failImagesAt
	f.mu.Unlock()

	segments, err := f.store.ListSegments(ctx, jobID)
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if seg.ImagePath != "" {
			continue
		}
		if shouldFail && seg.Index == failAt {
			_ = f.store.SetSegmentFailed(ctx, jobID, seg.Index)
			return faults.Newf(faults.KindTransient, "image task exhausted retries").AtSegment(seg.Index)
		}
		path := filepath.Join(imagesDir, fmt.Sprintf("seg_%03d.png", seg.Index))
		if err := f.store.SetSegmentImage(ctx, jobID, seg.Index, path, "task-img"); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakePool) AnimateImages(ctx context.Context, jobID, videosDir string) error {
	f.mu.Lock()
	f.animateCalls++
	f.mu.Unlock()

	segments, err := f.store.ListSegments(ctx, jobID)
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if seg.VideoPath != "" {
			continue
		}
		path := filepath.Join(videosDir, fmt.Sprintf("seg_%03d.mp4", seg.Index))
		if err := f.store.SetSegmentVideo(ctx, jobID, seg.Index, path, "task-vid"); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakePool) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.imageCalls, f.animateCalls
}

type fakeTTS struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeTTS) Synthesize(_ context.Context, _ string) (*speech.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &speech.Result{Audio: []byte("mp3"), Duration: 237.5}, nil
}

// fakeAssembler writes marker files and reports scripted sizes.
type fakeAssembler struct {
	mu             sync.Mutex
	concatCalls    int
	muxCalls       int
	compressCalls  int
	muxedSizeMB    float64
	compressedSize float64
}

func (f *fakeAssembler) Concatenate(_ context.Context, clips []string, out string) error {
	f.mu.Lock()
	f.concatCalls++
	f.mu.Unlock()
	return os.WriteFile(out, []byte(strings.Join(clips, "\n")), 0o644)
}

func (f *fakeAssembler) MuxAudio(_ context.Context, video, audio, out string) error {
	f.mu.Lock()
	f.muxCalls++
	f.mu.Unlock()
	return os.WriteFile(out, []byte(video+"+"+audio), 0o644)
}

func (f *fakeAssembler) Compress(_ context.Context, in, out string, _ int) error {
	f.mu.Lock()
	f.compressCalls++
	f.mu.Unlock()
	return os.WriteFile(out, []byte("compressed "+in), 0o644)
}

func (f *fakeAssembler) VideoDuration(_ context.Context, _ string) (float64, error) {
	return 240.0, nil
}

func (f *fakeAssembler) FileSizeMB(path string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.Contains(path, "compressed") {
		return f.compressedSize, nil
	}
	return f.muxedSizeMB, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) JobEvent(_ context.Context, _ string, event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingNotifier) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

type testRig struct {
	store     *store.Store
	gate      *approval.Gate
	gen       *fakeGenerator
	pool      *fakePool
	tts       *fakeTTS
	asm       *fakeAssembler
	notifier  *recordingNotifier
	workspace *artifacts.Workspace
	orch      *Orchestrator
}

func newRig(t *testing.T, gateTimeout time.Duration, maxRetries int) *testRig {
	t.Helper()

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ws, err := artifacts.NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}

	gate := approval.NewGate(st, approval.Options{
		Timeout:  gateTimeout,
		Interval: 5 * time.Millisecond,
		TTL:      time.Minute,
	})

	rig := &testRig{
		store:     st,
		gate:      gate,
		gen:       &fakeGenerator{},
		pool:      &fakePool{store: st},
		tts:       &fakeTTS{},
		asm:       &fakeAssembler{muxedSizeMB: 20},
		notifier:  &recordingNotifier{},
		workspace: ws,
	}
	rig.orch = NewOrchestrator(OrchestratorOptions{
		Store:           st,
		Gate:            gate,
		Generator:       rig.gen,
		Pool:            rig.pool,
		TTS:             rig.tts,
		Assembler:       rig.asm,
		Workspace:       ws,
		Notifier:        rig.notifier,
		SegmentCount:    10,
		SegmentDuration: 5,
		TargetDuration:  50,
		MaxVideoSizeMB:  50,
		MaxRetries:      maxRetries,
	})
	return rig
}

func (r *testRig) createJob(t *testing.T, id string) {
	t.Helper()
	if _, err := r.store.CreateJob(context.Background(), id, "user-1", "chan-1", "a product video"); err != nil {
		t.Fatalf("create job: %v", err)
	}
}

// approveAll answers every checkpoint as soon as it opens.
func (r *testRig) approveAll(ctx context.Context, t *testing.T, jobID string) {
	t.Helper()
	stages := []store.ApprovalStage{store.ApprovalScript, store.ApprovalImages, store.ApprovalVideos}
	go func() {
		for _, stage := range stages {
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Millisecond):
				}
				rec, err := r.store.GetApproval(ctx, jobID, stage)
				if err != nil || rec.Decision != store.DecisionPending {
					if err == nil {
						break
					}
					continue
				}
				if err := r.gate.RecordDecision(ctx, jobID, stage, store.DecisionApproved); err == nil {
					break
				}
			}
		}
	}()
}

// decideAt records one decision as soon as the given checkpoint opens.
func (r *testRig) decideAt(ctx context.Context, t *testing.T, jobID string, stage store.ApprovalStage, decision store.Decision) {
	t.Helper()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
			if _, err := r.store.GetApproval(ctx, jobID, stage); err != nil {
				continue
			}
			_ = r.gate.RecordDecision(ctx, jobID, stage, decision)
			return
		}
	}()
}

func TestHappyPath(t *testing.T) {
	rig := newRig(t, 5*time.Second, 3)
	rig.createJob(t, "job-a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.approveAll(ctx, t, "job-a")

	if err := rig.orch.Execute(context.Background(), "job-a"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	job, err := rig.store.GetJob(context.Background(), "job-a")
	if err != nil {
		t.Fatal(err)
	}
	if job.Stage != store.StageCompleted {
		t.Fatalf("stage = %v, want completed", job.Stage)
	}
	if job.FinalVideoPath == "" {
		t.Error("final video path not recorded")
	}
	if job.FinalVideoDuration != 240.0 {
		t.Errorf("final duration = %v, want 240", job.FinalVideoDuration)
	}
	if job.AudioDuration != 237.5 {
		t.Errorf("audio duration = %v, want 237.5", job.AudioDuration)
	}

	counts, err := rig.store.CountSegments(context.Background(), "job-a")
	if err != nil {
		t.Fatal(err)
	}
	if counts.Total != 10 || counts.VideoReady != 10 {
		t.Errorf("counts = %+v, want 10 total, 10 video_ready", counts)
	}

	images, animates := rig.pool.calls()
	if images != 1 || animates != 1 {
		t.Errorf("pool calls = %d/%d, want 1/1", images, animates)
	}
	if !rig.notifier.has(EventCompleted) {
		t.Error("completed event not emitted")
	}
}

func TestRejectAtScriptCancels(t *testing.T) {
	rig := newRig(t, 5*time.Second, 3)
	rig.createJob(t, "job-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.decideAt(ctx, t, "job-b", store.ApprovalScript, store.DecisionCancelled)

	if err := rig.orch.Execute(context.Background(), "job-b"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	job, err := rig.store.GetJob(context.Background(), "job-b")
	if err != nil {
		t.Fatal(err)
	}
	if job.Stage != store.StageCancelled {
		t.Fatalf("stage = %v, want cancelled", job.Stage)
	}
	if job.ScriptText != "" {
		t.Error("script artifact should be cleared")
	}

	counts, err := rig.store.CountSegments(context.Background(), "job-b")
	if err != nil {
		t.Fatal(err)
	}
	if counts.Total != 0 {
		t.Errorf("segment count = %d, want 0 after cancellation", counts.Total)
	}
	if _, err := rig.store.GetApproval(context.Background(), "job-b", store.ApprovalScript); err == nil {
		t.Error("approval records should be removed after cancellation")
	}
	if !rig.notifier.has(EventCancelled) {
		t.Error("cancelled event not emitted")
	}

	images, _ := rig.pool.calls()
	if images != 0 {
		t.Error("image stage must not run after script rejection")
	}
}

func TestApprovalTimeoutCancels(t *testing.T) {
	rig := newRig(t, 50*time.Millisecond, 3)
	rig.createJob(t, "job-c")

	if err := rig.orch.Execute(context.Background(), "job-c"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	job, err := rig.store.GetJob(context.Background(), "job-c")
	if err != nil {
		t.Fatal(err)
	}
	if job.Stage != store.StageCancelled {
		t.Fatalf("stage = %v, want cancelled (timeout is implicit rejection)", job.Stage)
	}

	counts, err := rig.store.CountSegments(context.Background(), "job-c")
	if err != nil {
		t.Fatal(err)
	}
	if counts.Total != 0 {
		t.Errorf("segment count = %d, want 0", counts.Total)
	}
}

func TestSegmentFailureContainment(t *testing.T) {
	rig := newRig(t, 5*time.Second, 1)
	rig.pool.failImagesAt = 3
	rig.pool.failTimes = 1
	rig.createJob(t, "job-d")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.decideAt(ctx, t, "job-d", store.ApprovalScript, store.DecisionApproved)

	if err := rig.orch.Execute(context.Background(), "job-d"); err == nil {
		t.Fatal("expected failure to propagate")
	}

	job, err := rig.store.GetJob(context.Background(), "job-d")
	if err != nil {
		t.Fatal(err)
	}
	if job.Stage != store.StageFailed {
		t.Fatalf("stage = %v, want failed", job.Stage)
	}
	if job.FailureSegment != 3 {
		t.Errorf("failure segment = %d, want 3", job.FailureSegment)
	}
	if job.FailureStage != string(store.StageImagesGenerating) {
		t.Errorf("failure stage = %q, want images_generating", job.FailureStage)
	}
	if job.FailureKind != string(faults.KindTransient) {
		t.Errorf("failure kind = %q, want transient", job.FailureKind)
	}

	// Completed segments keep their artifacts.
	segments, err := rig.store.ListSegments(context.Background(), "job-d")
	if err != nil {
		t.Fatal(err)
	}
	for _, seg := range segments[:3] {
		if seg.Status != store.SegmentImageReady {
			t.Errorf("segment %d status = %v, want image_ready", seg.Index, seg.Status)
		}
	}
	if segments[3].Status != store.SegmentFailed {
		t.Errorf("segment 3 status = %v, want failed", segments[3].Status)
	}
}

func TestTransientFailureRetriesAndResumes(t *testing.T) {
	rig := newRig(t, 5*time.Second, 3)
	rig.pool.failImagesAt = 3
	rig.pool.failTimes = 1
	rig.createJob(t, "job-e")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.approveAll(ctx, t, "job-e")

	if err := rig.orch.Execute(context.Background(), "job-e"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	job, err := rig.store.GetJob(context.Background(), "job-e")
	if err != nil {
		t.Fatal(err)
	}
	if job.Stage != store.StageCompleted {
		t.Fatalf("stage = %v, want completed after retry", job.Stage)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", job.Attempts)
	}
	if rig.gen.scriptCalls != 1 {
		t.Errorf("script generated %d times, want 1 (resume must not regenerate)", rig.gen.scriptCalls)
	}

	images, _ := rig.pool.calls()
	if images != 2 {
		t.Errorf("image stage calls = %d, want 2 (one failed, one retry)", images)
	}
}

func TestIdempotentResumeSkipsScript(t *testing.T) {
	rig := newRig(t, 5*time.Second, 3)
	rig.createJob(t, "job-f")

	ctx := context.Background()
	if err := rig.store.SaveScript(ctx, "job-f", "Already written. More text. Even more."); err != nil {
		t.Fatal(err)
	}
	if err := rig.store.SetStage(ctx, "job-f", store.StageScriptGenerating); err != nil {
		t.Fatal(err)
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	rig.approveAll(actx, t, "job-f")

	if err := rig.orch.Execute(ctx, "job-f"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rig.gen.scriptCalls != 0 {
		t.Errorf("script calls = %d, want 0 (artifact already persisted)", rig.gen.scriptCalls)
	}

	job, err := rig.store.GetJob(ctx, "job-f")
	if err != nil {
		t.Fatal(err)
	}
	if job.Stage != store.StageCompleted {
		t.Errorf("stage = %v, want completed", job.Stage)
	}
}

func TestIdempotentApproval(t *testing.T) {
	rig := newRig(t, 5*time.Second, 3)
	rig.createJob(t, "job-g")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Double-record the script approval; later checkpoints get one each.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
			if _, err := rig.store.GetApproval(ctx, "job-g", store.ApprovalScript); err != nil {
				continue
			}
			_ = rig.gate.RecordDecision(ctx, "job-g", store.ApprovalScript, store.DecisionApproved)
			_ = rig.gate.RecordDecision(ctx, "job-g", store.ApprovalScript, store.DecisionApproved)
			return
		}
	}()
	rig.decideAt(ctx, t, "job-g", store.ApprovalImages, store.DecisionApproved)
	rig.decideAt(ctx, t, "job-g", store.ApprovalVideos, store.DecisionApproved)

	if err := rig.orch.Execute(context.Background(), "job-g"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	images, _ := rig.pool.calls()
	if images != 1 {
		t.Errorf("image stage ran %d times, want 1 (duplicate approval must not re-run)", images)
	}
}

func TestCompressionFallback(t *testing.T) {
	rig := newRig(t, 5*time.Second, 3)
	rig.asm.muxedSizeMB = 60
	rig.asm.compressedSize = 40
	rig.createJob(t, "job-h")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.approveAll(ctx, t, "job-h")

	if err := rig.orch.Execute(context.Background(), "job-h"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	job, err := rig.store.GetJob(context.Background(), "job-h")
	if err != nil {
		t.Fatal(err)
	}
	if rig.asm.compressCalls != 1 {
		t.Errorf("compress calls = %d, want 1", rig.asm.compressCalls)
	}
	if !strings.Contains(job.FinalVideoPath, "compressed") {
		t.Errorf("final path = %q, want compressed output", job.FinalVideoPath)
	}
	if job.FinalVideoSizeMB != 40 {
		t.Errorf("final size = %v, want 40", job.FinalVideoSizeMB)
	}
}

func TestCompressionStillOverCapFails(t *testing.T) {
	rig := newRig(t, 5*time.Second, 1)
	rig.asm.muxedSizeMB = 60
	rig.asm.compressedSize = 55
	rig.createJob(t, "job-i")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.approveAll(ctx, t, "job-i")

	if err := rig.orch.Execute(context.Background(), "job-i"); err == nil {
		t.Fatal("expected failure when compression cannot reach the cap")
	}

	job, err := rig.store.GetJob(context.Background(), "job-i")
	if err != nil {
		t.Fatal(err)
	}
	if job.Stage != store.StageFailed {
		t.Fatalf("stage = %v, want failed", job.Stage)
	}
	if job.FailureKind != string(faults.KindResourceExhausted) {
		t.Errorf("failure kind = %q, want resource_exhausted", job.FailureKind)
	}
}

func TestTerminalJobIsNotReexecuted(t *testing.T) {
	rig := newRig(t, 5*time.Second, 3)
	rig.createJob(t, "job-j")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.approveAll(ctx, t, "job-j")

	if err := rig.orch.Execute(context.Background(), "job-j"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// Second execution is a no-op on a completed job.
	if err := rig.orch.Execute(context.Background(), "job-j"); err != nil {
		t.Fatalf("re-Execute failed: %v", err)
	}
	images, animates := rig.pool.calls()
	if images != 1 || animates != 1 {
		t.Errorf("pool calls = %d/%d after re-execution, want 1/1", images, animates)
	}
	if rig.tts.calls != 1 {
		t.Errorf("tts calls = %d, want 1", rig.tts.calls)
	}
}
