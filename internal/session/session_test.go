package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lumora-app/fanstudio/internal/api"
	"github.com/lumora-app/fanstudio/internal/config"
	"github.com/lumora-app/fanstudio/internal/input"
	"github.com/lumora-app/fanstudio/internal/persist"
	"github.com/lumora-app/fanstudio/internal/quota"
	"github.com/lumora-app/fanstudio/pkg/models"
)

var jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}

type stubDriver struct {
	mu          sync.Mutex
	selfieCalls int
	storyCalls  int
	resp        *api.GenerationResponse
	err         error
	block       chan struct{} // when non-nil, the call waits here
}

func (d *stubDriver) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selfieCalls + d.storyCalls
}

func (d *stubDriver) GenerateSelfie(ctx context.Context, in models.SelfieInput, onProgress func(int)) (*api.GenerationResponse, error) {
	d.mu.Lock()
	d.selfieCalls++
	block := d.block
	d.mu.Unlock()
	if onProgress != nil {
		onProgress(40)
		onProgress(100)
	}
	if block != nil {
		<-block
	}
	return d.resp, d.err
}

func (d *stubDriver) GenerateStory(ctx context.Context, prompt models.StoryPrompt, onProgress func(int)) (*api.GenerationResponse, error) {
	d.mu.Lock()
	d.storyCalls++
	block := d.block
	d.mu.Unlock()
	if onProgress != nil {
		onProgress(100)
	}
	if block != nil {
		<-block
	}
	return d.resp, d.err
}

type stubPersister struct {
	mu          sync.Mutex
	calls       int
	lastPayload *models.Payload
	artifact    *models.SavedArtifact
	err         error
}

func (p *stubPersister) Save(ctx context.Context, payload *models.Payload, meta models.ArtifactMeta) (*models.SavedArtifact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastPayload = payload
	if p.err != nil {
		return nil, p.err
	}
	return p.artifact, nil
}

type stubFetcher struct {
	state *models.QuotaState
}

func (f stubFetcher) Quota(ctx context.Context) (*models.QuotaState, error) {
	if f.state == nil {
		return nil, errors.New("quota endpoint unavailable")
	}
	return f.state, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Backend.BaseURL = "https://api.example.com"
	cfg.Limits.MaxUploadBytes = 10 << 20
	cfg.Limits.AllowedImageTypes = []string{"image/jpeg", "image/png", "image/webp", "image/heic"}
	cfg.Limits.SubmitsPerMinute = 600
	cfg.Limits.SubmitBurst = 100
	cfg.Limits.PreviewStagingDir = t.TempDir()
	cfg.Selfie.StageLabels = []string{"Analysing", "Blending", "Final touches"}
	cfg.Selfie.StageScheduleSeconds = []int{3, 9, 19}
	cfg.Story.TickIntervalMillis = 60
	cfg.Story.Messages = []string{"plotting", "writing"}
	cfg.Story.ETASeconds = map[string]int{"short": 1, "medium": 2, "long": 3}
	cfg.Output.Dir = t.TempDir()
	return cfg
}

type fixture struct {
	session   *Session
	driver    *stubDriver
	persister *stubPersister
	gate      *quota.Gate
	cfg       *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, stubFetcher{})
}

func newFixtureWith(t *testing.T, fetcher quota.Fetcher) *fixture {
	t.Helper()
	cfg := testConfig(t)
	logger := discardLogger()
	gate := quota.NewGate(fetcher, cfg.Limits.SubmitsPerMinute, cfg.Limits.SubmitBurst, logger)
	driver := &stubDriver{
		resp: &api.GenerationResponse{
			Success: true,
			JobID:   "job-1",
			Data:    json.RawMessage(`{"result_id": "r1", "image_url": "https://cdn/x.png", "story_text": "Once upon a time"}`),
		},
	}
	persister := &stubPersister{artifact: &models.SavedArtifact{ID: "a1", Status: models.StatusDraft}}
	preparer := input.NewPreparer(cfg.Limits, logger)
	sess := New(cfg, gate, preparer, driver, persister, persist.Normalize, nil, logger)
	return &fixture{session: sess, driver: driver, persister: persister, gate: gate, cfg: cfg}
}

func (f *fixture) stagePhoto(t *testing.T) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "me.jpg")
	if err := os.WriteFile(path, append(jpegHeader, make([]byte, 512)...), 0644); err != nil {
		t.Fatal(err)
	}
	if err := f.session.StartSelfie(path); err != nil {
		t.Fatalf("StartSelfie() error: %v", err)
	}
}

func (f *fixture) stageStory(t *testing.T) {
	t.Helper()
	err := f.session.StartStory(models.StoryPrompt{
		Genre: "fantasy", Length: models.LengthShort, CharacterName: "Mira",
	})
	if err != nil {
		t.Fatalf("StartStory() error: %v", err)
	}
}

func waitForState(t *testing.T, s *Session, want models.JobState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

func TestTransitionTableRejectsSkips(t *testing.T) {
	illegal := []struct {
		from, to models.JobState
	}{
		{models.StateIdle, models.StateSuccess},
		{models.StateIdle, models.StateError},
		{models.StateIdle, models.StateSaving},
		{models.StateIdle, models.StatePublished},
		{models.StatePreviewing, models.StateSuccess},
		{models.StatePreviewing, models.StateSaving},
		{models.StateGenerating, models.StateSaving},
		{models.StateGenerating, models.StatePublished},
		{models.StateSuccess, models.StatePublished},
		{models.StateError, models.StateGenerating},
		{models.StatePublished, models.StateSaving},
	}

	for _, tt := range illegal {
		f := newFixture(t)
		f.session.job.State = tt.from
		if err := f.session.transitionLocked(tt.to); err == nil {
			t.Errorf("transition %s -> %s should be illegal", tt.from, tt.to)
		}
		if f.session.job.State != tt.from {
			t.Errorf("failed transition mutated state to %s", f.session.job.State)
		}
	}
}

func TestSelfieHappyPath(t *testing.T) {
	f := newFixture(t)
	f.gate.Observe(&models.QuotaState{Remaining: 3})

	f.stagePhoto(t)
	if got := f.session.State(); got != models.StatePreviewing {
		t.Fatalf("state after staging = %s, want previewing", got)
	}

	if err := f.session.ConfirmAndGenerate(context.Background()); err != nil {
		t.Fatalf("ConfirmAndGenerate() error: %v", err)
	}

	job := f.session.Snapshot()
	if job.State != models.StateSuccess {
		t.Fatalf("state = %s, want success (err=%v)", job.State, job.Err)
	}
	if job.Result == nil || job.Result.Image.Path != "https://cdn/x.png" {
		t.Errorf("result = %+v, want normalized image", job.Result)
	}
	if job.UploadProgress != 100 {
		t.Errorf("upload progress = %d, want 100", job.UploadProgress)
	}
	if job.BackendID != "job-1" {
		t.Errorf("backend id = %q", job.BackendID)
	}
}

func TestSecondStartWhileGeneratingIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.driver.block = make(chan struct{})
	f.stageStory(t)

	done := make(chan struct{})
	go func() {
		_ = f.session.ConfirmAndGenerate(context.Background())
		close(done)
	}()
	waitForState(t, f.session, models.StateGenerating)

	if err := f.session.ConfirmAndGenerate(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("second confirm = %v, want ErrBusy", err)
	}
	if err := f.session.StartStory(models.StoryPrompt{Genre: "g", Length: models.LengthShort, CharacterName: "x"}); !errors.Is(err, ErrBusy) {
		t.Errorf("start while generating = %v, want ErrBusy", err)
	}

	close(f.driver.block)
	<-done

	if got := f.driver.calls(); got != 1 {
		t.Errorf("driver calls = %d, want exactly 1", got)
	}
}

func TestQuotaZeroBlocksWithoutNetworkCall(t *testing.T) {
	f := newFixture(t)
	f.gate.Observe(&models.QuotaState{Remaining: 0, WindowResetAt: time.Now().Add(time.Hour)})
	f.stageStory(t)

	err := f.session.ConfirmAndGenerate(context.Background())
	var genErr *models.GenError
	if !errors.As(err, &genErr) || genErr.Kind != models.ErrQuotaExceeded {
		t.Fatalf("error = %v, want quota exceeded", err)
	}
	if genErr.ResetsAt.IsZero() {
		t.Error("quota error should carry the reset time")
	}
	if got := f.session.State(); got != models.StateIdle {
		t.Errorf("state = %s, want idle untouched", got)
	}
	if f.driver.calls() != 0 {
		t.Errorf("driver calls = %d, want 0", f.driver.calls())
	}
}

func TestQuotaZeroBlocksSelfieInPreviewing(t *testing.T) {
	f := newFixture(t)
	f.gate.Observe(&models.QuotaState{Remaining: 0})
	f.stagePhoto(t)

	err := f.session.ConfirmAndGenerate(context.Background())
	var genErr *models.GenError
	if !errors.As(err, &genErr) || genErr.Kind != models.ErrQuotaExceeded {
		t.Fatalf("error = %v, want quota exceeded", err)
	}
	if got := f.session.State(); got != models.StatePreviewing {
		t.Errorf("state = %s, want previewing untouched", got)
	}
}

func TestResetReleasesPreviewFromAnyState(t *testing.T) {
	f := newFixture(t)
	f.stagePhoto(t)

	previewPath := f.session.preview.Path
	if _, err := os.Stat(previewPath); err != nil {
		t.Fatalf("preview not staged: %v", err)
	}

	f.session.Reset()

	if got := f.session.State(); got != models.StateIdle {
		t.Errorf("state after reset = %s, want idle", got)
	}
	if _, err := os.Stat(previewPath); !os.IsNotExist(err) {
		t.Errorf("preview still on disk after reset: %v", err)
	}
	if f.session.preview != nil || f.session.selfieIn != nil {
		t.Error("staged input not cleared by reset")
	}
}

func TestStagingNewPhotoSupersedesPreview(t *testing.T) {
	f := newFixture(t)
	f.stagePhoto(t)
	first := f.session.preview.Path

	f.stagePhoto(t)
	second := f.session.preview.Path

	if first == second {
		t.Fatal("expected a fresh staged copy")
	}
	if _, err := os.Stat(first); !os.IsNotExist(err) {
		t.Errorf("superseded preview still on disk: %v", err)
	}
	if _, err := os.Stat(second); err != nil {
		t.Errorf("current preview missing: %v", err)
	}
}

func TestGenerationFailureStoredNotThrown(t *testing.T) {
	f := newFixture(t)
	f.driver.resp = nil
	f.driver.err = &models.GenError{Kind: models.ErrGeneration, Message: "content policy", StatusCode: 422}
	f.stageStory(t)

	if err := f.session.ConfirmAndGenerate(context.Background()); err != nil {
		t.Fatalf("generation failures must land on the job, got command error %v", err)
	}

	job := f.session.Snapshot()
	if job.State != models.StateError {
		t.Fatalf("state = %s, want error", job.State)
	}
	if job.Err == nil || job.Err.Kind != models.ErrGeneration {
		t.Errorf("job error = %+v", job.Err)
	}
	if job.Err.Recovery() != models.RecoveryReset {
		t.Errorf("recovery = %s, want reset", job.Err.Recovery())
	}
}

func TestTimeoutClassifiedDistinctly(t *testing.T) {
	f := newFixture(t)
	f.driver.resp = nil
	f.driver.err = &models.GenError{Kind: models.ErrTimeout, Message: "no response before the client timeout"}
	f.stageStory(t)

	_ = f.session.ConfirmAndGenerate(context.Background())

	job := f.session.Snapshot()
	if job.Err == nil || job.Err.Kind != models.ErrTimeout {
		t.Errorf("job error = %+v, want timeout kind", job.Err)
	}
}

func TestBackendQuotaExhaustionUpdatesGate(t *testing.T) {
	f := newFixture(t)
	f.gate.Observe(&models.QuotaState{Remaining: 1})
	f.driver.resp = nil
	f.driver.err = &models.GenError{Kind: models.ErrQuotaExceeded, Message: "exhausted", ResetsAt: time.Now().Add(time.Hour)}
	f.stageStory(t)

	_ = f.session.ConfirmAndGenerate(context.Background())

	state, ok := f.gate.Snapshot()
	if !ok || state.Remaining != 0 {
		t.Errorf("gate state = %+v, want authoritative zero", state)
	}
}

func TestPiggybackedQuotaOverwritesCache(t *testing.T) {
	f := newFixture(t)
	f.gate.Observe(&models.QuotaState{Remaining: 5})

	wire := `{
		"success": true,
		"job_id": "job-2",
		"data": {"result_id": "r2", "story_text": "A tale"},
		"quota": {"remaining": 4, "resets_at": "2099-01-01T00:00:00Z"}
	}`
	resp := &api.GenerationResponse{}
	if err := json.Unmarshal([]byte(wire), resp); err != nil {
		t.Fatal(err)
	}
	f.driver.resp = resp
	f.stageStory(t)

	_ = f.session.ConfirmAndGenerate(context.Background())
	waitForState(t, f.session, models.StateSuccess)

	state, ok := f.gate.Snapshot()
	if !ok || state.Remaining != 4 {
		t.Errorf("gate state = %+v, want piggybacked 4", state)
	}
}

func TestTryAnotherDiscardsResultAndRegenerates(t *testing.T) {
	f := newFixture(t)
	f.stageStory(t)

	if err := f.session.ConfirmAndGenerate(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForState(t, f.session, models.StateSuccess)

	if err := f.session.ConfirmAndGenerate(context.Background()); err != nil {
		t.Fatalf("try another: %v", err)
	}
	if f.driver.calls() != 2 {
		t.Errorf("driver calls = %d, want 2", f.driver.calls())
	}
	if got := f.session.State(); got != models.StateSuccess {
		t.Errorf("state = %s, want success after regenerate", got)
	}
}

func TestPersistDraftHappyPath(t *testing.T) {
	f := newFixture(t)
	f.stageStory(t)
	_ = f.session.ConfirmAndGenerate(context.Background())
	waitForState(t, f.session, models.StateSuccess)

	artifact, err := f.session.Persist(context.Background(), models.ArtifactMeta{
		Title: "My tale", Status: models.StatusDraft,
	})
	if err != nil {
		t.Fatalf("Persist() error: %v", err)
	}
	if artifact == nil || artifact.ID != "a1" {
		t.Errorf("artifact = %+v", artifact)
	}
	if got := f.session.State(); got != models.StatePublished {
		t.Errorf("state = %s, want published terminal", got)
	}
}

func TestPersistFailurePreservesResultForRetry(t *testing.T) {
	f := newFixture(t)
	f.stageStory(t)
	_ = f.session.ConfirmAndGenerate(context.Background())
	waitForState(t, f.session, models.StateSuccess)

	original := f.session.Snapshot().Result

	f.persister.err = &models.GenError{Kind: models.ErrPersistence, Message: "store unavailable"}
	artifact, err := f.session.Persist(context.Background(), models.ArtifactMeta{Status: models.StatusDraft})
	if err != nil || artifact != nil {
		t.Fatalf("failed save must land on the job, got artifact=%v err=%v", artifact, err)
	}

	job := f.session.Snapshot()
	if job.State != models.StateError {
		t.Fatalf("state = %s, want error", job.State)
	}
	if job.Err == nil || job.Err.Kind != models.ErrPersistence {
		t.Errorf("job error = %+v", job.Err)
	}
	if job.Err.Recovery() != models.RecoveryRetrySave {
		t.Errorf("recovery = %s, want retry_save", job.Err.Recovery())
	}
	if job.Result != original {
		t.Error("result payload must survive a failed save unchanged")
	}

	// Retry without regenerating
	f.persister.err = nil
	artifact, err = f.session.Persist(context.Background(), models.ArtifactMeta{Status: models.StatusDraft})
	if err != nil || artifact == nil {
		t.Fatalf("retry save: artifact=%v err=%v", artifact, err)
	}
	if f.persister.calls != 2 {
		t.Errorf("persister calls = %d, want 2", f.persister.calls)
	}
	if f.driver.calls() != 1 {
		t.Errorf("driver calls = %d, generation must not be re-submitted", f.driver.calls())
	}
	if got := f.session.State(); got != models.StatePublished {
		t.Errorf("state = %s, want published", got)
	}
}

func TestPersistRejectsSelfieFlow(t *testing.T) {
	f := newFixture(t)
	f.stagePhoto(t)
	_ = f.session.ConfirmAndGenerate(context.Background())
	waitForState(t, f.session, models.StateSuccess)

	_, err := f.session.Persist(context.Background(), models.ArtifactMeta{})
	var genErr *models.GenError
	if !errors.As(err, &genErr) || genErr.Kind != models.ErrValidation {
		t.Errorf("error = %v, want validation rejection", err)
	}
	if got := f.session.State(); got != models.StateSuccess {
		t.Errorf("state = %s, want success untouched", got)
	}
}

func TestPerceivedProgressStopsAtResult(t *testing.T) {
	f := newFixture(t)
	f.driver.block = make(chan struct{})
	f.stageStory(t)

	var mu sync.Mutex
	sawProgress := false
	progressAfterTerminal := false
	f.session.SetListener(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Progress != nil {
			if ev.Job.State != models.StateGenerating {
				progressAfterTerminal = true
			}
			sawProgress = true
		}
	})

	done := make(chan struct{})
	go func() {
		_ = f.session.ConfirmAndGenerate(context.Background())
		close(done)
	}()

	// Let a few fabricated ticks land, then deliver the real response
	time.Sleep(200 * time.Millisecond)
	close(f.driver.block)
	<-done
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if !sawProgress {
		t.Error("no fabricated progress delivered during the silent window")
	}
	if progressAfterTerminal {
		t.Error("fabricated progress delivered outside the generating state")
	}

	job := f.session.Snapshot()
	if job.State != models.StateSuccess {
		t.Fatalf("state = %s, want success", job.State)
	}
	if job.PerceivedPercent != 100 {
		t.Errorf("perceived percent = %d, want exactly 100 at success", job.PerceivedPercent)
	}
}

func TestResetDuringGenerationDiscardsLateResult(t *testing.T) {
	f := newFixture(t)
	f.driver.block = make(chan struct{})
	f.stageStory(t)

	done := make(chan struct{})
	go func() {
		_ = f.session.ConfirmAndGenerate(context.Background())
		close(done)
	}()
	waitForState(t, f.session, models.StateGenerating)

	f.session.Reset()
	if got := f.session.State(); got != models.StateIdle {
		t.Fatalf("state after reset = %s, want idle", got)
	}

	// The abandoned call lands now; its outcome must be dropped
	close(f.driver.block)
	<-done

	job := f.session.Snapshot()
	if job.State != models.StateIdle || job.Result != nil || job.Err != nil {
		t.Errorf("late result leaked into job: %+v", job)
	}
}

func TestRefreshedZeroQuotaRefusesFirstSubmit(t *testing.T) {
	// A fresh process knows nothing until the gate is primed from the
	// backend; after a refresh reporting zero, the very first submit
	// must refuse without touching the driver.
	f := newFixtureWith(t, stubFetcher{state: &models.QuotaState{
		Remaining:     0,
		WindowResetAt: time.Now().Add(time.Hour),
	}})
	f.gate.Refresh(context.Background())
	f.stageStory(t)

	err := f.session.ConfirmAndGenerate(context.Background())
	var genErr *models.GenError
	if !errors.As(err, &genErr) || genErr.Kind != models.ErrQuotaExceeded {
		t.Fatalf("error = %v, want quota exceeded", err)
	}
	if f.driver.calls() != 0 {
		t.Errorf("driver calls = %d, want 0", f.driver.calls())
	}
}

func TestRefreshFailureKeepsGateOpen(t *testing.T) {
	f := newFixture(t) // fetcher errors
	f.gate.Refresh(context.Background())
	f.stageStory(t)

	if err := f.session.ConfirmAndGenerate(context.Background()); err != nil {
		t.Fatalf("ConfirmAndGenerate() after failed refresh: %v", err)
	}
	if f.driver.calls() != 1 {
		t.Errorf("driver calls = %d, want 1 (gate fails open)", f.driver.calls())
	}
}

func TestListenerCallsSerialized(t *testing.T) {
	f := newFixture(t)
	f.driver.block = make(chan struct{})
	f.stageStory(t)

	var inside atomic.Int32
	var overlapped atomic.Bool
	f.session.SetListener(func(ev Event) {
		if inside.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(time.Millisecond)
		inside.Add(-1)
	})

	done := make(chan struct{})
	go func() {
		_ = f.session.ConfirmAndGenerate(context.Background())
		close(done)
	}()

	// Ticker deliveries and the response race here
	time.Sleep(150 * time.Millisecond)
	close(f.driver.block)
	<-done

	if overlapped.Load() {
		t.Error("listener invoked concurrently, deliveries must be serialized")
	}
}

func TestConfirmWithoutInput(t *testing.T) {
	f := newFixture(t)
	if err := f.session.ConfirmAndGenerate(context.Background()); !errors.Is(err, ErrNoInput) {
		t.Errorf("confirm on fresh session = %v, want ErrNoInput", err)
	}
}
