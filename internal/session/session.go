// Package session owns the generation state machine: one explicit state
// per job, a validated transition table, and the four commands the view
// layer drives it with. Classified errors are stored on the job and
// never thrown past this boundary.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumora-app/fanstudio/internal/api"
	"github.com/lumora-app/fanstudio/internal/config"
	"github.com/lumora-app/fanstudio/internal/input"
	"github.com/lumora-app/fanstudio/internal/progress"
	"github.com/lumora-app/fanstudio/internal/quota"
	"github.com/lumora-app/fanstudio/pkg/models"
)

var (
	// ErrBusy rejects a second start while a job is generating or
	// saving. The caller treats it as a no-op: no quota is spent and no
	// second network call is issued.
	ErrBusy = errors.New("a generation is already in flight")
	// ErrThrottled rejects a submit the local rate limiter refused
	ErrThrottled = errors.New("submitting too fast, slow down")
	// ErrNoInput rejects confirm without staged input
	ErrNoInput = errors.New("no input staged")
)

// transitions is the exhaustive table of legal state changes. Reset is
// the one escape hatch outside the table: it returns to idle from
// anywhere after tearing down timers and previews.
var transitions = map[models.JobState][]models.JobState{
	models.StateIdle:       {models.StatePreviewing, models.StateGenerating},
	models.StatePreviewing: {models.StateGenerating},
	models.StateGenerating: {models.StateSuccess, models.StateError},
	models.StateSuccess:    {models.StateGenerating, models.StateSaving},
	models.StateSaving:     {models.StatePublished, models.StateError},
	models.StateError:      {models.StateSaving}, // retry-save keeps the result
	models.StatePublished:  {},
}

// Driver issues the single blocking generation call
type Driver interface {
	GenerateSelfie(ctx context.Context, in models.SelfieInput, onProgress func(int)) (*api.GenerationResponse, error)
	GenerateStory(ctx context.Context, prompt models.StoryPrompt, onProgress func(int)) (*api.GenerationResponse, error)
}

// Gate is the advisory quota check
type Gate interface {
	CheckAndReserve() quota.Decision
	Observe(state *models.QuotaState)
	Snapshot() (models.QuotaState, bool)
}

// Preparer validates and stages user input
type Preparer interface {
	StageSelfie(path string) (models.SelfieInput, *input.Preview, error)
	ValidateStoryPrompt(prompt models.StoryPrompt) error
}

// Persister commits a successful result
type Persister interface {
	Save(ctx context.Context, payload *models.Payload, meta models.ArtifactMeta) (*models.SavedArtifact, error)
}

// Normalizer converts a raw backend payload into the canonical shape
// (persist.Normalize in production)
type Normalizer func(kind models.JobKind, data json.RawMessage) (*models.Payload, error)

// Recorder receives generation metrics; nil-safe via the noop below
type Recorder interface {
	RecordGeneration(kind string, duration time.Duration, status string)
	SetQuotaRemaining(remaining int)
	RecordEstimatorStage(kind string)
	RecordSave(status string, success bool)
}

// Event is one externally visible change. Progress is non-nil when the
// change came from the estimator.
type Event struct {
	Job      models.Job
	Progress *progress.Update
}

// Listener observes session events. It is called outside the session
// lock, serialized per session.
type Listener func(Event)

// Session drives one user's generation flow. Only one job may be
// generating or saving at a time; a second start is rejected without
// touching quota.
type Session struct {
	cfg       *config.Config
	gate      Gate
	preparer  Preparer
	driver    Driver
	persister Persister
	normalize Normalizer
	recorder  Recorder
	logger    *slog.Logger
	listener  Listener

	mu        sync.Mutex
	job       models.Job
	preview   *input.Preview
	estimator *progress.Estimator
	selfieIn  *models.SelfieInput
	storyIn   *models.StoryPrompt
	epoch     uint64

	notifyMu sync.Mutex
}

// New creates a session in the idle state
func New(
	cfg *config.Config,
	gate Gate,
	preparer Preparer,
	driver Driver,
	persister Persister,
	normalize Normalizer,
	recorder Recorder,
	logger *slog.Logger,
) *Session {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Session{
		cfg:       cfg,
		gate:      gate,
		preparer:  preparer,
		driver:    driver,
		persister: persister,
		normalize: normalize,
		recorder:  recorder,
		logger:    logger.With("component", "session"),
		job:       freshJob(),
	}
}

func freshJob() models.Job {
	return models.Job{ClientID: uuid.New(), State: models.StateIdle}
}

// SetListener registers the view-layer observer
func (s *Session) SetListener(fn Listener) {
	s.notifyMu.Lock()
	s.listener = fn
	s.notifyMu.Unlock()
}

// Snapshot returns a copy of the current job
func (s *Session) Snapshot() models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

// State returns the current state
func (s *Session) State() models.JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job.State
}

// StartSelfie stages a photo and moves idle -> previewing so the user
// can confirm before spending quota. Staging a new photo supersedes and
// releases any previous preview.
func (s *Session) StartSelfie(path string) error {
	s.mu.Lock()
	if s.inFlightLocked() {
		s.mu.Unlock()
		return ErrBusy
	}

	in, preview, err := s.preparer.StageSelfie(path)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if s.preview != nil {
		s.preview.Release()
	}
	s.preview = preview
	s.selfieIn = &in
	s.storyIn = nil
	s.job = freshJob()
	s.job.Kind = models.KindSelfie
	if err := s.transitionLocked(models.StatePreviewing); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.emit(nil)
	return nil
}

// StartStory validates the structured prompt and holds it. The story
// flow has no preview step: the job stays idle until confirm moves it
// straight to generating.
func (s *Session) StartStory(prompt models.StoryPrompt) error {
	s.mu.Lock()
	if s.inFlightLocked() {
		s.mu.Unlock()
		return ErrBusy
	}

	if err := s.preparer.ValidateStoryPrompt(prompt); err != nil {
		s.mu.Unlock()
		return err
	}

	if s.preview != nil {
		s.preview.Release()
		s.preview = nil
	}
	s.storyIn = &prompt
	s.selfieIn = nil
	s.job = freshJob()
	s.job.Kind = models.KindStory
	s.mu.Unlock()

	s.emit(nil)
	return nil
}

// ConfirmAndGenerate runs the blocking generation call. It refuses when
// quota is exhausted (state untouched, no network call), when the local
// throttle rejects, or when another job is in flight. Generation
// failures are not returned: they land on the job as its classified
// error and the state moves to error.
func (s *Session) ConfirmAndGenerate(ctx context.Context) error {
	s.mu.Lock()
	if s.inFlightLocked() {
		s.mu.Unlock()
		return ErrBusy
	}

	kind := s.job.Kind
	switch {
	case kind == models.KindSelfie && s.selfieIn != nil && (s.job.State == models.StatePreviewing || s.job.State == models.StateSuccess):
	case kind == models.KindStory && s.storyIn != nil && (s.job.State == models.StateIdle || s.job.State == models.StateSuccess):
	default:
		s.mu.Unlock()
		return ErrNoInput
	}

	decision := s.gate.CheckAndReserve()
	if !decision.Allowed {
		s.mu.Unlock()
		if decision.Remaining == 0 {
			resetsAt := time.Time{}
			if state, ok := s.gate.Snapshot(); ok {
				resetsAt = state.WindowResetAt
			}
			return models.NewQuotaError(decision.Reason, resetsAt)
		}
		return ErrThrottled
	}

	// Re-entering from success is the "try another" path: the previous
	// result is discarded without being persisted.
	s.job.Result = nil
	s.job.Err = nil
	s.job.UploadProgress = 0
	s.job.PerceivedPercent = 0
	s.job.Stage = 0
	s.job.StartedAt = time.Now()
	if err := s.transitionLocked(models.StateGenerating); err != nil {
		s.mu.Unlock()
		return err
	}

	est := progress.NewEstimator(s.logger)
	s.estimator = est
	epoch := s.epoch
	clientID := s.job.ClientID
	selfieIn := s.selfieIn
	storyIn := s.storyIn
	s.mu.Unlock()

	s.emit(nil)
	s.logger.Info("Generation started", "kind", kind, "client_id", clientID)

	var armOnce sync.Once
	onUpload := func(pct int) {
		s.setUploadProgress(epoch, pct)
		if pct >= 100 {
			// The fabricated schedule covers only the silent window
			// after the binary upload completes.
			armOnce.Do(func() { s.armEstimator(est, kind, epoch) })
		}
	}

	start := time.Now()
	var resp *api.GenerationResponse
	var err error
	if kind == models.KindSelfie {
		resp, err = s.driver.GenerateSelfie(ctx, *selfieIn, onUpload)
	} else {
		resp, err = s.driver.GenerateStory(ctx, *storyIn, onUpload)
	}

	// Timers die before any terminal state becomes visible, so no stage
	// can render after the result.
	est.Stop()

	s.finishGeneration(epoch, kind, resp, err, time.Since(start))
	return nil
}

// Persist commits the successful result with the user's publish
// decision. Story flow only; selfies are downloaded, not saved. A
// persistence failure keeps the result so Persist can be called again
// without regenerating.
func (s *Session) Persist(ctx context.Context, meta models.ArtifactMeta) (*models.SavedArtifact, error) {
	s.mu.Lock()
	if s.job.Kind != models.KindStory {
		s.mu.Unlock()
		return nil, models.NewValidationError("selfie results are downloaded or shared, not saved")
	}

	switch s.job.State {
	case models.StateSuccess:
	case models.StateError:
		// Retry-save is only legal when the failure was persistence and
		// the result survived.
		if s.job.Err == nil || s.job.Err.Kind != models.ErrPersistence || s.job.Result == nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("cannot save from error state: %w", ErrNoInput)
		}
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("cannot save in state %s: %w", s.job.State, ErrNoInput)
	}

	payload := s.job.Result
	s.job.Err = nil
	if err := s.transitionLocked(models.StateSaving); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	epoch := s.epoch
	s.mu.Unlock()
	s.emit(nil)

	artifact, err := s.persister.Save(ctx, payload, meta)

	s.mu.Lock()
	if s.epoch != epoch {
		// Job was reset while saving; drop the outcome
		s.mu.Unlock()
		s.logger.Info("Save outcome discarded after reset")
		return nil, nil
	}
	if err != nil {
		s.job.Err = asGenError(err, models.ErrPersistence)
		// The payload stays on the job untouched for retry-save
		_ = s.transitionLocked(models.StateError)
		s.mu.Unlock()
		s.emit(nil)
		s.recorder.RecordSave(string(meta.Status), false)
		s.logger.Warn("Save failed, result retained for retry", "error", err)
		return nil, nil
	}

	_ = s.transitionLocked(models.StatePublished)
	s.mu.Unlock()
	s.emit(nil)
	s.recorder.RecordSave(string(artifact.Status), true)
	s.logger.Info("Artifact persisted", "artifact_id", artifact.ID, "status", artifact.Status)
	return artifact, nil
}

// Reset abandons the current job from any state and returns to idle.
// All local timers and staged previews are released; an in-flight
// network call is not aborted, its result is discarded when it lands.
func (s *Session) Reset() {
	s.mu.Lock()
	s.epoch++
	est := s.estimator
	s.estimator = nil
	if s.preview != nil {
		s.preview.Release()
		s.preview = nil
	}
	s.selfieIn = nil
	s.storyIn = nil
	from := s.job.State
	s.job = freshJob()
	s.mu.Unlock()

	// Stop outside the state lock: a delivery in flight holds the
	// estimator lock and takes the state lock in applyProgress.
	if est != nil {
		est.Stop()
	}
	s.logger.Info("Session reset", "from_state", from)
	s.emit(nil)
}

// Quota returns the gate's cached state for display surfaces
func (s *Session) Quota() (models.QuotaState, bool) {
	return s.gate.Snapshot()
}

func (s *Session) inFlightLocked() bool {
	return s.job.State == models.StateGenerating || s.job.State == models.StateSaving
}

// transitionLocked validates the move against the table; illegal moves
// leave the state untouched
func (s *Session) transitionLocked(to models.JobState) error {
	from := s.job.State
	for _, allowed := range transitions[from] {
		if allowed == to {
			s.job.State = to
			s.logger.Debug("State transition", "from", from, "to", to)
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", from, to)
}

func (s *Session) armEstimator(est *progress.Estimator, kind models.JobKind, epoch uint64) {
	if kind == models.KindSelfie {
		schedule := make([]time.Duration, len(s.cfg.Selfie.StageScheduleSeconds))
		for i, sec := range s.cfg.Selfie.StageScheduleSeconds {
			schedule[i] = time.Duration(sec) * time.Second
		}
		est.StartSelfieStages(s.cfg.Selfie.StageLabels, schedule, func(u progress.Update) {
			s.recorder.RecordEstimatorStage(string(kind))
			s.applyProgress(epoch, u)
		})
		return
	}

	length := models.LengthMedium
	s.mu.Lock()
	if s.storyIn != nil {
		length = s.storyIn.Length
	}
	s.mu.Unlock()
	eta := time.Duration(s.cfg.Story.ETASeconds[string(length)]) * time.Second
	interval := time.Duration(s.cfg.Story.TickIntervalMillis) * time.Millisecond
	est.StartStoryTicker(interval, s.cfg.Story.Messages, eta, func(u progress.Update) {
		s.applyProgress(epoch, u)
	})
}

func (s *Session) applyProgress(epoch uint64, u progress.Update) {
	s.mu.Lock()
	if s.epoch != epoch || s.job.State != models.StateGenerating {
		s.mu.Unlock()
		return
	}
	if u.Stage > s.job.Stage {
		s.job.Stage = u.Stage
	}
	if u.Percent > s.job.PerceivedPercent {
		s.job.PerceivedPercent = u.Percent
	}
	s.mu.Unlock()
	s.emit(&u)
}

func (s *Session) setUploadProgress(epoch uint64, pct int) {
	s.mu.Lock()
	if s.epoch != epoch || s.job.State != models.StateGenerating {
		s.mu.Unlock()
		return
	}
	if pct <= s.job.UploadProgress {
		s.mu.Unlock()
		return
	}
	s.job.UploadProgress = pct
	s.mu.Unlock()
	s.emit(nil)
}

func (s *Session) finishGeneration(epoch uint64, kind models.JobKind, resp *api.GenerationResponse, err error, elapsed time.Duration) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.logger.Info("Generation outcome discarded after reset", "kind", kind)
		return
	}
	s.estimator = nil

	if err == nil {
		if quotaState := resp.QuotaState(); quotaState != nil {
			s.gate.Observe(quotaState)
			s.recorder.SetQuotaRemaining(quotaState.Remaining)
		}
		payload, normErr := s.normalize(kind, resp.Data)
		if normErr != nil {
			err = &models.GenError{
				Kind:    models.ErrGeneration,
				Message: fmt.Sprintf("backend returned an unusable payload: %v", normErr),
			}
		} else {
			s.job.BackendID = resp.JobID
			s.job.Result = payload
			s.job.PerceivedPercent = 100
			if kind == models.KindSelfie {
				s.job.Stage = len(s.cfg.Selfie.StageLabels)
			}
			_ = s.transitionLocked(models.StateSuccess)
			s.mu.Unlock()
			s.emit(nil)
			s.recorder.RecordGeneration(string(kind), elapsed, "success")
			s.logger.Info("Generation succeeded", "kind", kind, "elapsed", elapsed, "backend_id", resp.JobID)
			return
		}
	}

	genErr := asGenError(err, models.ErrGeneration)
	if genErr.Kind == models.ErrQuotaExceeded {
		// Rate-limit responses piggyback an authoritative zero
		s.gate.Observe(&models.QuotaState{Remaining: 0, WindowResetAt: genErr.ResetsAt})
		s.recorder.SetQuotaRemaining(0)
	}
	s.job.Err = genErr
	_ = s.transitionLocked(models.StateError)
	s.mu.Unlock()
	s.emit(nil)
	s.recorder.RecordGeneration(string(kind), elapsed, string(genErr.Kind))
	s.logger.Warn("Generation failed", "kind", kind, "error_kind", genErr.Kind, "elapsed", elapsed)
}

// emit delivers a snapshot to the listener outside the state lock.
// notifyMu is held across the call so deliveries are serialized.
func (s *Session) emit(u *progress.Update) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if s.listener == nil {
		return
	}
	s.listener(Event{Job: s.Snapshot(), Progress: u})
}

func asGenError(err error, fallback models.ErrorKind) *models.GenError {
	var genErr *models.GenError
	if errors.As(err, &genErr) {
		return genErr
	}
	return &models.GenError{Kind: fallback, Message: err.Error()}
}

type noopRecorder struct{}

func (noopRecorder) RecordGeneration(string, time.Duration, string) {}
func (noopRecorder) SetQuotaRemaining(int)                          {}
func (noopRecorder) RecordEstimatorStage(string)                    {}
func (noopRecorder) RecordSave(string, bool)                        {}
