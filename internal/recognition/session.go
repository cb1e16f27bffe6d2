// Package recognition drives a capture session: model loading, descriptor
// loading or building, the camera, capture, detection and matching.
package recognition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"sync"

	"github.com/andresmejia3/lineage/internal/annotate"
	"github.com/andresmejia3/lineage/internal/builder"
	"github.com/andresmejia3/lineage/internal/cache"
	"github.com/andresmejia3/lineage/internal/camera"
	"github.com/andresmejia3/lineage/internal/matcher"
	"github.com/andresmejia3/lineage/internal/model"
	"github.com/andresmejia3/lineage/internal/types"
	"github.com/google/uuid"
)

var (
	// ErrSessionClosed is returned when the session was closed while an
	// operation was in flight. The operation's result has been discarded.
	ErrSessionClosed = errors.New("session closed")
	// ErrNoResult is returned by Select for an index without a resolved person.
	ErrNoResult = errors.New("no resolved person for result")
)

// Session is one recognition view. All methods are safe for concurrent use;
// Open, Capture, Restart, SwitchCamera and Retry block until their
// transition settles.
type Session struct {
	id      string
	loader  *model.Loader
	cache   *cache.Cache
	builder *builder.Builder
	camera  *camera.Manager
	matcher *matcher.Matcher
	log     *slog.Logger

	notifyMu sync.Mutex // serializes delivery so observers see versions in order
	mu       sync.Mutex
	snap     Snapshot
	open     bool
	gen      uint64 // bumped by Close, guards load/build/camera results
	capture  uint64 // bumped by every capture and restart

	still       *image.RGBA
	embeddings  []types.LabeledEmbedding
	fingerprint []string
	people      matcher.PersonIndex

	observers map[int]func(Snapshot)
	nextObs   int
}

// New wires a session. c may be nil to always build descriptors.
func New(loader *model.Loader, c *cache.Cache, b *builder.Builder, cam *camera.Manager, m *matcher.Matcher) *Session {
	id := uuid.NewString()
	return &Session{
		id:        id,
		loader:    loader,
		cache:     c,
		builder:   b,
		camera:    cam,
		matcher:   m,
		log:       slog.With("component", "recognition", "session", id),
		snap:      Snapshot{SessionID: id, State: Idle, Facing: cam.Facing()},
		observers: make(map[int]func(Snapshot)),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.clone()
}

// Subscribe registers fn for every state change. fn runs synchronously and
// must not call back into the session.
func (s *Session) Subscribe(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// mutate runs fn under the state lock and, when fn reports a change, bumps
// the version and notifies observers.
func (s *Session) mutate(fn func() bool) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return false
	}
	s.snap.Version++
	snap := s.snap.clone()
	obs := make([]func(Snapshot), 0, len(s.observers))
	for _, o := range s.observers {
		obs = append(obs, o)
	}
	s.mu.Unlock()

	for _, o := range obs {
		o(snap)
	}
	return true
}

// guarded applies fn only while the session generation is still gen.
func (s *Session) guarded(gen uint64, fn func(*Snapshot)) bool {
	return s.mutate(func() bool {
		if s.gen != gen || !s.open {
			return false
		}
		fn(&s.snap)
		return true
	})
}

func (s *Session) enter(gen uint64, st State) bool {
	return s.guarded(gen, func(sn *Snapshot) {
		sn.State = st
		sn.Error = ""
	})
}

func (s *Session) fail(gen uint64, st State, err error) {
	s.guarded(gen, func(sn *Snapshot) {
		sn.State = st
		sn.Error = err.Error()
		sn.Switching = false
	})
}

// Open shows the view for the given directory snapshot. It loads the models
// when needed, loads or builds descriptors, then starts the camera. When a
// capture is still held the view is redrawn from it instead and nothing is
// recomputed.
func (s *Session) Open(ctx context.Context, people []types.Person) error {
	var gen uint64
	var held bool
	opened := s.mutate(func() bool {
		if s.open {
			return false
		}
		s.open = true
		s.gen++
		gen = s.gen
		s.snap.Open = true
		held = s.snap.State.Captured()
		return true
	})
	if !opened {
		return nil
	}
	if held {
		s.log.Info("Reopened with held capture", "state", s.Snapshot().State)
		return nil
	}

	if !s.loader.Loaded() {
		s.guarded(gen, func(sn *Snapshot) {
			sn.State = ModelsLoading
			sn.ModelProgress = 0
			sn.Error = ""
		})
		err := s.loader.Load(ctx, func(p int) {
			s.guarded(gen, func(sn *Snapshot) { sn.ModelProgress = p })
		})
		if err != nil {
			if !s.alive(gen) {
				return ErrSessionClosed
			}
			s.log.Error("Model loading failed", "error", err)
			s.fail(gen, ModelsFailed, err)
			return err
		}
	}
	if !s.guarded(gen, func(sn *Snapshot) { sn.ModelsLoaded = true; sn.ModelProgress = 100 }) {
		return ErrSessionClosed
	}

	if err := s.prepareDescriptors(ctx, gen, people); err != nil {
		return err
	}
	return s.startCamera(ctx, gen, s.camera.Start, s.camera.Facing())
}

func (s *Session) alive(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open && s.gen == gen
}

// prepareDescriptors reuses the in-memory set when the photo fingerprint is
// unchanged, then tries the persisted cache, then builds.
func (s *Session) prepareDescriptors(ctx context.Context, gen uint64, people []types.Person) error {
	fp := cache.Fingerprint(people)

	s.mu.Lock()
	reuse := s.embeddings != nil && slices.Equal(fp, s.fingerprint)
	s.mu.Unlock()
	if reuse {
		if !s.guarded(gen, func(sn *Snapshot) { s.index(sn, people) }) {
			return ErrSessionClosed
		}
		return nil
	}

	if !s.enter(gen, DescriptorsLoading) {
		return ErrSessionClosed
	}
	var embeddings []types.LabeledEmbedding
	hit := false
	if s.cache != nil {
		embeddings, hit = s.cache.Load(ctx, people)
	}
	if !hit {
		s.guarded(gen, func(sn *Snapshot) {
			sn.State = DescriptorsBuilding
			sn.BuildProgress = 0
		})
		var err error
		embeddings, err = s.builder.Build(ctx, people, func(p int) {
			s.guarded(gen, func(sn *Snapshot) { sn.BuildProgress = p })
		})
		if err != nil {
			if !s.alive(gen) {
				return ErrSessionClosed
			}
			s.fail(gen, Idle, fmt.Errorf("descriptor build aborted: %w", err))
			return err
		}
	}
	if embeddings == nil {
		embeddings = []types.LabeledEmbedding{}
	}

	ok := s.guarded(gen, func(sn *Snapshot) {
		s.embeddings = embeddings
		s.fingerprint = fp
		s.index(sn, people)
		sn.BuildProgress = 100
	})
	if !ok {
		return ErrSessionClosed
	}
	s.log.Info("Descriptors ready", "count", len(embeddings), "cached", hit)
	return nil
}

// index rebuilds the person resolution map wholesale from the directory
// snapshot. Callers hold s.mu.
func (s *Session) index(sn *Snapshot, people []types.Person) {
	s.people = matcher.NewPersonIndex(people)
	sn.Embeddings = len(s.embeddings)
}

func (s *Session) startCamera(ctx context.Context, gen uint64, start func(context.Context, camera.Facing) error, facing camera.Facing) error {
	if !s.guarded(gen, func(sn *Snapshot) {
		sn.State = CameraStarting
		sn.Facing = facing
		sn.Error = ""
	}) {
		return ErrSessionClosed
	}

	err := start(ctx, facing)
	if !s.alive(gen) {
		if err == nil {
			s.camera.Stop()
		}
		return ErrSessionClosed
	}
	if err != nil {
		s.log.Warn("Camera failed", "facing", facing, "error", err)
		s.fail(gen, CameraFailed, err)
		return err
	}
	s.guarded(gen, func(sn *Snapshot) {
		sn.State = CameraActive
		sn.Switching = false
	})
	return nil
}

// Capture freezes the current frame, stops the camera, detects every face in
// the still and matches them. It is a no-op unless the camera is active.
func (s *Session) Capture(ctx context.Context) error {
	var (
		still  *image.RGBA
		id     uint64
		capErr error
	)
	accepted := s.mutate(func() bool {
		if !s.open || s.snap.State != CameraActive {
			return false
		}
		still, capErr = s.camera.Snapshot()
		if capErr != nil {
			s.snap.State = CameraFailed
			s.snap.Error = capErr.Error()
			return true
		}
		s.capture++
		id = s.capture
		s.still = still
		s.snap.State = Processing
		s.snap.Results = nil
		s.snap.Error = ""
		return true
	})
	if !accepted {
		return nil
	}
	s.camera.Stop()
	if capErr != nil {
		return capErr
	}

	var buf bytes.Buffer
	err := annotate.EncodeJPEG(&buf, still)
	var faces []types.Face
	if err == nil {
		faces, err = s.loader.Provider().DetectAll(ctx, buf.Bytes())
	}

	var results []types.RecognitionResult
	if err == nil && len(faces) > 0 {
		s.mu.Lock()
		known, people := s.embeddings, s.people
		s.mu.Unlock()
		results = s.matcher.Match(known, faces, people)
	}

	applied := s.mutate(func() bool {
		if s.capture != id {
			return false
		}
		switch {
		case err != nil:
			s.snap.State = Failed
			s.snap.Error = err.Error()
		case len(faces) == 0:
			s.snap.State = NoFacesFound
		default:
			s.snap.State = Results
			s.snap.Results = results
		}
		return true
	})
	if !applied {
		return ErrSessionClosed
	}
	if err != nil {
		s.log.Error("Recognition failed", "error", err)
		return fmt.Errorf("recognition failed: %w", err)
	}
	s.log.Info("Capture processed", "faces", len(faces))
	return nil
}

// Restart discards the held still and results and restarts the camera with
// the last facing mode. It only acts on a settled capture.
func (s *Session) Restart(ctx context.Context) error {
	var gen uint64
	ok := s.mutate(func() bool {
		if !s.open || !s.snap.State.Settled() {
			return false
		}
		s.capture++
		s.still = nil
		s.snap.Results = nil
		s.snap.Error = ""
		gen = s.gen
		return true
	})
	if !ok {
		return nil
	}
	return s.startCamera(ctx, gen, s.camera.Start, s.camera.Facing())
}

// SwitchCamera flips the facing mode. A live or failed camera is restarted
// on the new mode; otherwise the mode is remembered for the next start.
func (s *Session) SwitchCamera(ctx context.Context) error {
	var gen uint64
	var restart bool
	next := s.camera.Facing().Opposite()
	ok := s.mutate(func() bool {
		if !s.open {
			return false
		}
		gen = s.gen
		restart = s.snap.State == CameraActive || s.snap.State == CameraFailed
		s.snap.Facing = next
		s.snap.Switching = restart
		return true
	})
	if !ok {
		return nil
	}
	if !restart {
		s.camera.SetFacing(next)
		return nil
	}
	return s.startCamera(ctx, gen, func(ctx context.Context, _ camera.Facing) error {
		return s.camera.Switch(ctx)
	}, next)
}

// Retry restarts a failed camera with the current facing mode.
func (s *Session) Retry(ctx context.Context) error {
	var gen uint64
	ok := s.mutate(func() bool {
		if !s.open || s.snap.State != CameraFailed {
			return false
		}
		gen = s.gen
		return true
	})
	if !ok {
		return nil
	}
	return s.startCamera(ctx, gen, s.camera.Start, s.camera.Facing())
}

// Close tears the view down. The camera is released at once; a settled
// capture is kept for a later Open, anything in progress is abandoned.
func (s *Session) Close() {
	closed := s.mutate(func() bool {
		if !s.open {
			return false
		}
		s.open = false
		s.gen++
		s.snap.Open = false
		s.snap.Switching = false
		if !s.snap.State.Captured() && s.snap.State != ModelsFailed {
			s.snap.State = Idle
		}
		return true
	})
	s.camera.Stop()
	if closed {
		s.log.Info("Session closed")
	}
}

// Still returns the held capture, annotated with the current results.
func (s *Session) Still() (*image.RGBA, bool) {
	s.mu.Lock()
	still, results := s.still, s.snap.Results
	s.mu.Unlock()
	if still == nil {
		return nil, false
	}
	return annotate.Draw(still, results), true
}

// Select returns the person behind the result at index.
func (s *Session) Select(index int) (*types.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.snap.Results) {
		return nil, ErrNoResult
	}
	p := s.snap.Results[index].Person
	if p == nil {
		return nil, ErrNoResult
	}
	return p, nil
}
