// Package model describes the face embedding backend and loads its
// sub-models in order.
package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/andresmejia3/lineage/internal/types"
)

// Stage names one independently loadable sub-model.
type Stage string

const (
	StageDetector    Stage = "ssd_mobilenetv1"
	StageLandmarks   Stage = "face_landmark_68"
	StageRecognition Stage = "face_recognition"
	StageAgeGender   Stage = "age_gender"
)

// Stages lists the sub-models in load order. Later stages rely on earlier ones.
var Stages = []Stage{StageDetector, StageLandmarks, StageRecognition, StageAgeGender}

// Provider is the face detection and embedding backend.
type Provider interface {
	// LoadStage loads one sub-model. Stages are loaded sequentially.
	LoadStage(ctx context.Context, stage Stage) error
	// DetectSingle returns the most prominent face of a portrait, or nil when
	// no face was found.
	DetectSingle(ctx context.Context, image []byte) (*types.Face, error)
	// DetectAll returns every face of an image, with age and gender attributes.
	DetectAll(ctx context.Context, image []byte) ([]types.Face, error)
}

// LoadError reports which sub-model failed to load.
type LoadError struct {
	Stage Stage
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load model %s: %v", e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Loader loads all provider stages once and remembers completion.
type Loader struct {
	provider Provider

	mu     sync.Mutex
	loaded int // number of stages loaded so far
}

// NewLoader wraps a provider.
func NewLoader(p Provider) *Loader {
	return &Loader{provider: p}
}

// Provider returns the wrapped backend.
func (l *Loader) Provider() Provider {
	return l.provider
}

// Loaded reports whether every stage is ready.
func (l *Loader) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded == len(Stages)
}

// Load loads the remaining stages in order, reporting 0-100 progress after
// each one. It stops at the first failure and does not retry; a later call
// resumes from the failed stage.
func (l *Loader) Load(ctx context.Context, progress func(int)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	report := func(done int) {
		if progress != nil {
			progress(done * 100 / len(Stages))
		}
	}
	report(l.loaded)

	for l.loaded < len(Stages) {
		stage := Stages[l.loaded]
		if err := ctx.Err(); err != nil {
			return &LoadError{Stage: stage, Err: err}
		}
		if err := l.provider.LoadStage(ctx, stage); err != nil {
			slog.Error("Model load failed", "component", "model", "stage", stage, "error", err)
			return &LoadError{Stage: stage, Err: err}
		}
		l.loaded++
		report(l.loaded)
	}
	return nil
}
