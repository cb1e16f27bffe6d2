package recognition

import (
	"github.com/andresmejia3/lineage/internal/camera"
	"github.com/andresmejia3/lineage/internal/types"
)

// State is the position of a session in the capture lifecycle.
type State string

const (
	Idle                State = "idle"
	ModelsLoading       State = "models_loading"
	ModelsFailed        State = "models_failed"
	DescriptorsLoading  State = "descriptors_loading"
	DescriptorsBuilding State = "descriptors_building"
	CameraStarting      State = "camera_starting"
	CameraActive        State = "camera_active"
	CameraFailed        State = "camera_failed"

	// Captured sub-states.
	Processing   State = "processing"
	Results      State = "results"
	NoFacesFound State = "no_faces_found"
	Failed       State = "failed"
)

// Captured reports whether a still is held.
func (s State) Captured() bool {
	switch s {
	case Processing, Results, NoFacesFound, Failed:
		return true
	}
	return false
}

// Settled reports whether the captured still has a final outcome.
func (s State) Settled() bool {
	return s.Captured() && s != Processing
}

// Loading reports whether a progress indicator should be shown.
func (s State) Loading() bool {
	switch s {
	case ModelsLoading, DescriptorsLoading, DescriptorsBuilding, CameraStarting:
		return true
	}
	return false
}

// Snapshot is an immutable view of a session handed to observers.
type Snapshot struct {
	SessionID     string                    `json:"sessionId"`
	Version       uint64                    `json:"version"`
	State         State                     `json:"state"`
	Open          bool                      `json:"open"`
	ModelProgress int                       `json:"modelProgress"`
	BuildProgress int                       `json:"buildProgress"`
	ModelsLoaded  bool                      `json:"modelsLoaded"`
	Embeddings    int                       `json:"embeddings"`
	Facing        camera.Facing             `json:"facing"`
	Switching     bool                      `json:"switching"`
	Results       []types.RecognitionResult `json:"results"`
	Error         string                    `json:"error,omitempty"`
}

// Flags are the per-state booleans a presentation layer renders from.
type Flags struct {
	Loading      bool `json:"loading"`
	CameraActive bool `json:"cameraActive"`
	Captured     bool `json:"captured"`
	Processing   bool `json:"processing"`
	HasResults   bool `json:"hasResults"`
	NoFacesFound bool `json:"noFacesFound"`
	Failed       bool `json:"failed"`
	CanCapture   bool `json:"canCapture"`
	CanRestart   bool `json:"canRestart"`
	CanRetry     bool `json:"canRetry"`
}

// Flags derives the display booleans from the state.
func (s Snapshot) Flags() Flags {
	return Flags{
		Loading:      s.State.Loading() || s.Switching,
		CameraActive: s.State == CameraActive,
		Captured:     s.State.Captured(),
		Processing:   s.State == Processing,
		HasResults:   s.State == Results,
		NoFacesFound: s.State == NoFacesFound,
		Failed:       s.State == ModelsFailed || s.State == CameraFailed || s.State == Failed,
		CanCapture:   s.State == CameraActive,
		CanRestart:   s.State.Settled(),
		CanRetry:     s.State == CameraFailed,
	}
}

func (s Snapshot) clone() Snapshot {
	if s.Results != nil {
		s.Results = append([]types.RecognitionResult(nil), s.Results...)
	}
	return s
}
