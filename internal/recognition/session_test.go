package recognition

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"

	"github.com/andresmejia3/lineage/internal/builder"
	"github.com/andresmejia3/lineage/internal/cache"
	"github.com/andresmejia3/lineage/internal/camera"
	"github.com/andresmejia3/lineage/internal/matcher"
	"github.com/andresmejia3/lineage/internal/model"
	"github.com/andresmejia3/lineage/internal/types"
)

// fakeProvider maps portrait bytes to descriptors and returns a scripted
// detection list for captures.
type fakeProvider struct {
	mu        sync.Mutex
	failStage model.Stage
	failures  int
	loads     int
	portraits map[string][]float64
	singles   int
	faces     []types.Face
	detectErr error
	detectAll int
}

func (p *fakeProvider) LoadStage(_ context.Context, stage model.Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stage == p.failStage && p.failures > 0 {
		p.failures--
		return errors.New("failed to fetch model shard")
	}
	p.loads++
	return nil
}

func (p *fakeProvider) DetectSingle(_ context.Context, img []byte) (*types.Face, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.singles++
	vec, ok := p.portraits[string(img)]
	if !ok {
		return nil, nil
	}
	return &types.Face{Vec: vec}, nil
}

func (p *fakeProvider) DetectAll(context.Context, []byte) ([]types.Face, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detectAll++
	return p.faces, p.detectErr
}

type fakePhotos struct {
	images  map[string][]byte
	onFetch func()
}

func (f *fakePhotos) Fetch(_ context.Context, ref string) ([]byte, error) {
	if f.onFetch != nil {
		f.onFetch()
	}
	img, ok := f.images[ref]
	if !ok {
		return nil, errors.New("404")
	}
	return img, nil
}

// flakyBackend is a still camera that rejects the first `fail` opens.
type flakyBackend struct {
	camera.StillBackend
	fail  int
	opens []camera.Constraints
}

func (b *flakyBackend) Open(ctx context.Context, c camera.Constraints) (camera.Stream, error) {
	b.opens = append(b.opens, c)
	if b.fail > 0 {
		b.fail--
		return nil, errors.New("NotReadableError")
	}
	return b.StillBackend.Open(ctx, c)
}

type harness struct {
	provider *fakeProvider
	photos   *fakePhotos
	backend  *flakyBackend
	kv       *cache.MemoryKV
	camera   *camera.Manager
	people   []types.Person
}

func newHarness() *harness {
	h := &harness{
		provider: &fakeProvider{portraits: map[string][]float64{
			"jean-bytes":  {1, 0},
			"marie-bytes": {0, 1},
		}},
		photos: &fakePhotos{images: map[string][]byte{
			"jean":  []byte("jean-bytes"),
			"marie": []byte("marie-bytes"),
		}},
		backend: &flakyBackend{StillBackend: camera.StillBackend{Image: image.NewRGBA(image.Rect(0, 0, 64, 48))}},
		kv:      cache.NewMemoryKV(),
		people: []types.Person{
			{ID: "0", Data: types.PersonData{FirstName: "Jean", LastName: "Dubois", Image: "jean"}},
			{ID: "1", Data: types.PersonData{FirstName: "Marie", LastName: "Leclerc", Image: "marie"}},
			{ID: "2", Data: types.PersonData{FirstName: "Pierre", LastName: "Dubois", Image: types.NoPhoto}},
		},
	}
	h.camera = camera.NewManager(h.backend, 1024)
	return h
}

func (h *harness) session(loader *model.Loader) *Session {
	c := cache.New(h.kv)
	return New(loader, c, builder.New(h.provider, h.photos, c), h.camera, matcher.New(matcher.DefaultThreshold, nil))
}

func (h *harness) open(t *testing.T) *Session {
	t.Helper()
	s := h.session(model.NewLoader(h.provider))
	if err := s.Open(context.Background(), h.people); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

// record collects the sequence of states seen by an observer.
func record(s *Session) *[]State {
	var states []State
	s.Subscribe(func(sn Snapshot) {
		if len(states) == 0 || states[len(states)-1] != sn.State {
			states = append(states, sn.State)
		}
	})
	return &states
}

func contains(states []State, want State) bool {
	for _, s := range states {
		if s == want {
			return true
		}
	}
	return false
}

func TestOpenReachesCameraActive(t *testing.T) {
	h := newHarness()
	s := h.session(model.NewLoader(h.provider))
	states := record(s)

	if err := s.Open(context.Background(), h.people); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	snap := s.Snapshot()
	if snap.State != CameraActive {
		t.Fatalf("Expected CameraActive, got %s", snap.State)
	}
	if snap.Embeddings != 2 || !snap.ModelsLoaded || snap.ModelProgress != 100 || snap.BuildProgress != 100 {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}
	for _, want := range []State{ModelsLoading, DescriptorsLoading, DescriptorsBuilding, CameraStarting, CameraActive} {
		if !contains(*states, want) {
			t.Errorf("Expected to pass through %s, saw %v", want, *states)
		}
	}
	if snap.Facing != camera.Back {
		t.Errorf("Expected default back camera, got %s", snap.Facing)
	}
	if !h.camera.Active() {
		t.Error("Camera should be live")
	}
}

func TestSecondSessionLoadsDescriptorsFromCache(t *testing.T) {
	h := newHarness()
	first := h.open(t)
	first.Close()
	built := h.provider.singles

	s := h.session(model.NewLoader(h.provider))
	states := record(s)
	if err := s.Open(context.Background(), h.people); err != nil {
		t.Fatal(err)
	}
	if contains(*states, DescriptorsBuilding) {
		t.Errorf("Cache hit must not rebuild, saw %v", *states)
	}
	if h.provider.singles != built {
		t.Errorf("Expected no new portrait detections, got %d more", h.provider.singles-built)
	}
	if s.Snapshot().Embeddings != 2 {
		t.Errorf("Expected 2 cached embeddings, got %d", s.Snapshot().Embeddings)
	}
}

func TestCaptureIsNoOpOutsideCameraActive(t *testing.T) {
	h := newHarness()
	s := h.session(model.NewLoader(h.provider))

	if err := s.Capture(context.Background()); err != nil {
		t.Fatalf("Capture while idle should be a no-op, got %v", err)
	}
	if s.Snapshot().State != Idle || h.provider.detectAll != 0 {
		t.Fatal("Capture while idle changed state")
	}

	if err := s.Open(context.Background(), h.people); err != nil {
		t.Fatal(err)
	}
	h.provider.faces = []types.Face{{Box: types.Box{X: 1, Y: 1, Width: 10, Height: 10}, Vec: []float64{0.9, 0.1}}}
	if err := s.Capture(context.Background()); err != nil {
		t.Fatal(err)
	}
	version := s.Snapshot().Version

	// A second capture from Results does nothing.
	if err := s.Capture(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.provider.detectAll != 1 || s.Snapshot().Version != version {
		t.Errorf("Capture from %s must be a no-op", s.Snapshot().State)
	}
}

func TestCaptureResults(t *testing.T) {
	h := newHarness()
	s := h.open(t)
	h.provider.faces = []types.Face{
		{Box: types.Box{X: 40, Y: 5, Width: 10, Height: 10}, Vec: []float64{-5, -5}, Age: 30.4, Gender: "male"},
		{Box: types.Box{X: 5, Y: 5, Width: 10, Height: 10}, Vec: []float64{0.9, 0.1}, Age: 61.6, Gender: "male", GenderConfidence: 0.9},
	}

	if err := s.Capture(context.Background()); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	snap := s.Snapshot()
	if snap.State != Results {
		t.Fatalf("Expected Results, got %s", snap.State)
	}
	if len(snap.Results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(snap.Results))
	}
	best := snap.Results[0]
	if best.Label != "Jean Dubois" || best.Person == nil || best.Person.ID != "0" || best.Age != 62 {
		t.Errorf("Unexpected best result: %+v", best)
	}
	if snap.Results[1].Label != types.UnknownLabel || snap.Results[1].Person != nil {
		t.Errorf("Expected far face to be unknown, got %+v", snap.Results[1])
	}
	if h.camera.Active() {
		t.Error("Camera must be stopped after capture")
	}
	if _, ok := s.Still(); !ok {
		t.Error("Expected a held still")
	}

	p, err := s.Select(0)
	if err != nil || p.ID != "0" {
		t.Errorf("Select(0) = %v, %v", p, err)
	}
	if _, err := s.Select(1); !errors.Is(err, ErrNoResult) {
		t.Errorf("Expected ErrNoResult for the unknown face, got %v", err)
	}
	if _, err := s.Select(7); !errors.Is(err, ErrNoResult) {
		t.Errorf("Expected ErrNoResult out of range, got %v", err)
	}
}

func TestCaptureWithoutFaces(t *testing.T) {
	h := newHarness()
	s := h.open(t)

	if err := s.Capture(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if snap.State != NoFacesFound {
		t.Fatalf("Expected NoFacesFound, got %s", snap.State)
	}
	f := snap.Flags()
	if !f.NoFacesFound || f.HasResults || !f.Captured || !f.CanRestart {
		t.Errorf("Unexpected flags: %+v", f)
	}
	if _, ok := s.Still(); !ok {
		t.Error("The plain still must still be drawable")
	}
}

func TestRestartClearsCapture(t *testing.T) {
	h := newHarness()
	s := h.open(t)
	h.provider.faces = []types.Face{{Vec: []float64{0, 1}}}
	s.Capture(context.Background())
	if s.Snapshot().State != Results {
		t.Fatal("Expected Results before restart")
	}

	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	snap := s.Snapshot()
	if snap.State != CameraActive || len(snap.Results) != 0 {
		t.Errorf("Expected CameraActive with no results, got %s with %d", snap.State, len(snap.Results))
	}
	if _, ok := s.Still(); ok {
		t.Error("Still must be released on restart")
	}
	if !h.camera.Active() {
		t.Error("Camera should be live again")
	}
}

func TestReopenRedrawsHeldCapture(t *testing.T) {
	h := newHarness()
	s := h.open(t)
	h.provider.faces = []types.Face{{Vec: []float64{0, 1}}}
	s.Capture(context.Background())

	s.Close()
	if s.Snapshot().State != Results || h.camera.Active() {
		t.Fatal("Close must keep the capture and leave the camera off")
	}

	loads, detections := h.provider.loads, h.provider.detectAll
	if err := s.Open(context.Background(), h.people); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if snap.State != Results || len(snap.Results) != 1 || snap.Results[0].Label != "Marie Leclerc" {
		t.Errorf("Expected held results, got %s %+v", snap.State, snap.Results)
	}
	if h.provider.loads != loads || h.provider.detectAll != detections {
		t.Error("Reopen must not recompute anything")
	}
	if h.camera.Active() {
		t.Error("Reopen with a held capture must not start the camera")
	}
}

func TestModelLoadFailureIsFatalUntilReopen(t *testing.T) {
	h := newHarness()
	h.provider.failStage = model.StageRecognition
	h.provider.failures = 1
	s := h.session(model.NewLoader(h.provider))

	err := s.Open(context.Background(), h.people)
	var loadErr *model.LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("Expected *model.LoadError, got %v", err)
	}
	snap := s.Snapshot()
	if snap.State != ModelsFailed || snap.Error == "" || !snap.Flags().Failed {
		t.Errorf("Expected visible ModelsFailed, got %+v", snap)
	}
	if len(h.backend.opens) != 0 {
		t.Error("Camera must not start after a model failure")
	}

	s.Close()
	if err := s.Open(context.Background(), h.people); err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if s.Snapshot().State != CameraActive {
		t.Errorf("Expected CameraActive after reopen, got %s", s.Snapshot().State)
	}
}

func TestZeroEmbeddingsStillOffersCamera(t *testing.T) {
	h := newHarness()
	for i := range h.people {
		h.people[i].Data.Image = types.NoPhoto
	}
	s := h.open(t)
	if s.Snapshot().State != CameraActive || s.Snapshot().Embeddings != 0 {
		t.Fatalf("Expected camera with zero embeddings, got %+v", s.Snapshot())
	}

	h.provider.faces = []types.Face{{Vec: []float64{1, 0}}}
	if err := s.Capture(context.Background()); err != nil {
		t.Fatal(err)
	}
	r := s.Snapshot().Results
	if len(r) != 1 || r[0].Label != types.UnknownLabel || r[0].Confidence != 0 {
		t.Errorf("Expected a single unknown result, got %+v", r)
	}
}

func TestCameraFallbackIsSilent(t *testing.T) {
	h := newHarness()
	h.backend.fail = 1
	s := h.open(t)

	snap := s.Snapshot()
	if snap.State != CameraActive || snap.Error != "" {
		t.Errorf("Expected CameraActive without error, got %s %q", snap.State, snap.Error)
	}
	if len(h.backend.opens) != 2 || h.backend.opens[1] != camera.FallbackConstraints(camera.Back) {
		t.Errorf("Expected a fallback open, got %+v", h.backend.opens)
	}
}

func TestCameraFailureAndRetry(t *testing.T) {
	h := newHarness()
	h.backend.fail = 2
	s := h.session(model.NewLoader(h.provider))

	if err := s.Open(context.Background(), h.people); !errors.Is(err, camera.ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
	snap := s.Snapshot()
	if snap.State != CameraFailed || !snap.Flags().CanRetry {
		t.Fatalf("Expected retryable CameraFailed, got %+v", snap)
	}

	// Capture is not accepted while the camera is down.
	s.Capture(context.Background())
	if h.provider.detectAll != 0 {
		t.Error("Capture must be a no-op in CameraFailed")
	}

	if err := s.Retry(context.Background()); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if s.Snapshot().State != CameraActive {
		t.Errorf("Expected CameraActive after retry, got %s", s.Snapshot().State)
	}
}

func TestSwitchCamera(t *testing.T) {
	h := newHarness()
	s := h.open(t)

	if err := s.SwitchCamera(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if snap.State != CameraActive || snap.Facing != camera.Front || snap.Switching {
		t.Errorf("Unexpected snapshot after switch: %+v", snap)
	}
	last := h.backend.opens[len(h.backend.opens)-1]
	if last.Facing != camera.Front {
		t.Errorf("Expected front camera request, got %+v", last)
	}

	if err := s.SwitchCamera(context.Background()); err != nil {
		t.Fatal(err)
	}
	last = h.backend.opens[len(h.backend.opens)-1]
	if s.Snapshot().Facing != camera.Back || last.Facing != camera.Back || h.camera.Facing() != camera.Back {
		t.Errorf("Expected to be back on the back camera, got %+v", last)
	}
}

func TestSwitchFailureKeepsRequestedFacing(t *testing.T) {
	h := newHarness()
	s := h.open(t)
	h.backend.fail = 2

	if err := s.SwitchCamera(context.Background()); !errors.Is(err, camera.ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
	if snap := s.Snapshot(); snap.State != CameraFailed || snap.Facing != camera.Front {
		t.Fatalf("Expected CameraFailed on front, got %+v", snap)
	}
	if err := s.Retry(context.Background()); err != nil {
		t.Fatal(err)
	}
	last := h.backend.opens[len(h.backend.opens)-1]
	if last.Facing != camera.Front {
		t.Errorf("Retry must target the requested camera, got %+v", last)
	}
}

func TestCloseDuringBuildDiscardsResult(t *testing.T) {
	h := newHarness()
	s := h.session(model.NewLoader(h.provider))
	var once sync.Once
	h.photos.onFetch = func() { once.Do(s.Close) }

	if err := s.Open(context.Background(), h.people); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Expected ErrSessionClosed, got %v", err)
	}
	snap := s.Snapshot()
	if snap.State != Idle || snap.Embeddings != 0 {
		t.Errorf("Closed session must not apply the build, got %+v", snap)
	}
	if len(h.backend.opens) != 0 {
		t.Error("Camera must not start after close")
	}

	// The build ran to completion and was persisted.
	h.photos.onFetch = nil
	states := record(s)
	if err := s.Open(context.Background(), h.people); err != nil {
		t.Fatal(err)
	}
	if contains(*states, DescriptorsBuilding) || contains(*states, ModelsLoading) {
		t.Errorf("Reopen should reuse models and cached descriptors, saw %v", *states)
	}
}

func TestInferenceFailureIsRecoverable(t *testing.T) {
	h := newHarness()
	s := h.open(t)
	h.provider.detectErr = errors.New("backend lost")

	if err := s.Capture(context.Background()); err == nil {
		t.Fatal("Expected recognition error")
	}
	snap := s.Snapshot()
	if snap.State != Failed || snap.Error == "" {
		t.Fatalf("Expected Failed with error, got %+v", snap)
	}

	h.provider.detectErr = nil
	if err := s.Restart(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Snapshot().State != CameraActive {
		t.Errorf("Expected CameraActive after restart, got %s", s.Snapshot().State)
	}
}

func TestObserversSeeIncreasingVersions(t *testing.T) {
	h := newHarness()
	s := h.session(model.NewLoader(h.provider))
	var versions []uint64
	cancel := s.Subscribe(func(sn Snapshot) { versions = append(versions, sn.Version) })

	s.Open(context.Background(), h.people)
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("Versions out of order: %v", versions)
		}
	}

	cancel()
	n := len(versions)
	s.Close()
	if len(versions) != n {
		t.Error("Cancelled observer still notified")
	}
}
