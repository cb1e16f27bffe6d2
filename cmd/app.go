package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/lineage/internal/builder"
	"github.com/andresmejia3/lineage/internal/cache"
	"github.com/andresmejia3/lineage/internal/camera"
	"github.com/andresmejia3/lineage/internal/directory"
	"github.com/andresmejia3/lineage/internal/matcher"
	"github.com/andresmejia3/lineage/internal/model"
	"github.com/andresmejia3/lineage/internal/photos"
	"github.com/andresmejia3/lineage/internal/recognition"
	"github.com/andresmejia3/lineage/internal/utils"
	"github.com/andresmejia3/lineage/internal/worker"
	"github.com/schollz/progressbar/v3"
)

// directorySource returns the configured person directory.
func directorySource(ctx context.Context) (directory.Source, error) {
	if Cfg.Directory.Source == "postgres" {
		db, err := openDB(ctx)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	return directory.NewFileSource(Cfg.Directory.Path), nil
}

// descriptorCache returns the configured descriptor cache.
func descriptorCache(ctx context.Context) (*cache.Cache, error) {
	switch Cfg.Cache.Backend {
	case "postgres":
		db, err := openDB(ctx)
		if err != nil {
			return nil, err
		}
		return cache.New(db), nil
	case "memory":
		return cache.New(cache.NewMemoryKV()), nil
	default:
		kv, err := cache.NewFileKV(Cfg.Cache.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache directory: %w", err)
		}
		return cache.New(kv), nil
	}
}

func startWorker() (*worker.PythonWorker, error) {
	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	return worker.NewPythonWorker(worker.Config{
		Python:      Cfg.Worker.Python,
		Script:      Cfg.Worker.Script,
		ModelDir:    Cfg.Worker.ModelDir,
		ReadTimeout: Cfg.Worker.Timeout,
	})
}

// cameraBackend builds the configured backend. image, when set, forces the
// still backend on that picture.
func cameraBackend(image string) (camera.Backend, error) {
	if image == "" && Cfg.Camera.Backend == "still" {
		image = Cfg.Camera.Image
	}
	if image != "" {
		still, err := camera.LoadStill(image, Cfg.Camera.MaxWidth)
		if err != nil {
			return nil, err
		}
		return still, nil
	}
	switch Cfg.Camera.Backend {
	case "ffmpeg":
		return camera.NewFFmpegBackend(Cfg.Camera.FFmpegFormat, Cfg.Camera.FrontDevice, Cfg.Camera.BackDevice), nil
	default:
		return camera.NewV4L2Backend(Cfg.Camera.FrontDevice, Cfg.Camera.BackDevice), nil
	}
}

func newMatcher() (*matcher.Matcher, error) {
	metric, err := matcher.MetricByName(Cfg.Matcher.Metric)
	if err != nil {
		return nil, err
	}
	return matcher.New(Cfg.Matcher.Threshold, metric), nil
}

// app is everything a recognition session needs, wired from the config.
type app struct {
	worker  *worker.PythonWorker
	people  directory.Source
	session *recognition.Session
}

func newApp(ctx context.Context, image string, facing camera.Facing) (*app, error) {
	people, err := directorySource(ctx)
	if err != nil {
		return nil, err
	}
	c, err := descriptorCache(ctx)
	if err != nil {
		return nil, err
	}
	m, err := newMatcher()
	if err != nil {
		return nil, err
	}
	backend, err := cameraBackend(image)
	if err != nil {
		return nil, fmt.Errorf("failed to set up camera: %w", err)
	}

	w, err := startWorker()
	if err != nil {
		return nil, err
	}

	cam := camera.NewManager(backend, Cfg.Camera.Viewport)
	cam.SetFacing(facing)
	b := builder.New(w, photos.NewFetcher(Cfg.Photos.Base), c)
	return &app{
		worker:  w,
		people:  people,
		session: recognition.New(model.NewLoader(w), c, b, cam, m),
	}, nil
}

// showWorkerError reports a failure together with the worker's stderr.
func (a *app) showWorkerError(msg string, err error) {
	var cmd *utils.SafeCommand
	if a.worker != nil {
		cmd = a.worker.Cmd
	}
	utils.ShowError(msg, err, cmd)
}

func (a *app) Close() {
	a.session.Close()
	a.worker.Close()
}

// progressBars renders model loading and descriptor building on stderr as the
// session reports them.
func progressBars(s *recognition.Session) func() {
	var models, build *progressbar.ProgressBar
	cancel := s.Subscribe(func(sn recognition.Snapshot) {
		switch sn.State {
		case recognition.ModelsLoading:
			if models == nil {
				models = newBar("🧠 Loading models")
			}
			models.Set(sn.ModelProgress)
		case recognition.DescriptorsBuilding:
			if models != nil {
				models.Finish()
			}
			if build == nil {
				build = newBar("🧬 Building descriptors")
			}
			build.Set(sn.BuildProgress)
		case recognition.CameraStarting:
			if build != nil {
				build.Finish()
			}
		}
	})
	return cancel
}

func newBar(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(100,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
}
