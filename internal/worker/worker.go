package worker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/lineage/internal/model"
	"github.com/andresmejia3/lineage/internal/types"
	"github.com/andresmejia3/lineage/internal/utils"
)

// Config controls how the Python inference process is spawned.
type Config struct {
	Python      string        // interpreter, defaults to python3
	Script      string        // worker entrypoint, defaults to python/worker.py
	ModelDir    string        // directory holding the sub-model weights
	ReadTimeout time.Duration // per-request deadline on the data pipe, 0 disables it
}

// PythonWorker runs the face models in a child process. Requests go over
// stdin, responses come back on a dedicated pipe (FD 3 in the child) so that
// library chatter on stdout can never corrupt the protocol.
type PythonWorker struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	timeout time.Duration
	mu      sync.Mutex
	// broken is set after a failed read or write. The stream position is
	// unknown from then on, so every later call fails with it.
	broken error
}

// deadliner is implemented by *os.File pipes.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

func NewPythonWorker(cfg Config) (*PythonWorker, error) {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Script == "" {
		cfg.Script = "python/worker.py"
	}
	args := []string{"-u", cfg.Script}
	if cfg.ModelDir != "" {
		args = append(args, "--models", cfg.ModelDir)
	}
	py := utils.NewSafeCommand(cfg.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		timeout:  cfg.ReadTimeout,
	}, nil
}

// Communicate sends one framed request and waits for the framed response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken != nil {
		return nil, w.broken
	}

	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, w.breakStream(err)
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, w.breakStream(err)
	}

	if d, ok := w.DataPipe.(deadliner); ok && w.timeout > 0 {
		d.SetReadDeadline(time.Now().Add(w.timeout))
		defer d.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, w.breakStream(err) // the child died or timed out, its stderr is in Cmd.Stderr
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, w.breakStream(err)
	}
	return respBody, nil
}

// breakStream must be called with mu held.
func (w *PythonWorker) breakStream(err error) error {
	w.broken = fmt.Errorf("worker stream out of sync: %w", err)
	return w.broken
}

func (w *PythonWorker) call(ctx context.Context, op byte, payload []byte) ([]types.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := w.Communicate(encodeRequest(op, payload))
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

// LoadStage asks the worker to load one sub-model.
func (w *PythonWorker) LoadStage(ctx context.Context, stage model.Stage) error {
	_, err := w.call(ctx, opLoad, []byte(stage))
	return err
}

// DetectSingle runs the single-face detector on a portrait.
func (w *PythonWorker) DetectSingle(ctx context.Context, image []byte) (*types.Face, error) {
	faces, err := w.call(ctx, opDetectSingle, image)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, nil
	}
	return &faces[0], nil
}

// DetectAll runs multi-face detection with attributes.
func (w *PythonWorker) DetectAll(ctx context.Context, image []byte) ([]types.Face, error) {
	return w.call(ctx, opDetectAll, image)
}

// Close shuts the pipes and waits for the child to exit.
func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

var _ model.Provider = (*PythonWorker)(nil)
