package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/andresmejia3/moodsync/internal/types"
	"github.com/andresmejia3/moodsync/internal/utils" // Using the SafeCommand wrapper
	"github.com/andresmejia3/moodsync/internal/vision"
)

// Response status bytes written by the Python side.
const (
	statusOK               = 0
	statusError            = 1
	statusModelUnavailable = 2
)

var (
	// ErrModelUnavailable means the model files are missing or failed to load.
	ErrModelUnavailable = errors.New("emotion model unavailable")
	// ErrTimeout means the worker did not answer before the deadline.
	ErrTimeout = errors.New("worker timed out")
	// ErrInvalidOutput means the model produced values that are not probabilities.
	ErrInvalidOutput = errors.New("invalid model output")
)

// RemoteError is an exception reported by the worker for a single request.
// The worker stays usable after one.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "python worker error: " + e.Msg }

// ProcessError means the worker process was lost: it exited, hung or broke
// the protocol. Cmd keeps the tail of its stderr for utils.ShowError.
type ProcessError struct {
	ID  int
	Err error
	Cmd *utils.SafeCommand
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("worker %d: %v", e.ID, e.Err)
	if e.Cmd != nil {
		if last := e.Cmd.Stderr.LastLine(); last != "" {
			msg += " (stderr: " + last + ")"
		}
	}
	return msg
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Logs returns the command behind a *ProcessError in err's chain, or nil.
func Logs(err error) *utils.SafeCommand {
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe.Cmd
	}
	return nil
}

// Config describes how to start a worker process.
type Config struct {
	Python       string // interpreter, default python3
	Script       string // default python/worker.py
	ModelJSON    string // Keras model structure
	ModelWeights string
}

func (c Config) args() (string, []string) {
	py := c.Python
	if py == "" {
		py = "python3"
	}
	script := c.Script
	if script == "" {
		script = "python/worker.py"
	}
	return py, []string{"-u", script, "--model", c.ModelJSON, "--weights", c.ModelWeights}
}

// CheckModel reports ErrModelUnavailable when either model file is missing.
func (c Config) CheckModel() error {
	for _, p := range []string{c.ModelJSON, c.ModelWeights} {
		if p == "" {
			return fmt.Errorf("%w: model path not configured", ErrModelUnavailable)
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %w", ErrModelUnavailable, err)
		}
	}
	return nil
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	killOnce sync.Once
}

// NewPythonWorker starts the interpreter and waits for its handshake, which
// arrives once the model is loaded.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	name, args := cfg.args()
	py := utils.NewSafeCommand(name, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	pw := &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}
	if err := pw.handshake(ctx); err != nil {
		// Kill waits for the process, so stderr is complete afterwards
		pw.Kill()
		return nil, &ProcessError{ID: id, Err: err, Cmd: py}
	}
	return pw, nil
}

func (w *PythonWorker) handshake(ctx context.Context) error {
	_, err := await(ctx, w, func() (struct{}, error) {
		status, payload, err := w.readResponse()
		if err != nil {
			return struct{}{}, fmt.Errorf("handshake: %w", err)
		}
		if status == statusOK {
			return struct{}{}, nil
		}
		_, err = decodeResponse(append([]byte{status}, payload...))
		return struct{}{}, fmt.Errorf("handshake: %w", err)
	})
	return err
}

// Classify sends one face tensor and returns the 7 class probabilities.
// The worker is killed if ctx ends first. Errors the worker reported itself
// leave it running; anything else kills it and comes back as a *ProcessError.
func (w *PythonWorker) Classify(ctx context.Context, t vision.Tensor) (types.Probabilities, error) {
	probs, err := await(ctx, w, func() (types.Probabilities, error) {
		resp, err := w.Communicate(encodeTensor(t))
		if err != nil {
			return types.Probabilities{}, err
		}
		return decodeResponse(resp)
	})
	var remote *RemoteError
	if err == nil || errors.As(err, &remote) || errors.Is(err, ErrModelUnavailable) || errors.Is(err, ErrInvalidOutput) {
		return probs, err
	}
	w.Kill()
	return probs, &ProcessError{ID: w.ID, Err: err, Cmd: w.Cmd}
}

// Communicate writes one length-prefixed request and reads one response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

func (w *PythonWorker) readResponse() (byte, []byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return 0, nil, err
	}
	body := make([]byte, binary.BigEndian.Uint32(header))
	if _, err := io.ReadFull(w.DataPipe, body); err != nil {
		return 0, nil, err
	}
	if len(body) == 0 {
		return 0, nil, errors.New("empty response")
	}
	return body[0], body[1:], nil
}

// await runs fn and kills the process if ctx finishes first. Killing closes the
// pipes, which unblocks fn. fn's result only travels through the channel, so
// an abandoned call cannot race with the caller.
func await[T any](ctx context.Context, w *PythonWorker, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		w.Kill()
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

// Kill terminates the process without waiting for a graceful exit. Safe to
// call more than once.
func (w *PythonWorker) Kill() {
	w.killOnce.Do(func() {
		if w.Cmd != nil && w.Cmd.Process != nil {
			w.Cmd.Process.Kill()
		}
		w.Stdin.Close()
		w.DataPipe.Close()
		if w.Cmd != nil && w.Cmd.Process != nil {
			w.Cmd.Wait()
		}
	})
}

// Close asks the worker to exit by closing its stdin and waits for it.
func (w *PythonWorker) Close() {
	w.killOnce.Do(func() {
		w.Stdin.Close()
		w.DataPipe.Close()
		if w.Cmd != nil && w.Cmd.Process != nil {
			w.Cmd.Wait()
		}
	})
}

// encodeTensor serializes a face as FaceSize*FaceSize big-endian float32.
func encodeTensor(t vision.Tensor) []byte {
	buf := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.BigEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeResponse(resp []byte) (types.Probabilities, error) {
	var probs types.Probabilities
	if len(resp) == 0 {
		return probs, errors.New("empty response")
	}
	status, payload := resp[0], resp[1:]
	switch status {
	case statusOK:
		if len(payload) != 4*types.NumEmotions {
			return probs, fmt.Errorf("expected %d probability bytes, got %d", 4*types.NumEmotions, len(payload))
		}
		if err := binary.Read(bytes.NewReader(payload), binary.BigEndian, &probs); err != nil {
			return probs, err
		}
		for i, v := range probs {
			if math.IsNaN(float64(v)) || v < 0 || v > 1 {
				return types.Probabilities{}, fmt.Errorf("%w: %s probability %v", ErrInvalidOutput, types.Labels[i], v)
			}
		}
		return probs, nil
	case statusError:
		// Protocol: [Status:1] [MsgLen] [Msg]
		if len(payload) < 4 {
			return probs, &RemoteError{Msg: string(payload)}
		}
		n := binary.BigEndian.Uint32(payload)
		msg := payload[4:]
		if int(n) <= len(msg) {
			msg = msg[:n]
		}
		return probs, &RemoteError{Msg: string(msg)}
	case statusModelUnavailable:
		return probs, ErrModelUnavailable
	default:
		return probs, fmt.Errorf("unknown worker status %d", status)
	}
}
