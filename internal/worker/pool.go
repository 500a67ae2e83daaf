package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/moodsync/internal/types"
	"github.com/andresmejia3/moodsync/internal/vision"
)

// ErrPoolClosed is returned by Classify after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Func adapts an in-process function to the classifier interface.
type Func func(ctx context.Context, t vision.Tensor) (types.Probabilities, error)

func (f Func) Classify(ctx context.Context, t vision.Tensor) (types.Probabilities, error) {
	return f(ctx, t)
}

// engine is one running model process.
type engine interface {
	Classify(ctx context.Context, t vision.Tensor) (types.Probabilities, error)
	Kill()
	Close()
}

// Pool runs up to Size workers. A worker that times out or crashes is killed
// and a fresh one is spawned on the next request.
type Pool struct {
	timeout time.Duration
	// idle holds one slot per worker; nil means the slot needs a fresh process.
	idle   chan engine
	size   int
	nextID atomic.Int64
	closed atomic.Bool
	once   sync.Once

	spawn func(ctx context.Context, id int) (engine, error)
}

// NewPool checks the model files and starts the first worker so a broken
// environment is reported at startup. The remaining workers start on demand.
func NewPool(ctx context.Context, cfg Config, size int, timeout time.Duration) (*Pool, error) {
	if err := cfg.CheckModel(); err != nil {
		return nil, err
	}
	p := newPool(size, timeout, func(ctx context.Context, id int) (engine, error) {
		return NewPythonWorker(ctx, id, cfg)
	})
	if err := p.warm(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func newPool(size int, timeout time.Duration, spawn func(context.Context, int) (engine, error)) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		timeout: timeout,
		idle:    make(chan engine, size),
		size:    size,
		spawn:   spawn,
	}
	for range size {
		p.idle <- nil
	}
	return p
}

func (p *Pool) warm(ctx context.Context) error {
	<-p.idle
	w, err := p.start(ctx)
	p.idle <- w
	return err
}

func (p *Pool) start(ctx context.Context) (engine, error) {
	id := int(p.nextID.Add(1))
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout*4) // model load is slower than inference
		defer cancel()
	}
	w, err := p.spawn(ctx, id)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Size is the maximum number of concurrent workers.
func (p *Pool) Size() int { return p.size }

// Classify runs the tensor on an idle worker, waiting for one if all are busy.
func (p *Pool) Classify(ctx context.Context, t vision.Tensor) (types.Probabilities, error) {
	if p.closed.Load() {
		return types.Probabilities{}, ErrPoolClosed
	}

	var w engine
	select {
	case w = <-p.idle:
	case <-ctx.Done():
		return types.Probabilities{}, ctx.Err()
	}
	if p.closed.Load() {
		p.idle <- w
		return types.Probabilities{}, ErrPoolClosed
	}

	if w == nil {
		var err error
		if w, err = p.start(ctx); err != nil {
			p.idle <- nil
			return types.Probabilities{}, err
		}
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	probs, err := w.Classify(ctx, t)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) || errors.Is(err, ErrInvalidOutput) {
			p.idle <- w
			return probs, err
		}
		// Timeout, crash or protocol desync: the process can't be trusted.
		fmt.Fprintf(os.Stderr, "⚠️  Restarting emotion worker: %v\n", err)
		w.Kill()
		p.idle <- nil
		return probs, err
	}
	p.idle <- w
	return probs, nil
}

// Close waits for in-flight requests and stops every worker.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.closed.Store(true)
		for range p.size {
			if w := <-p.idle; w != nil {
				w.Close()
			}
		}
		// Refill so late callers see ErrPoolClosed instead of blocking.
		for range p.size {
			p.idle <- nil
		}
	})
}
