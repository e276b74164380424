package fusion

import (
	"context"
	"image"
	"reflect"
	"sync"
	"time"

	"github.com/esimov/expofuse/compute"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrSuperseded is delivered to a pending job replaced by a newer submission.
	ErrSuperseded = errors.New("fusion job superseded")
	// ErrClosed is delivered to jobs submitted to, or pending in, a closed scheduler.
	ErrClosed = errors.New("scheduler closed")
)

// Job is a fusion request. The device and images are applied to the engine
// before the job runs; resources are only rebuilt when they changed.
type Job struct {
	Device compute.Device
	Images []image.Image
	Params Params
	// Done receives the outcome of the job exactly once. It is called from
	// the worker goroutine, or from Submit and Close for jobs that never ran.
	Done func(Result)

	id string
}

// Result is the outcome of a job.
type Result struct {
	JobID   string
	Image   *image.NRGBA
	Err     error
	Elapsed time.Duration
}

// Scheduler runs jobs on an engine from a single worker goroutine. A job
// submitted while another one runs waits in a single pending slot; a newer
// submission replaces it.
type Scheduler struct {
	ctx    context.Context
	engine *Engine

	mu      sync.Mutex
	pending *Job
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// NewScheduler starts a worker running jobs on e. ctx is passed to every
// job and is checked between pipeline stages.
func NewScheduler(ctx context.Context, e *Engine) *Scheduler {
	s := &Scheduler{
		ctx:    ctx,
		engine: e,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Submit queues a job and returns its ID.
func (s *Scheduler) Submit(job Job) (string, error) {
	job.id = uuid.NewString()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		job.complete(Result{JobID: job.id, Err: ErrClosed})
		return job.id, ErrClosed
	}
	superseded := s.pending
	s.pending = &job
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.mu.Unlock()

	if superseded != nil {
		superseded.complete(Result{JobID: superseded.id, Err: ErrSuperseded})
	}
	return job.id, nil
}

// Close stops the worker once the running job is done. A pending job is
// completed with ErrClosed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = nil
	close(s.wake)
	s.mu.Unlock()

	if pending != nil {
		pending.complete(Result{JobID: pending.id, Err: ErrClosed})
	}
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)
	for range s.wake {
		for {
			s.mu.Lock()
			job := s.pending
			s.pending = nil
			s.mu.Unlock()
			if job == nil {
				break
			}
			s.execute(job)
		}
	}
}

func (s *Scheduler) execute(job *Job) {
	start := time.Now()
	res := Result{JobID: job.id}
	if err := s.apply(job); err != nil {
		res.Err = err
	} else {
		res.Image, res.Err = s.engine.Process(s.ctx)
	}
	res.Elapsed = time.Since(start)
	job.complete(res)
}

func (s *Scheduler) apply(job *Job) error {
	if err := s.engine.SetParams(job.Params); err != nil {
		return err
	}
	if err := s.engine.SetDevice(job.Device); err != nil {
		return err
	}
	s.engine.mu.Lock()
	same := sameImages(s.engine.images, job.Images)
	s.engine.mu.Unlock()
	if same {
		return nil
	}
	return s.engine.SetImages(job.Images)
}

func (j *Job) complete(res Result) {
	if j.Done != nil {
		j.Done(res)
	}
}

// sameImages reports whether a and b hold the same images in the same
// order. Images of non comparable types never match.
func sameImages(a, b []image.Image) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] == nil || b[i] == nil {
			return false
		}
		if !reflect.TypeOf(a[i]).Comparable() || !reflect.TypeOf(b[i]).Comparable() {
			return false
		}
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
