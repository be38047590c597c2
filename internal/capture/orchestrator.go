package capture

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"classattend/internal/metrics"
	"classattend/internal/session"
)

// ErrTooManyFailures trips the circuit breaker: the orchestrator stops
// and requires an explicit restart. A deliberate fail-safe against
// silent infinite failure loops.
var ErrTooManyFailures = errors.New("too many consecutive capture failures")

// ErrNotIdle means Start was called while a run is active or faulted.
var ErrNotIdle = errors.New("orchestrator not idle")

// Camera acquires one image from the classroom device.
type Camera interface {
	Capture(ctx context.Context) (imagePath string, at time.Time, err error)
}

// SubmitResult is the transport's acknowledgement of one submission.
type SubmitResult struct {
	FacesDetected  int
	RecordsCreated int
}

// Submitter delivers captured images to the attendance backend.
type Submitter interface {
	Submit(ctx context.Context, sessionID string, capturedAt time.Time, imagePaths []string) (SubmitResult, error)
}

// EventKind identifies orchestrator notifications.
type EventKind string

const (
	EventStarted    EventKind = "started"
	EventCaptured   EventKind = "captured"
	EventSubmitted  EventKind = "submitted"
	EventRetry      EventKind = "retry"
	EventCycleError EventKind = "cycle_error"
	EventFatal      EventKind = "fatal"
	EventStopped    EventKind = "stopped"
)

// Event is a typed notification on the orchestrator's channel.
// Subscribers read until the channel closes on stop.
type Event struct {
	Kind  EventKind
	At    time.Time
	Image string
	Err   error
}

// Options tune retry, breaker, and cleanup behavior.
type Options struct {
	MaxRetries   int           // per-submission attempts
	BreakerLimit int           // consecutive failed cycles before fatal stop
	BackoffUnit  time.Duration // sleep = attempt * BackoffUnit
	SubmitBase   time.Duration // submission timeout base
	SubmitPerImg time.Duration // added per image
	SweepMaxAge  time.Duration // local images older than this are removed
	ImageDir     string

	// Interval overrides the session's capture interval when positive.
	Interval time.Duration

	// EndedFn, when set, is consulted before each scheduled cycle so an
	// explicitly ended session stops the schedule cleanly instead of
	// burning rejected submissions through the breaker.
	EndedFn func(ctx context.Context, sessionID string) bool
}

func (o *Options) fill() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BreakerLimit <= 0 {
		o.BreakerLimit = 3
	}
	if o.BackoffUnit <= 0 {
		o.BackoffUnit = 2 * time.Second
	}
	if o.SubmitBase <= 0 {
		o.SubmitBase = 10 * time.Second
	}
	if o.SubmitPerImg <= 0 {
		o.SubmitPerImg = 5 * time.Second
	}
	if o.SweepMaxAge <= 0 {
		o.SweepMaxAge = 24 * time.Hour
	}
}

// Orchestrator drives periodic captures for one session: an immediate
// capture on start, then one per capture interval until the session
// ends, with bounded retries per submission and a consecutive-failure
// breaker across cycles.
type Orchestrator struct {
	cam  Camera
	sub  Submitter
	opts Options

	mu          sync.Mutex
	state       State
	consecutive int
	inProgress  bool
	cancel      context.CancelFunc
	events      chan Event
	done        chan struct{}
	nowFn       func() time.Time
}

// New creates an orchestrator in the idle state.
func New(cam Camera, sub Submitter, opts Options) *Orchestrator {
	opts.fill()
	return &Orchestrator{
		cam:   cam,
		sub:   sub,
		opts:  opts,
		state: StateIdle,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Events returns the notification channel for the current run. Valid
// after Start; closed when the run ends.
func (o *Orchestrator) Events() <-chan Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events
}

// Start begins the capture schedule for a session. It fails when the
// orchestrator is not idle; after a breaker trip, call Reset first.
func (o *Orchestrator) Start(ctx context.Context, sess session.Session) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return ErrNotIdle
	}
	o.state = StateInitializing
	o.consecutive = 0
	o.events = make(chan Event, 16)
	o.done = make(chan struct{})

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.state = StateReady
	o.mu.Unlock()

	go o.run(runCtx, sess)
	return nil
}

// Stop cancels the recurring schedule immediately. An in-flight
// submission is allowed to finish so a valid detection is not lost.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	done := o.done
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Reset returns a faulted orchestrator to idle so it can be restarted.
func (o *Orchestrator) Reset() error {
	return o.transition(StateError, StateIdle)
}

func (o *Orchestrator) transition(from, to State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != from || !canTransition(from, to) {
		return &ErrBadTransition{From: o.state, To: to}
	}
	o.state = to
	return nil
}

func (o *Orchestrator) emit(ev Event) {
	ev.At = o.nowFn()
	select {
	case o.events <- ev:
	default:
		// Slow subscriber; drop rather than stall the capture loop.
	}
}

func (o *Orchestrator) run(ctx context.Context, sess session.Session) {
	defer close(o.done)
	defer close(o.events)

	o.emit(Event{Kind: EventStarted})
	o.sweep()

	// First capture fires immediately, then on the session's interval.
	if fatal := o.cycle(ctx, sess); fatal {
		return
	}

	interval := o.opts.Interval
	if interval <= 0 {
		interval = sess.CaptureInterval()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	sweepTicker := time.NewTicker(time.Hour)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.finish()
			return
		case <-sweepTicker.C:
			o.sweep()
		case <-ticker.C:
			if o.nowFn().After(sess.EndAt) || o.sessionEnded(ctx, sess.ID) {
				o.finish()
				return
			}
			if fatal := o.cycle(ctx, sess); fatal {
				return
			}
		}
	}
}

// sessionEnded asks the optional status reader whether the session was
// ended early on the backend.
func (o *Orchestrator) sessionEnded(ctx context.Context, sessionID string) bool {
	if o.opts.EndedFn == nil {
		return false
	}
	return o.opts.EndedFn(ctx, sessionID)
}

// finish moves the run back to idle and announces the stop.
func (o *Orchestrator) finish() {
	o.mu.Lock()
	if o.state == StateReady || o.state == StateCapturing {
		o.state = StateIdle
	}
	o.mu.Unlock()
	o.emit(Event{Kind: EventStopped})
}

// cycle performs one capture and submission. The in-progress guard
// keeps a slow submission from overlapping the next tick on the same
// local image namespace. Returns true when the breaker tripped.
func (o *Orchestrator) cycle(ctx context.Context, sess session.Session) bool {
	o.mu.Lock()
	if o.inProgress {
		o.mu.Unlock()
		log.Println("capture: previous cycle still in flight, skipping tick")
		return false
	}
	o.inProgress = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.inProgress = false
		o.mu.Unlock()
	}()

	if err := o.transition(StateReady, StateCapturing); err != nil {
		log.Printf("capture: %v", err)
		return false
	}

	imagePath, at, err := o.cam.Capture(ctx)
	if err != nil {
		log.Printf("capture: camera failed: %v", err)
		return o.cycleFailed(err)
	}
	o.emit(Event{Kind: EventCaptured, Image: imagePath})

	if err := o.submitWithRetry(sess.ID, at, imagePath); err != nil {
		return o.cycleFailed(err)
	}

	o.mu.Lock()
	o.consecutive = 0
	o.mu.Unlock()
	metrics.CaptureCycles.WithLabelValues("ok").Inc()

	if err := os.Remove(imagePath); err != nil && !os.IsNotExist(err) {
		log.Printf("capture: cleanup of %s failed: %v", imagePath, err)
	}
	_ = o.transition(StateCapturing, StateReady)
	return false
}

// submitWithRetry submits one image with bounded backoff. Submission
// runs on its own context so Stop does not abort an attempt mid-flight.
func (o *Orchestrator) submitWithRetry(sessionID string, at time.Time, imagePath string) error {
	var lastErr error
	for attempt := 1; attempt <= o.opts.MaxRetries; attempt++ {
		timeout := o.opts.SubmitBase + o.opts.SubmitPerImg
		subCtx, cancel := context.WithTimeout(context.Background(), timeout)
		res, err := o.sub.Submit(subCtx, sessionID, at, []string{imagePath})
		cancel()
		if err == nil {
			log.Printf("capture: submitted %s: %d face(s), %d record(s)", imagePath, res.FacesDetected, res.RecordsCreated)
			o.emit(Event{Kind: EventSubmitted, Image: imagePath})
			return nil
		}
		lastErr = err
		log.Printf("capture: submit attempt %d/%d failed: %v", attempt, o.opts.MaxRetries, err)
		if attempt < o.opts.MaxRetries {
			o.emit(Event{Kind: EventRetry, Image: imagePath, Err: err})
			time.Sleep(time.Duration(attempt) * o.opts.BackoffUnit)
		}
	}
	return lastErr
}

// cycleFailed records a failed cycle and trips the breaker when the
// consecutive-failure limit is reached. Retries within a cycle do not
// count; whole cycles do.
func (o *Orchestrator) cycleFailed(cause error) bool {
	metrics.CaptureCycles.WithLabelValues("failed").Inc()
	o.emit(Event{Kind: EventCycleError, Err: cause})

	o.mu.Lock()
	o.consecutive++
	tripped := o.consecutive >= o.opts.BreakerLimit
	o.mu.Unlock()

	if !tripped {
		_ = o.transition(StateCapturing, StateReady)
		return false
	}

	_ = o.transition(StateCapturing, StateError)
	metrics.CaptureCycles.WithLabelValues("breaker").Inc()
	log.Printf("capture: breaker tripped after %d consecutive failures", o.opts.BreakerLimit)
	o.emit(Event{Kind: EventFatal, Err: ErrTooManyFailures})
	if o.cancel != nil {
		o.cancel()
	}
	return true
}

// sweep removes stale local captures so storage growth stays bounded.
func (o *Orchestrator) sweep() {
	if o.opts.ImageDir == "" {
		return
	}
	cutoff := o.nowFn().Add(-o.opts.SweepMaxAge)
	entries, err := os.ReadDir(o.opts.ImageDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(o.opts.ImageDir, entry.Name())
		if err := os.Remove(path); err == nil {
			log.Printf("capture: swept stale image %s", path)
		}
	}
}
