package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"attendai/internal/attendance"
	"attendai/internal/capture"
	"attendai/internal/enrollment"
	"attendai/internal/match"
	"attendai/internal/metrics"
)

const (
	defaultMaxDetectionAge = 2 * time.Second
	defaultSuccessLinger   = 3 * time.Second
)

// Templates looks up enrolled face templates. found is false when the student
// never enrolled; err is set only when the lookup itself failed.
type Templates interface {
	Lookup(ctx context.Context, studentID string) (tmpl enrollment.Template, found bool, err error)
}

// Deps are the collaborators a session needs.
type Deps struct {
	Loader    capture.Loader
	Source    capture.Source
	Templates Templates
	Matcher   match.Matcher
	Recorder  attendance.Recorder
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithMetrics enables session metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// WithMaxDetectionAge sets how old the latest detection may be when Mark runs.
func WithMaxDetectionAge(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// WithSuccessLinger sets the delay before a successful session closes itself.
func WithSuccessLinger(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.linger = d
		}
	}
}

// WithLoopIdle sets the capture loop poll interval.
func WithLoopIdle(d time.Duration) Option {
	return func(s *Session) {
		s.idle = d
	}
}

// Snapshot is the externally visible session view.
type Snapshot struct {
	ID          string     `json:"id"`
	StudentID   string     `json:"student_id"`
	ClassID     string     `json:"class_id"`
	Date        string     `json:"date"`
	State       State      `json:"state"`
	FacePresent bool       `json:"face_present"`
	Code        string     `json:"code,omitempty"`
	Message     string     `json:"message,omitempty"`
	RecordedAt  *time.Time `json:"recorded_at,omitempty"`
}

// Session is one attempt to mark attendance for (student, class, date).
// It owns its camera from Open until Close.
type Session struct {
	id        string
	studentID string
	classID   string
	date      string

	deps    Deps
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	maxAge  time.Duration
	linger  time.Duration
	idle    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	flight singleflight.Group

	mu         sync.Mutex
	state      State
	err        error
	recordedAt time.Time
	opening    bool
	opened     bool
	acquired   bool
	loop       *capture.Loop
	timer      *time.Timer
	onClose    func()
}

// New creates a session in the Initializing state. Call Open to start it.
func New(studentID, classID, date string, deps Deps, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        uuid.NewString(),
		studentID: studentID,
		classID:   classID,
		date:      date,
		deps:      deps,
		logger:    slog.Default(),
		now:       time.Now,
		maxAge:    defaultMaxDetectionAge,
		linger:    defaultSuccessLinger,
		ctx:       ctx,
		cancel:    cancel,
		state:     Initializing,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", s.id, "student_id", studentID, "class_id", classID)
	return s
}

func (s *Session) ID() string        { return s.id }
func (s *Session) StudentID() string { return s.studentID }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open loads the detector and acquires the camera concurrently. If either
// fails the session moves to Error and anything acquired is released.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.state == Closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.state != Initializing || s.opening:
		s.mu.Unlock()
		return fmt.Errorf("%w: open from %s", ErrInvalidTransition, s.state)
	}
	s.opening = true
	s.mu.Unlock()

	var (
		detector capture.Detector
		acquired atomic.Bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := s.deps.Loader.Load(gctx)
		if err == nil && d == nil {
			err = errors.New("loader returned no detector")
		}
		if err != nil {
			return &CapabilityError{Kind: CapabilityModel, Err: err}
		}
		detector = d
		return nil
	})
	g.Go(func() error {
		if err := s.deps.Source.Acquire(gctx); err != nil {
			return &CapabilityError{Kind: CapabilityCamera, Err: err}
		}
		acquired.Store(true)
		return nil
	})
	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	s.mu.Lock()
	if err == nil && s.state == Closed {
		err = ErrSessionClosed
	}
	if err != nil {
		if s.state != Closed {
			s.state = Error
			s.err = err
		}
		s.mu.Unlock()
		if acquired.Load() {
			if rerr := s.deps.Source.Release(); rerr != nil {
				s.logger.Warn("camera release failed", "error", rerr)
			}
		}
		if errors.Is(err, ErrCapabilityUnavailable) {
			s.metrics.SessionOpened(false)
			s.logger.Warn("verification session unavailable", "error", err)
		}
		return err
	}

	loopOpts := []capture.LoopOption{
		capture.WithLogger(s.logger),
		capture.WithObserver(func(_ *capture.Detection, err error, took time.Duration) {
			s.metrics.ObserveDetection(took, err)
		}),
	}
	if s.idle > 0 {
		loopOpts = append(loopOpts, capture.WithIdle(s.idle))
	}
	s.loop = capture.NewLoop(s.deps.Source, detector, loopOpts...)
	s.loop.Start(s.ctx)
	s.acquired = true
	s.opened = true
	s.state = Detecting
	s.mu.Unlock()

	s.metrics.SessionOpened(true)
	s.logger.Info("verification session opened")
	return nil
}

// Mark runs one verification attempt from Detecting. Concurrent calls share a
// single attempt and observe the same result. The returned error is nil only
// on Success.
func (s *Session) Mark(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return s.Snapshot(), err
	}
	ch := s.flight.DoChan("mark", func() (any, error) {
		return nil, s.mark()
	})
	select {
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	case res := <-ch:
		return s.Snapshot(), res.Err
	}
}

func (s *Session) mark() error {
	s.mu.Lock()
	switch s.state {
	case Detecting:
	case Closed:
		s.mu.Unlock()
		return ErrSessionClosed
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: mark from %s", ErrInvalidTransition, state)
	}
	s.state = Matching
	s.err = nil
	loop := s.loop
	s.mu.Unlock()

	det := s.fresh(loop.Latest())
	if det == nil {
		return s.finish(Mismatch, ErrNoFacePresent, time.Time{})
	}

	tmpl, found, err := s.deps.Templates.Lookup(s.ctx, s.studentID)
	if err != nil {
		return s.finish(Error, fmt.Errorf("%w: %w", ErrLookupFailure, err), time.Time{})
	}
	if !found {
		return s.finish(Mismatch, ErrNoEnrollment, time.Time{})
	}

	dec, err := s.deps.Matcher.Compare(det.Descriptor, tmpl.Vector)
	if err != nil {
		return s.finish(Error, err, time.Time{})
	}
	s.metrics.ObserveDistance(dec.Distance)
	s.logger.Debug("face compared", "distance", dec.Distance, "threshold", dec.Threshold, "match", dec.Match)
	if !dec.Match {
		return s.finish(Mismatch, ErrMismatch, time.Time{})
	}

	if s.State() == Closed {
		return ErrSessionClosed
	}
	// once triggered the write completes even if the session closes
	rec, err := s.deps.Recorder.Record(context.WithoutCancel(s.ctx), attendance.Entry{
		StudentID: s.studentID,
		ClassID:   s.classID,
		Date:      s.date,
		Status:    attendance.StatusPresent,
	})
	switch {
	case err == nil:
		return s.finish(Success, nil, rec.CreatedAt)
	case errors.Is(err, attendance.ErrAlreadyRecorded):
		return s.finish(AlreadyRecorded, ErrAlreadyRecorded, time.Time{})
	default:
		return s.finish(Error, fmt.Errorf("%w: %w", ErrRecorderFailure, err), time.Time{})
	}
}

// fresh drops a detection that is too old to stand for the face in front of
// the camera right now.
func (s *Session) fresh(det *capture.Detection) *capture.Detection {
	if det == nil || len(det.Descriptor) == 0 {
		return nil
	}
	if !det.At.IsZero() && s.now().Sub(det.At) > s.maxAge {
		return nil
	}
	return det
}

func (s *Session) finish(next State, err error, recordedAt time.Time) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		s.logger.Info("result discarded by closed session", "outcome", next.String())
		return ErrSessionClosed
	}
	s.state = next
	s.err = err
	if next == Success {
		s.recordedAt = recordedAt
		if s.recordedAt.IsZero() {
			s.recordedAt = s.now()
		}
	}
	if next == Success || next == AlreadyRecorded {
		s.timer = time.AfterFunc(s.linger, func() { _ = s.Close() })
	}
	loop := s.loop
	s.mu.Unlock()

	// nothing can leave Error but Close, so detection stops here
	if next == Error && loop != nil {
		loop.Stop()
	}

	s.metrics.IncrementOutcome(next.String())
	switch next {
	case Success:
		s.logger.Info("attendance marked", "date", s.date)
	case Error:
		s.logger.Error("verification failed", "error", err)
	default:
		s.logger.Info("verification outcome", "outcome", next.String(), "code", Code(err))
	}
	return err
}

// Retry returns a session in Mismatch to Detecting.
func (s *Session) Retry() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Mismatch:
		s.state = Detecting
		s.err = nil
		return nil
	case Closed:
		return ErrSessionClosed
	default:
		return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, s.state)
	}
}

// Push hands a camera frame to the session's source.
func (s *Session) Push(data []byte) (uint64, error) {
	sink, ok := s.deps.Source.(interface {
		Push([]byte) (uint64, error)
	})
	if !ok {
		return 0, errors.New("camera does not accept pushed frames")
	}
	if s.State() == Closed {
		return 0, ErrSessionClosed
	}
	return sink.Push(data)
}

// Close stops detection and releases the camera. A recorder call already in
// flight still completes but its result is discarded. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closed
	loop, timer, acquired, opened, onClose := s.loop, s.timer, s.acquired, s.opened, s.onClose
	s.acquired = false
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	s.cancel()
	var err error
	if acquired {
		err = s.deps.Source.Release()
	}
	if loop != nil {
		loop.Stop()
	}
	if opened {
		s.metrics.SessionClosed()
	}
	if onClose != nil {
		onClose()
	}
	s.logger.Info("verification session closed")
	return err
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Snapshot returns the current view of the session. It never includes the
// match distance.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:        s.id,
		StudentID: s.studentID,
		ClassID:   s.classID,
		Date:      s.date,
		State:     s.state,
		Code:      Code(s.err),
		Message:   Message(s.err),
	}
	if s.loop != nil && s.state == Detecting {
		snap.FacePresent = s.fresh(s.loop.Latest()) != nil
	}
	if !s.recordedAt.IsZero() {
		at := s.recordedAt
		snap.RecordedAt = &at
	}
	return snap
}
