package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

type fakeSource struct {
	chunks chan []float32
	closed chan struct{}
	once   sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{chunks: make(chan []float32, 16), closed: make(chan struct{})}
}

func (s *fakeSource) Read(ctx context.Context) ([]float32, error) {
	select {
	case <-s.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-s.chunks:
		return c, nil
	}
}

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeAcquirer struct {
	mu       sync.Mutex
	src      *fakeSource
	err      error
	acquired int
	got      CaptureConstraints
}

func (a *fakeAcquirer) Acquire(_ context.Context, c CaptureConstraints) (Source, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	a.acquired++
	a.got = c
	a.src = newFakeSource()
	return a.src, nil
}

func (a *fakeAcquirer) source() *fakeSource {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.src
}

type fakeGate struct{ open atomic.Bool }

func (g *fakeGate) Connected() bool { return g.open.Load() }

type sentFrame struct {
	frame   *AudioFrame
	encoded string
}

type fakeTransmitter struct {
	mu     sync.Mutex
	frames []sentFrame
	fail   bool
	notify chan struct{}
}

func newFakeTransmitter() *fakeTransmitter {
	return &fakeTransmitter{notify: make(chan struct{}, 64)}
}

func (t *fakeTransmitter) TransmitAudio(f *AudioFrame, encoded string) error {
	t.mu.Lock()
	defer func() {
		t.mu.Unlock()
		select {
		case t.notify <- struct{}{}:
		default:
		}
	}()
	if t.fail {
		return errors.New("socket not open")
	}
	t.frames = append(t.frames, sentFrame{f, encoded})
	return nil
}

func (t *fakeTransmitter) sent() []sentFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentFrame(nil), t.frames...)
}

type played struct {
	samples    []float32
	sampleRate int
	channels   int
}

type fakeSink struct {
	mu     sync.Mutex
	played []played
	err    error
	closed bool
}

func (s *fakeSink) Play(samples []float32, rate, channels int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.played = append(s.played, played{samples, rate, channels})
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeTrack struct{ closed atomic.Bool }

func (t *fakeTrack) Close() error {
	t.closed.Store(true)
	return nil
}

type fakeTrackAcquirer struct {
	err    error
	tracks []*fakeTrack
}

func (a *fakeTrackAcquirer) Acquire(context.Context) (Track, error) {
	if a.err != nil {
		return nil, a.err
	}
	tr := new(fakeTrack)
	a.tracks = append(a.tracks, tr)
	return tr, nil
}

type notification struct {
	kind    TrackKind
	started bool
	// closedBefore records whether the device was already released when the stop went out
	closedBefore bool
}

type fakeNotifier struct {
	events []notification
	last   func() bool
}

func (n *fakeNotifier) TrackStarted(kind TrackKind) error {
	n.events = append(n.events, notification{kind: kind, started: true})
	return nil
}

func (n *fakeNotifier) TrackStopped(kind TrackKind) error {
	closed := false
	if n.last != nil {
		closed = n.last()
	}
	n.events = append(n.events, notification{kind: kind, closedBefore: closed})
	return nil
}

// flakySource fails every read until healed, then yields chunks like fakeSource.
type flakySource struct {
	*fakeSource
	reads  atomic.Int32
	healed atomic.Bool
}

func (s *flakySource) Read(ctx context.Context) ([]float32, error) {
	s.reads.Add(1)
	if !s.healed.Load() {
		return nil, errors.New("device busy")
	}
	return s.fakeSource.Read(ctx)
}

type fixedAcquirer struct{ src Source }

func (a fixedAcquirer) Acquire(context.Context, CaptureConstraints) (Source, error) {
	return a.src, nil
}
