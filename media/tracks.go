package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/bt-bridge/voice-client/shared"
	"go.uber.org/zap"
)

type TrackKind string

const (
	TrackVideo  TrackKind = "video"
	TrackScreen TrackKind = "screen"
)

// Track is an acquired video or display stream.
type Track interface {
	Close() error
}

type TrackAcquirer interface {
	Acquire(ctx context.Context) (Track, error)
}

// TrackNotifier tells the relay about local track changes.
type TrackNotifier interface {
	TrackStarted(kind TrackKind) error
	TrackStopped(kind TrackKind) error
}

// TrackController owns the camera and screen share streams. It never touches
// the audio capture or playback path.
type TrackController struct {
	logger    shared.LoggerAdapter
	acquirers map[TrackKind]TrackAcquirer
	notifier  TrackNotifier

	mu     sync.Mutex
	active map[TrackKind]Track
}

func NewTrackController(logger shared.LoggerAdapter, camera, screen TrackAcquirer, notifier TrackNotifier) (*TrackController, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if notifier == nil {
		return nil, shared.ErrNoHandler
	}
	return &TrackController{
		logger: logger.With(zap.String("component", "tracks")),
		acquirers: map[TrackKind]TrackAcquirer{
			TrackVideo:  camera,
			TrackScreen: screen,
		},
		notifier: notifier,
		active:   make(map[TrackKind]Track),
	}, nil
}

func (c *TrackController) StartVideo(ctx context.Context) error {
	return c.start(ctx, TrackVideo)
}

func (c *TrackController) StopVideo() error {
	return c.stop(TrackVideo, true)
}

func (c *TrackController) StartScreenShare(ctx context.Context) error {
	return c.start(ctx, TrackScreen)
}

func (c *TrackController) StopScreenShare() error {
	return c.stop(TrackScreen, true)
}

func (c *TrackController) VideoEnabled() bool {
	return c.Enabled(TrackVideo)
}

func (c *TrackController) ScreenSharing() bool {
	return c.Enabled(TrackScreen)
}

func (c *TrackController) Enabled(kind TrackKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[kind]
	return ok
}

// StopAll releases every device without notifying the relay. It is used on
// session teardown, when the relay already knows we left.
func (c *TrackController) StopAll() {
	for _, kind := range []TrackKind{TrackVideo, TrackScreen} {
		if err := c.stop(kind, false); err != nil {
			c.logger.Error("releasing track", err, zap.String("kind", string(kind)))
		}
	}
}

func (c *TrackController) start(ctx context.Context, kind TrackKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[kind]; ok {
		return nil
	}
	acq := c.acquirers[kind]
	if acq == nil {
		return fmt.Errorf("%w: no %s device", shared.ErrDeviceAccess, kind)
	}
	track, err := acq.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquiring %s: %w", shared.ErrDeviceAccess, kind, err)
	}
	c.active[kind] = track
	c.logger.Info("track started", zap.String("kind", string(kind)))
	if err := c.notifier.TrackStarted(kind); err != nil {
		c.logger.Warn("notifying track start", zap.String("kind", string(kind)), zap.Error(err))
	}
	return nil
}

// stop releases the device before the relay is told.
func (c *TrackController) stop(kind TrackKind, notify bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	track, ok := c.active[kind]
	if !ok {
		return nil
	}
	delete(c.active, kind)
	err := track.Close()
	if err != nil {
		err = fmt.Errorf("closing %s track: %w", kind, err)
	}
	c.logger.Info("track stopped", zap.String("kind", string(kind)))
	if notify {
		if nerr := c.notifier.TrackStopped(kind); nerr != nil {
			c.logger.Warn("notifying track stop", zap.String("kind", string(kind)), zap.Error(nerr))
		}
	}
	return err
}
