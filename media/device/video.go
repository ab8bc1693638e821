package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/bt-bridge/voice-client/media"
	"github.com/bt-bridge/voice-client/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Camera acquires the default video input. A camera driver must be registered
// by the binary, e.g. by importing mediadevices/pkg/driver/camera.
type Camera struct {
	logger    shared.LoggerAdapter
	width     int
	height    int
	frameRate float64
}

var _ media.TrackAcquirer = (*Camera)(nil)

func NewCamera(logger shared.LoggerAdapter, cfg shared.VideoConfig) (*Camera, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Camera{
		logger:    logger.With(zap.String("component", "camera")),
		width:     cfg.Width,
		height:    cfg.Height,
		frameRate: cfg.FrameRate,
	}, nil
}

func (c *Camera) Acquire(ctx context.Context) (media.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			mc.Width = prop.Int(c.width)
			mc.Height = prop.Int(c.height)
			mc.FrameRate = prop.Float(c.frameRate)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getting camera stream: %w", err)
	}
	track, err := firstVideoTrack(stream)
	if err != nil {
		return nil, err
	}
	c.logger.Info("camera opened", zap.String("track", track.ID()))
	return track, nil
}

// Screen acquires a display capture stream. It needs a registered screen driver.
type Screen struct {
	logger    shared.LoggerAdapter
	frameRate float64
}

var _ media.TrackAcquirer = (*Screen)(nil)

func NewScreen(logger shared.LoggerAdapter, cfg shared.VideoConfig) (*Screen, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Screen{
		logger:    logger.With(zap.String("component", "screen")),
		frameRate: cfg.FrameRate,
	}, nil
}

func (s *Screen) Acquire(ctx context.Context) (media.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameRate = prop.Float(s.frameRate)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getting display stream: %w", err)
	}
	track, err := firstVideoTrack(stream)
	if err != nil {
		return nil, err
	}
	s.logger.Info("screen capture opened", zap.String("track", track.ID()))
	return track, nil
}

// firstVideoTrack keeps the first video track of stream and closes the rest.
func firstVideoTrack(stream mediadevices.MediaStream) (mediadevices.Track, error) {
	var kept mediadevices.Track
	for _, track := range stream.GetTracks() {
		if kept == nil && track.Kind() == webrtc.RTPCodecTypeVideo {
			kept = track
			continue
		}
		_ = track.Close()
	}
	if kept == nil {
		return nil, errors.New("no video track found in stream")
	}
	return kept, nil
}
