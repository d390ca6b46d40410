// Package media owns the local microphone for one call: it opens a Device,
// publishes its Opus frames on a webrtc track, and implements mute by
// sending silence instead of removing the track.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
)

const (
	DefaultFrameDuration = 20 * time.Millisecond
	ClockRate            = 48000
	Channels             = 2
)

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Frame is one encoded Opus packet.
type Frame struct {
	Data     []byte
	Duration time.Duration
}

// Source yields encoded frames until it is closed. release, when not nil,
// gives the frame buffer back to the source.
type Source interface {
	ReadFrame() (frame Frame, release func(), err error)
	Close() error
}

// Device opens a capture Source. Implementations report a refused
// permission with an error wrapping os.ErrPermission or
// shared.ErrPermissionDenied.
type Device interface {
	Open(ctx context.Context) (Source, error)
}

// Track is a local audio track. Disabled tracks keep their place in the
// session and send silence.
type Track struct {
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
}

func newTrack(streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   ClockRate,
		Channels:    Channels,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, "audio", streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{local: local}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) setEnabled(v bool) { t.enabled.Store(v) }

// payload is what goes on the wire for f.
func (t *Track) payload(f Frame) []byte {
	if t.Enabled() {
		return f.Data
	}
	return opusSilence
}

// LocalStream is the set of tracks produced by one Acquire.
type LocalStream struct {
	ID     string
	tracks []*Track
}

func (s *LocalStream) Tracks() []*Track {
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Classify maps a device error onto shared.ErrPermissionDenied or
// shared.ErrDeviceUnavailable, keeping the cause.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, shared.ErrPermissionDenied) || errors.Is(err, shared.ErrDeviceUnavailable) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if errors.Is(err, os.ErrPermission) || strings.Contains(msg, "permission") || strings.Contains(msg, "not allowed") {
		return fmt.Errorf("%w: %w", shared.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %w", shared.ErrDeviceUnavailable, err)
}
