package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
)

// maxReadErrors stops the pump after this many consecutive read failures.
const maxReadErrors = 10

type Option func(*Manager)

func WithLogger(logger shared.LoggerAdapter) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithFrameDuration is used for frames whose source reports no duration.
func WithFrameDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.frameDuration = d
		}
	}
}

// Manager holds the capture handle of one call. It is single-use: once
// released it cannot acquire again.
type Manager struct {
	device        Device
	logger        shared.LoggerAdapter
	frameDuration time.Duration

	mu       sync.Mutex
	stream   *LocalStream
	source   Source
	muted    bool
	released bool
	stop     chan struct{}
	done     chan struct{}
}

func NewManager(device Device, opts ...Option) (*Manager, error) {
	if device == nil {
		return nil, shared.ErrNoMedia
	}
	m := &Manager{
		device:        device,
		logger:        shared.NewNopLogger(),
		frameDuration: DefaultFrameDuration,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "media"))
	return m, nil
}

// Acquire opens the device and starts publishing frames. While the stream
// is held, further calls return it.
func (m *Manager) Acquire(ctx context.Context) (*LocalStream, error) {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: media already released", shared.ErrDeviceUnavailable)
	}
	if m.stream != nil {
		s := m.stream
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	src, err := m.device.Open(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	stream := &LocalStream{ID: uuid.NewString()}
	track, err := newTrack(stream.ID)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("%w: creating local track: %w", shared.ErrDeviceUnavailable, err)
	}
	stream.tracks = []*Track{track}

	m.mu.Lock()
	if m.released || m.stream != nil {
		// Lost a race with Release or another Acquire.
		winner := m.stream
		released := m.released
		m.mu.Unlock()
		_ = src.Close()
		if released {
			return nil, fmt.Errorf("%w: media released during acquire", shared.ErrDeviceUnavailable)
		}
		return winner, nil
	}
	track.setEnabled(!m.muted)
	m.stream = stream
	m.source = src
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.pump(src, track, m.stop, m.done)
	m.mu.Unlock()

	m.logger.Info("microphone acquired", zap.String("stream_id", stream.ID))
	return stream, nil
}

// Release stops the pump and closes the source. Safe to call any number of
// times, including before Acquire.
func (m *Manager) Release() error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return nil
	}
	m.released = true
	src, stop, done := m.source, m.stop, m.done
	m.source = nil
	m.mu.Unlock()

	if src == nil {
		return nil
	}
	close(stop)
	err := src.Close()
	<-done
	m.logger.Info("microphone released")
	if err != nil {
		m.logger.Warn("closing capture source", zap.Error(err))
	}
	return nil
}

// SetMuted enables or disables every local track.
func (m *Manager) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setMutedLocked(muted)
}

// ToggleMuted flips the mute state and returns the new value.
func (m *Manager) ToggleMuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setMutedLocked(!m.muted)
	return m.muted
}

func (m *Manager) setMutedLocked(muted bool) {
	m.muted = muted
	if m.stream == nil {
		return
	}
	for _, t := range m.stream.tracks {
		t.setEnabled(!muted)
	}
}

func (m *Manager) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

func (m *Manager) pump(src Source, track *Track, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	failures := 0
	for {
		select {
		case <-stop:
			return
		default:
		}
		frame, release, err := src.ReadFrame()
		if err != nil {
			if release != nil {
				release()
			}
			select {
			case <-stop:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				m.logger.Info("capture source ended")
				return
			}
			failures++
			m.logger.Error("reading capture frame", err, zap.Int("consecutive", failures))
			if failures >= maxReadErrors {
				return
			}
			continue
		}
		failures = 0
		duration := frame.Duration
		if duration <= 0 {
			duration = m.frameDuration
		}
		err = track.local.WriteSample(pionmedia.Sample{
			Data:     track.payload(frame),
			Duration: duration,
		})
		if release != nil {
			release()
		}
		if err != nil {
			m.logger.Debug("writing sample", zap.Error(err))
		}
	}
}
