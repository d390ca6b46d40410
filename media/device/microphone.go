// Package device holds the production capture devices. A driver package
// such as github.com/pion/mediadevices/pkg/driver/microphone must be linked
// into the binary for GetUserMedia to find a microphone.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/theplantsprouts/rork-plantspace-sub001/media"
	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
)

// Microphone captures 16-bit 48kHz audio and encodes it to Opus.
type Microphone struct {
	SampleRate   int
	ChannelCount int
	BitRate      int
	Logger       shared.LoggerAdapter
}

var _ media.Device = (*Microphone)(nil)

func NewMicrophone(logger shared.LoggerAdapter) *Microphone {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &Microphone{
		SampleRate:   48000,
		ChannelCount: 1,
		BitRate:      32000,
		Logger:       logger.With(zap.String("component", "microphone")),
	}
}

func (m *Microphone) Open(ctx context.Context) (media.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	if m.BitRate > 0 {
		opusParams.BitRate = m.BitRate
	}

	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.AudioInput {
			m.Logger.Debug("audio input found", zap.String("label", d.Label), zap.String("device_id", d.DeviceID))
		}
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(m.SampleRate)
			c.ChannelCount = prop.Int(m.ChannelCount)
			c.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("getting microphone stream: %w", err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no audio track in microphone stream", shared.ErrDeviceUnavailable)
	}
	track := tracks[0]
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}
	reader, err := track.NewEncodedReader(webrtc.MimeTypeOpus)
	if err != nil {
		_ = track.Close()
		return nil, fmt.Errorf("creating encoded reader: %w", err)
	}
	track.OnEnded(func(err error) {
		if err != nil {
			m.Logger.Warn("microphone track ended", zap.Error(err))
		}
	})
	return &micSource{
		track:    track,
		reader:   reader,
		duration: time.Duration(opusParams.Latency),
	}, nil
}

type micSource struct {
	track    mediadevices.Track
	reader   mediadevices.EncodedReadCloser
	duration time.Duration
}

// ReadFrame skips buffers that carry no samples.
func (s *micSource) ReadFrame() (media.Frame, func(), error) {
	for {
		buf, release, err := s.reader.Read()
		if err != nil {
			if release != nil {
				release()
			}
			if errors.Is(err, io.EOF) {
				return media.Frame{}, nil, io.EOF
			}
			return media.Frame{}, nil, err
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		return media.Frame{Data: buf.Data, Duration: s.duration}, release, nil
	}
}

func (s *micSource) Close() error {
	return errors.Join(s.reader.Close(), s.track.Close())
}
