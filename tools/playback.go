// Package tools plays a call's remote audio on the local sound card.
package tools

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
)

// opusMaxFrame is the longest Opus frame a packet can carry.
const opusMaxFrame = 120 * time.Millisecond

type PlaybackConfig struct {
	// DeviceBuffer is the sound card buffer.
	DeviceBuffer time.Duration `yaml:"device_buffer"`
	// Jitter bounds how much decoded audio may queue before the oldest
	// is dropped.
	Jitter time.Duration `yaml:"jitter"`
}

func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		DeviceBuffer: 100 * time.Millisecond,
		Jitter:       time.Second,
	}
}

// PlayRemoteAudio decodes the Opus track and plays it until the track
// ends or ctx is done.
func PlayRemoteAudio(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackRemote, cfg PlaybackConfig) error {
	var (
		codec      = track.Codec()
		sampleRate = int(codec.ClockRate)
		channels   = int(codec.Channels)
	)
	if channels == 0 {
		channels = 1
	}
	def := DefaultPlaybackConfig()
	if cfg.DeviceBuffer <= 0 {
		cfg.DeviceBuffer = def.DeviceBuffer
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = def.Jitter
	}
	logger = logger.With(zap.String("track_id", track.ID()))
	logger.Info("playing remote audio",
		zap.String("codec", codec.MimeType),
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels),
	)

	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return fmt.Errorf("creating opus decoder: %w", err)
	}
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   cfg.DeviceBuffer,
	})
	if err != nil {
		return fmt.Errorf("opening audio output: %w", err)
	}
	select {
	case <-ready:
	case <-ctx.Done():
		return nil
	}

	ring := NewPCMRing(FrameSamples(cfg.Jitter, sampleRate, channels) * 2)
	player := otoCtx.NewPlayer(ring)
	player.Play()
	defer func() {
		_ = ring.Close()
		_ = player.Close()
	}()

	// Reads block in the track; closing the ring on ctx does not unblock
	// them, so the loop also checks ctx between packets.
	pcm := make([]int16, FrameSamples(opusMaxFrame, sampleRate, channels))
	for {
		if ctx.Err() != nil {
			return nil
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading rtp: %w", err)
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(pkt.Payload, pcm)
		if err != nil {
			logger.Debug("decoding opus packet", zap.Error(err))
			continue
		}
		if dropped := ring.Write(pcmBytes(pcm[:n*channels])); dropped > 0 {
			logger.Warn("playback buffer overrun", zap.Int("droppedBytes", dropped))
		}
	}
}

func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
