package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Opus silence frame (TOC byte for a 20ms CELT frame plus padding).
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// A tiny VP8 interframe payload; enough for the remote side to see RTP.
var vp8Blank = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = 100 * time.Millisecond
)

// SyntheticSource produces tracks that send silence and blank video. It is
// used by headless clients that have no capture devices.
type SyntheticSource struct{}

func (SyntheticSource) Acquire(ctx context.Context, kinds []MediaKind) ([]Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream := "call-" + uuid.NewString()
	tracks := make([]Track, 0, len(kinds))
	for _, kind := range kinds {
		t, err := newSyntheticTrack(kind, stream)
		if err != nil {
			stopTracks(tracks)
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

type syntheticTrack struct {
	kind    MediaKind
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
}

func newSyntheticTrack(kind MediaKind, stream string) (*syntheticTrack, error) {
	var (
		codec    webrtc.RTPCodecCapability
		payload  []byte
		interval time.Duration
	)
	switch kind {
	case KindAudio:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		payload, interval = opusSilence, audioFrameInterval
	case KindVideo:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		payload, interval = vp8Blank, videoFrameInterval
	default:
		return nil, fmt.Errorf("unsupported media kind %q", kind)
	}

	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind), stream)
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", kind, err)
	}
	t := &syntheticTrack{kind: kind, local: local, stop: make(chan struct{})}
	t.enabled.Store(true)
	go t.run(payload, interval)
	return t, nil
}

func (t *syntheticTrack) run(payload []byte, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if !t.enabled.Load() {
				continue
			}
			// Writes before the track is bound are no-ops.
			_ = t.local.WriteSample(media.Sample{Data: payload, Duration: interval})
		}
	}
}

func (t *syntheticTrack) Kind() MediaKind               { return t.kind }
func (t *syntheticTrack) Enabled() bool                 { return t.enabled.Load() }
func (t *syntheticTrack) SetEnabled(v bool)             { t.enabled.Store(v) }
func (t *syntheticTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *syntheticTrack) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}
