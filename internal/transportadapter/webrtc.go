// Package transportadapter bridges a browser-facing WebRTC peer connection
// to a session's audio ingress/egress surface. It is intentionally thin:
// SDP/ICE signaling transport (how an offer reaches this process) is out of
// scope, same as for the rest of the runtime — this package only owns the
// media plane once a PeerConnection exists, decoding inbound RTP into
// audio.Frame for C3's ring buffer and encoding a session's outbound frames
// back onto the local track.
package transportadapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/nexavoice/gateway/internal/audio"
	"github.com/nexavoice/gateway/pkg/commons"
)

// opusFrameDuration is the fixed Opus packetization interval this adapter
// assumes, matching the 20ms frame size every WebRTC audio track in the
// pack negotiates.
const opusFrameDuration = 20 * time.Millisecond

const maxConsecutiveReadErrors = 20

// AudioSink is the subset of a realtime/voice session this adapter drives:
// inbound RTP becomes PushClientAudio calls, and AudioOut frames are
// written back out to the peer's local track.
type AudioSink interface {
	PushClientAudio(frame audio.Frame)
	AudioOut() <-chan audio.Frame
}

// Adapter owns one PeerConnection's media plane for the lifetime of one
// session. Construct with New, negotiate with CreateAnswer, then Close
// when the session ends.
type Adapter struct {
	logger commons.Logger
	sink   AudioSink

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	pc         *pionwebrtc.PeerConnection
	localTrack *pionwebrtc.TrackLocalStaticSample

	wg sync.WaitGroup
}

// New builds a PeerConnection with Opus registered and Pion's default
// interceptor set (NACK, RTCP reports) wired in, adds one outbound audio
// track, and arms the inbound-track handler to feed sink. The returned
// Adapter has no remote description yet; call CreateAnswer with the
// client's offer to complete signaling.
func New(ctx context.Context, logger commons.Logger, sink AudioSink) (*Adapter, error) {
	mediaEngine := &pionwebrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(pionwebrtc.RTPCodecParameters{
		RTPCodecCapability: pionwebrtc.RTPCodecCapability{
			MimeType:    pionwebrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, pionwebrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := pionwebrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := pionwebrtc.NewAPI(
		pionwebrtc.WithMediaEngine(mediaEngine),
		pionwebrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(pionwebrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	track, err := pionwebrtc.NewTrackLocalStaticSample(
		pionwebrtc.RTPCodecCapability{MimeType: pionwebrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "nexavoice",
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("new local track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}

	adapterCtx, cancel := context.WithCancel(ctx)
	a := &Adapter{
		logger:     logger,
		sink:       sink,
		ctx:        adapterCtx,
		cancel:     cancel,
		pc:         pc,
		localTrack: track,
	}

	pc.OnTrack(func(remote *pionwebrtc.TrackRemote, _ *pionwebrtc.RTPReceiver) {
		if remote.Kind() != pionwebrtc.RTPCodecTypeAudio {
			return
		}
		a.wg.Add(1)
		go a.readRemoteAudio(remote)
	})

	pc.OnConnectionStateChange(func(state pionwebrtc.PeerConnectionState) {
		a.logger.Infow("webrtc connection state changed", "state", state.String())
		switch state {
		case pionwebrtc.PeerConnectionStateFailed, pionwebrtc.PeerConnectionStateClosed:
			a.cancel()
		}
	})

	a.wg.Add(1)
	go a.writeOutbound()

	return a, nil
}

// CreateAnswer applies the client's SDP offer and returns the local SDP
// answer to send back over whatever signaling channel the caller owns.
func (a *Adapter) CreateAnswer(offer pionwebrtc.SessionDescription) (pionwebrtc.SessionDescription, error) {
	if err := a.pc.SetRemoteDescription(offer); err != nil {
		return pionwebrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return pionwebrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := pionwebrtc.GatheringCompletePromise(a.pc)
	if err := a.pc.SetLocalDescription(answer); err != nil {
		return pionwebrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete
	return *a.pc.LocalDescription(), nil
}

// AddICECandidate forwards one trickled ICE candidate from the client.
func (a *Adapter) AddICECandidate(c pionwebrtc.ICECandidateInit) error {
	return a.pc.AddICECandidate(c)
}

// readRemoteAudio decodes inbound RTP packets off one remote track into
// audio.Frame and pushes them at the sink. The Opus payload is forwarded
// as-is — decoding to PCM belongs to the resampler/codec layer, not this
// adapter.
func (a *Adapter) readRemoteAudio(track *pionwebrtc.TrackRemote) {
	defer a.wg.Done()

	buf := make([]byte, 1500)
	consecutiveErrors := 0
	cfg := audio.NewOpus48kHzStereoConfig()

	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		n, _, err := track.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveReadErrors {
				a.logger.Warnw("too many consecutive RTP read errors, stopping reader", "error", err)
				return
			}
			continue
		}
		consecutiveErrors = 0

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			a.logger.Warnw("failed to unmarshal RTP packet", "error", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		a.sink.PushClientAudio(audio.Frame{Data: pkt.Payload, Config: cfg})
	}
}

// writeOutbound relays the session's outbound audio frames onto the local
// track as Opus samples.
func (a *Adapter) writeOutbound() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case frame, ok := <-a.sink.AudioOut():
			if !ok {
				return
			}
			if err := a.localTrack.WriteSample(media.Sample{Data: frame.Data, Duration: opusFrameDuration}); err != nil {
				a.logger.Warnw("failed to write sample to local track", "error", err)
			}
		}
	}
}

// Close tears down the peer connection and waits for the inbound/outbound
// goroutines to exit.
func (a *Adapter) Close() error {
	a.cancel()
	err := a.pc.Close()
	a.wg.Wait()
	return err
}
