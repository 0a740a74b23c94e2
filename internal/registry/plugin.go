// Plugin loading: the out-of-process half of the C8 ABI. A plugin is a
// separate process exposing one bidirectional-streaming gRPC method;
// operate frames and callback frames cross the wire as google.protobuf.Struct
// values rather than a bespoke generated message set, so the ABI needs no
// codegen step to stay in sync with this module. pluginSTT and pluginTTS
// wrap the stream behind provider.STTProvider and provider.TTSProvider
// the way the original implementation's ffi_adapters.rs wraps a foreign
// provider handle behind its native traits: one adapter type per
// contract, each bridging the remote callback frames back into this
// module's callback-slot convention. There is no RealtimeProvider plugin
// adapter.
package registry

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nexavoice/gateway/internal/audio"
	"github.com/nexavoice/gateway/internal/provider"
	"github.com/nexavoice/gateway/internal/reliability"
	"github.com/nexavoice/gateway/internal/turn"
	"github.com/nexavoice/gateway/pkg/commons"
)

const pluginServiceName = "nexavoice.plugin.v1.Provider"

var operateStreamDesc = grpc.StreamDesc{
	StreamName:    "Operate",
	ServerStreams: true,
	ClientStreams: true,
}

// pluginStream is the minimal surface this module needs from a gRPC
// bidi stream of structpb.Struct frames.
type pluginStream interface {
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

func newOperateStream(ctx context.Context, conn *grpc.ClientConn) (pluginStream, error) {
	stream, err := conn.NewStream(ctx, &operateStreamDesc, "/"+pluginServiceName+"/Operate")
	if err != nil {
		return nil, err
	}
	return &structStream{ClientStream: stream}, nil
}

// structStream adapts grpc.ClientStream's SendMsg/RecvMsg to the typed
// Send/Recv pair pluginStream exposes.
type structStream struct {
	grpc.ClientStream
}

func (s *structStream) Send(msg *structpb.Struct) error { return s.SendMsg(msg) }
func (s *structStream) Recv() (*structpb.Struct, error) {
	msg := &structpb.Struct{}
	if err := s.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// PluginDialer opens the gRPC connection to an out-of-process provider
// module and wraps it in adapters satisfying the STT and TTS provider
// contracts.
type PluginDialer struct {
	logger commons.Logger
}

// NewPluginDialer returns a dialer that logs through logger.
func NewPluginDialer(logger commons.Logger) *PluginDialer {
	return &PluginDialer{logger: logger}
}

// DialSTT connects to addr and registers under providerID a constructor
// for an STTProvider backed by the remote plugin process, so subsequent
// Lookup/Build calls resolve locally. It returns only the error.
func (d *PluginDialer) DialSTT(ctx context.Context, reg *Registry, providerID, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("registry: dial plugin %q at %s: %w", providerID, addr, err)
	}
	return reg.Register(Registration{
		ProviderID:   providerID,
		Kind:         KindSTT,
		Capabilities: provider.NewCapabilitySet(provider.CapStreamingAudioIn, provider.CapPartialTranscripts),
		Construct: func(logger commons.Logger) interface{} {
			return &pluginSTT{conn: conn, providerID: providerID, logger: logger}
		},
	})
}

// DialTTS connects to addr and registers a TTSProvider backed by the
// remote plugin process under providerID.
func (d *PluginDialer) DialTTS(ctx context.Context, reg *Registry, providerID, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("registry: dial plugin %q at %s: %w", providerID, addr, err)
	}
	return reg.Register(Registration{
		ProviderID:   providerID,
		Kind:         KindTTS,
		Capabilities: provider.NewCapabilitySet(provider.CapStreamingAudioOut),
		Construct: func(logger commons.Logger) interface{} {
			return &pluginTTS{conn: conn, providerID: providerID, logger: logger}
		},
	})
}

// pluginSTT adapts a remote provider process to provider.STTProvider.
// One Operate stream is opened per Connect call and torn down on
// Disconnect, mirroring the lifetime of the concrete WebSocket/gRPC
// providers in internal/provider/*.
type pluginSTT struct {
	conn       *grpc.ClientConn
	providerID string
	logger     commons.Logger
	state      provider.StateHolder

	mu     sync.Mutex
	stream pluginStream
	cancel context.CancelFunc

	onResult provider.TranscriptCallback
	onError  provider.ErrorCallback
}

func (p *pluginSTT) Capabilities() provider.CapabilitySet {
	return provider.NewCapabilitySet(provider.CapStreamingAudioIn, provider.CapPartialTranscripts)
}
func (p *pluginSTT) State() provider.ConnectionState { return p.state.Load() }

func (p *pluginSTT) OnResult(fn provider.TranscriptCallback) { p.onResult = fn }
func (p *pluginSTT) OnError(fn provider.ErrorCallback)       { p.onError = fn }

func (p *pluginSTT) Connect(ctx context.Context, cfg provider.Config) *provider.ProviderError {
	p.state.Store(provider.StateConnecting)
	runCtx, cancel := context.WithCancel(context.Background())
	stream, err := newOperateStream(runCtx, p.conn)
	if err != nil {
		cancel()
		p.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindTransport, p.providerID, "plugin stream open failed", err)
	}
	cfgFrame, ferr := structFrame("connect", anyMap(cfg))
	if ferr != nil {
		cancel()
		return reliability.Wrap(reliability.KindConfig, p.providerID, "config marshal failed", ferr)
	}
	if err := stream.Send(cfgFrame); err != nil {
		cancel()
		p.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindTransport, p.providerID, "connect frame send failed", err)
	}

	p.mu.Lock()
	p.stream = stream
	p.cancel = cancel
	p.mu.Unlock()
	p.state.Store(provider.StateConnected)

	go p.recvLoop(runCtx, stream)
	return nil
}

func (p *pluginSTT) recvLoop(ctx context.Context, stream pluginStream) {
	for {
		frame, err := stream.Recv()
		if err != nil {
			p.state.Store(provider.StateReconnecting)
			if p.onError != nil {
				p.onError(reliability.Wrap(reliability.KindTransport, p.providerID, "plugin stream recv failed", err))
			}
			return
		}
		fields := frame.GetFields()
		switch fields["kind"].GetStringValue() {
		case "transcript":
			if p.onResult != nil {
				p.onResult(turn.Transcript{
					Text:       fields["text"].GetStringValue(),
					IsFinal:    fields["is_final"].GetBoolValue(),
					Confidence: fields["confidence"].GetNumberValue(),
					ProviderID: p.providerID,
				})
			}
		case "error":
			if p.onError != nil {
				p.onError(reliability.New(reliability.KindProviderError, p.providerID, fields["message"].GetStringValue()))
			}
		}
	}
}

func (p *pluginSTT) SendAudio(ctx context.Context, frame audio.Frame) *provider.ProviderError {
	return p.sendKind("audio", map[string]interface{}{"data": frame.Data})
}

func (p *pluginSTT) SendText(ctx context.Context, s string) *provider.ProviderError {
	return p.sendKind("text", map[string]interface{}{"text": s})
}

func (p *pluginSTT) ForceEndpoint(ctx context.Context) *provider.ProviderError {
	return p.sendKind("force_endpoint", nil)
}

func (p *pluginSTT) UpdateConfig(ctx context.Context, delta provider.Config) *provider.ProviderError {
	return p.sendKind("update_config", anyMap(delta))
}

func (p *pluginSTT) Disconnect(ctx context.Context) *provider.ProviderError {
	p.mu.Lock()
	stream := p.stream
	cancel := p.cancel
	p.stream = nil
	p.cancel = nil
	p.mu.Unlock()
	if stream != nil {
		_ = stream.CloseSend()
	}
	if cancel != nil {
		cancel()
	}
	p.state.Store(provider.StateDisconnected)
	return nil
}

func (p *pluginSTT) sendKind(kind string, payload map[string]interface{}) *provider.ProviderError {
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == nil {
		return reliability.New(reliability.KindTransport, p.providerID, "not connected")
	}
	frame, err := structFrame(kind, payload)
	if err != nil {
		return reliability.Wrap(reliability.KindInternal, p.providerID, "frame marshal failed", err)
	}
	if err := stream.Send(frame); err != nil {
		return reliability.Wrap(reliability.KindTransport, p.providerID, "frame send failed", err)
	}
	return nil
}

// pluginTTS adapts a remote provider process to provider.TTSProvider,
// mirroring pluginSTT's stream lifecycle.
type pluginTTS struct {
	conn       *grpc.ClientConn
	providerID string
	logger     commons.Logger
	state      provider.StateHolder

	mu     sync.Mutex
	stream pluginStream
	cancel context.CancelFunc

	onAudio    provider.AudioCallback
	onComplete func()
	onError    provider.ErrorCallback
}

func (p *pluginTTS) Capabilities() provider.CapabilitySet {
	return provider.NewCapabilitySet(provider.CapStreamingAudioOut)
}
func (p *pluginTTS) State() provider.ConnectionState { return p.state.Load() }

func (p *pluginTTS) OnAudio(fn provider.AudioCallback) { p.onAudio = fn }
func (p *pluginTTS) OnComplete(fn func())              { p.onComplete = fn }
func (p *pluginTTS) OnError(fn provider.ErrorCallback) { p.onError = fn }

func (p *pluginTTS) Connect(ctx context.Context, cfg provider.Config) *provider.ProviderError {
	p.state.Store(provider.StateConnecting)
	runCtx, cancel := context.WithCancel(context.Background())
	stream, err := newOperateStream(runCtx, p.conn)
	if err != nil {
		cancel()
		p.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindTransport, p.providerID, "plugin stream open failed", err)
	}
	cfgFrame, ferr := structFrame("connect", anyMap(cfg))
	if ferr != nil {
		cancel()
		return reliability.Wrap(reliability.KindConfig, p.providerID, "config marshal failed", ferr)
	}
	if err := stream.Send(cfgFrame); err != nil {
		cancel()
		p.state.Store(provider.StateFailed)
		return reliability.Wrap(reliability.KindTransport, p.providerID, "connect frame send failed", err)
	}

	p.mu.Lock()
	p.stream = stream
	p.cancel = cancel
	p.mu.Unlock()
	p.state.Store(provider.StateConnected)

	go p.recvLoop(runCtx, stream)
	return nil
}

func (p *pluginTTS) recvLoop(ctx context.Context, stream pluginStream) {
	for {
		frame, err := stream.Recv()
		if err != nil {
			if p.onError != nil {
				p.onError(reliability.Wrap(reliability.KindTransport, p.providerID, "plugin stream recv failed", err))
			}
			return
		}
		fields := frame.GetFields()
		switch fields["kind"].GetStringValue() {
		case "audio":
			if p.onAudio != nil {
				data := decodeBytesField(fields["data"])
				p.onAudio(audio.Frame{Data: data, Config: audio.NewLinear24kHzMonoConfig()})
			}
		case "complete":
			if p.onComplete != nil {
				p.onComplete()
			}
		case "error":
			if p.onError != nil {
				p.onError(reliability.New(reliability.KindProviderError, p.providerID, fields["message"].GetStringValue()))
			}
		}
	}
}

func (p *pluginTTS) Speak(ctx context.Context, text string, flush bool) *provider.ProviderError {
	return p.sendKind("speak", map[string]interface{}{"text": text, "flush": flush})
}

func (p *pluginTTS) Cancel(ctx context.Context) *provider.ProviderError {
	return p.sendKind("cancel", nil)
}

func (p *pluginTTS) Disconnect(ctx context.Context) *provider.ProviderError {
	p.mu.Lock()
	stream := p.stream
	cancel := p.cancel
	p.stream = nil
	p.cancel = nil
	p.mu.Unlock()
	if stream != nil {
		_ = stream.CloseSend()
	}
	if cancel != nil {
		cancel()
	}
	p.state.Store(provider.StateDisconnected)
	return nil
}

func (p *pluginTTS) sendKind(kind string, payload map[string]interface{}) *provider.ProviderError {
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == nil {
		return reliability.New(reliability.KindTransport, p.providerID, "not connected")
	}
	frame, err := structFrame(kind, payload)
	if err != nil {
		return reliability.Wrap(reliability.KindInternal, p.providerID, "frame marshal failed", err)
	}
	if err := stream.Send(frame); err != nil {
		return reliability.Wrap(reliability.KindTransport, p.providerID, "frame send failed", err)
	}
	return nil
}

// structFrame builds a structpb.Struct tagged with "kind" plus payload's
// fields, the wire shape every Operate frame shares in both directions.
// google.protobuf.Struct has no bytes kind, so any []byte value (e.g. an
// audio.Frame's Data) is rendered as a number list up front — the shape
// decodeBytesField expects on the receiving end — rather than left to
// fail structpb.NewStruct's type switch.
func structFrame(kind string, payload map[string]interface{}) (*structpb.Struct, error) {
	fields := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		if b, ok := v.([]byte); ok {
			fields[k] = encodeBytesField(b)
			continue
		}
		fields[k] = v
	}
	fields["kind"] = kind
	return structpb.NewStruct(fields)
}

// encodeBytesField renders raw bytes as a list of numbers for a
// structpb.Struct field, the counterpart to decodeBytesField below.
func encodeBytesField(data []byte) []interface{} {
	out := make([]interface{}, len(data))
	for i, b := range data {
		out[i] = float64(b)
	}
	return out
}

func anyMap(cfg provider.Config) map[string]interface{} {
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out
}

// decodeBytesField recovers raw audio bytes from a structpb.Value: audio
// payloads cross the wire as a base64-less list of numbers since
// google.protobuf.Struct has no native bytes kind.
func decodeBytesField(v *structpb.Value) []byte {
	list := v.GetListValue()
	if list == nil {
		return nil
	}
	out := make([]byte, 0, len(list.GetValues()))
	for _, n := range list.GetValues() {
		out = append(out, byte(n.GetNumberValue()))
	}
	return out
}
