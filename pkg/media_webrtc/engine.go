// Package media_webrtc реализует движок медиа переговоров поверх pion/webrtc.
//
// Движок одноразовый: живет один вызов и закрывается вместе с ним. Состояние
// соединения берется из ICE, состояние PeerConnection пишется в лог для
// диагностики. ICE Disconnected считается переходным и наружу не отдается:
// pion умеет восстанавливаться сам в пределах настроенных тайм-аутов.
package media_webrtc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/arzzra/cam_call/pkg/media"
)

const pliInterval = 3 * time.Second

// Engine - движок переговоров одного вызова
type Engine struct {
	cfg Config

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	audioTrack *webrtc.TrackLocalStaticSample
	closed     bool

	done chan struct{}

	onCandidate func(media.Candidate)
	onState     func(media.ConnectionState)
	onLocal     func(media.Track)
	onRemote    func(media.Track)
}

// New создает движок. Тяжелая работа откладывается до PrepareLocalMedia
// и CreateConnection.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "engine config")
	}
	return &Engine{
		cfg:  cfg.withDefaults(),
		done: make(chan struct{}),
	}, nil
}

// Factory возвращает фабрику движков с фиксированными настройками,
// по движку на вызов.
func Factory(cfg Config) media.EngineFactory {
	return func() (media.NegotiationEngine, error) {
		return New(cfg)
	}
}

// OnLocalCandidate устанавливает обработчик локальных ICE кандидатов
func (e *Engine) OnLocalCandidate(fn func(media.Candidate)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

// OnStateChange устанавливает обработчик состояния медиа соединения
func (e *Engine) OnStateChange(fn func(media.ConnectionState)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

// OnLocalTrack устанавливает обработчик готовности локальной дорожки
func (e *Engine) OnLocalTrack(fn func(media.Track)) {
	e.mu.Lock()
	e.onLocal = fn
	e.mu.Unlock()
}

// OnRemoteTrack устанавливает обработчик появления удаленной дорожки
func (e *Engine) OnRemoteTrack(fn func(media.Track)) {
	e.mu.Lock()
	e.onRemote = fn
	e.mu.Unlock()
}

// PrepareLocalMedia готовит локальные дорожки. Для исходящего аудио
// создается дорожка с Opus, кадры в нее кладет владелец через WriteSample.
func (e *Engine) PrepareLocalMedia(ctx context.Context) error {
	if !e.cfg.SendAudio {
		return nil
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "camcall")
	if err != nil {
		return errors.Wrap(err, "create local audio track")
	}
	e.mu.Lock()
	e.audioTrack = track
	e.mu.Unlock()
	return nil
}

// CreateConnection собирает PeerConnection: кодеки, перехватчики, тайм-ауты
// ICE, локальные дорожки и приемные трансиверы. Обработчики должны быть
// установлены до вызова, иначе ранние кандидаты потеряются.
func (e *Engine) CreateConnection(ctx context.Context) error {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return errors.Wrap(err, "register codecs")
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return errors.Wrap(err, "register interceptors")
	}

	// Стандартный disconnectedTimeout в 5 секунд слишком нервный для
	// мобильных сетей и relay путей: короткий провал не должен ронять вызов
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(e.cfg.DisconnectedTimeout, e.cfg.FailedTimeout, e.cfg.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: e.cfg.STUNServers},
		},
	})
	if err != nil {
		return errors.Wrap(err, "create peer connection")
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// Конец сбора, кандидаты уходят по мере появления
			return
		}
		init := c.ToJSON()
		cand := media.Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		e.fireCandidate(cand)
	})

	pc.OnICEConnectionStateChange(e.handleICEState)

	// Состояние PeerConnection только записывается, решения принимает ICE
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		slog.Debug("Engine: peer connection state",
			slog.String("state", st.String()))
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		slog.Info("Engine: remote track",
			slog.String("id", tr.ID()),
			slog.String("kind", tr.Kind().String()),
			slog.String("codec", tr.Codec().MimeType))
		e.fireRemote(newRemoteTrack(tr))
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			go e.pliLoop(pc, tr)
		}
	})

	e.mu.Lock()
	audioTrack := e.audioTrack
	e.pc = pc
	e.mu.Unlock()

	if audioTrack != nil {
		sender, err := pc.AddTrack(audioTrack)
		if err != nil {
			return errors.Wrap(err, "add audio track")
		}
		// Отчеты приемника надо вычитывать, иначе перехватчики не работают
		go drainRTCP(sender)
		e.fireLocal(&LocalAudioTrack{track: audioTrack})
	}

	if e.cfg.ReceiveVideo {
		if err := addRecvTransceiver(pc, webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}
	}
	if e.cfg.ReceiveAudio {
		if err := addRecvTransceiver(pc, webrtc.RTPCodecTypeAudio); err != nil {
			return err
		}
	}
	return nil
}

// addRecvTransceiver добавляет приемный трансивер, чтобы offer/answer
// содержал m-секцию с ICE реквизитами даже без локальной дорожки
func addRecvTransceiver(pc *webrtc.PeerConnection, kind webrtc.RTPCodecType) error {
	_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return errors.Wrapf(err, "add %s transceiver", kind)
}

// CreateOffer создает offer и применяет его локально. В уходящий SDP
// вписываются рамки битрейта, локальное описание остается нетронутым.
func (e *Engine) CreateOffer(ctx context.Context) (string, error) {
	pc := e.peerConnection()
	if pc == nil {
		return "", errors.New("connection is not created")
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", errors.Wrap(err, "create offer")
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", errors.Wrap(err, "set local offer")
	}
	return e.mungeOutbound(offer.SDP)
}

// CreateAnswer создает answer на примененный удаленный offer
func (e *Engine) CreateAnswer(ctx context.Context) (string, error) {
	pc := e.peerConnection()
	if pc == nil {
		return "", errors.New("connection is not created")
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", errors.Wrap(err, "create answer")
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", errors.Wrap(err, "set local answer")
	}
	return e.mungeOutbound(answer.SDP)
}

func (e *Engine) mungeOutbound(sdpText string) (string, error) {
	if !e.cfg.Video.enabled() {
		return sdpText, nil
	}
	munged, err := ApplyBitrateLimits(sdpText, e.cfg.Video)
	if err != nil {
		// Рамки битрейта не стоят сорванного вызова
		slog.Warn("Engine: bitrate limits not applied",
			slog.String("error", err.Error()))
		return sdpText, nil
	}
	return munged, nil
}

// SetRemoteDescription применяет удаленное описание сессии
func (e *Engine) SetRemoteDescription(ctx context.Context, kind media.SDPKind, sdp string) error {
	pc := e.peerConnection()
	if pc == nil {
		return errors.New("connection is not created")
	}
	sdpType := webrtc.SDPTypeOffer
	if kind == media.SDPAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: sdpType,
		SDP:  sdp,
	})
	return errors.Wrapf(err, "set remote %s", kind)
}

// AddRemoteCandidate добавляет удаленный ICE кандидат
func (e *Engine) AddRemoteCandidate(c media.Candidate) error {
	pc := e.peerConnection()
	if pc == nil {
		return errors.New("connection is not created")
	}
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	idx := c.SDPMLineIndex
	init.SDPMLineIndex = &idx
	return errors.Wrap(pc.AddICECandidate(init), "add ice candidate")
}

// Close закрывает соединение и останавливает служебные горутины.
// Повторные вызовы безопасны.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pc := e.pc
	e.pc = nil
	e.mu.Unlock()

	close(e.done)
	if pc != nil {
		return errors.Wrap(pc.Close(), "close peer connection")
	}
	return nil
}

func (e *Engine) peerConnection() *webrtc.PeerConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pc
}

func (e *Engine) handleICEState(st webrtc.ICEConnectionState) {
	slog.Debug("Engine: ICE state", slog.String("state", st.String()))
	switch st {
	case webrtc.ICEConnectionStateChecking:
		e.fireState(media.ConnectionConnecting)
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		e.fireState(media.ConnectionConnected)
	case webrtc.ICEConnectionStateFailed:
		e.fireState(media.ConnectionFailed)
	case webrtc.ICEConnectionStateDisconnected:
		// Переходное состояние: ICE восстанавливается сам в пределах
		// настроенных тайм-аутов, наружу не сообщается
		slog.Warn("Engine: ICE disconnected, waiting for recovery")
	case webrtc.ICEConnectionStateClosed:
		e.fireState(media.ConnectionClosed)
	}
}

// pliLoop периодически запрашивает у камеры ключевой кадр. Без PLI зритель,
// подключившийся после старта потока, ждет ключевого кадра неопределенно долго.
func (e *Engine) pliLoop(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (e *Engine) fireCandidate(c media.Candidate) {
	e.mu.Lock()
	fn := e.onCandidate
	e.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (e *Engine) fireState(st media.ConnectionState) {
	e.mu.Lock()
	fn := e.onState
	e.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (e *Engine) fireLocal(t media.Track) {
	e.mu.Lock()
	fn := e.onLocal
	e.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (e *Engine) fireRemote(t media.Track) {
	e.mu.Lock()
	fn := e.onRemote
	e.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}
