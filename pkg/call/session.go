package call

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/arzzra/cam_call/pkg/media"
	"github.com/arzzra/cam_call/pkg/signaling"
)

// State состояние сессии вызова
type State string

func (s State) String() string {
	return string(s)
}

const (
	// StateIdle - вызова нет, сессия готова принять или начать новый
	StateIdle State = "Idle"
	// StateConnecting - идут переговоры о медиа соединении
	StateConnecting State = "Connecting"
	// StateRinging - входящий вызов ждет решения пользователя
	StateRinging State = "Ringing"
	// StateConnected - медиа установлено, вызов идет
	StateConnected State = "Connected"
	// StateDisconnected - вызов завершился штатно
	StateDisconnected State = "Disconnected"
	// StateError - вызов завершился ошибкой, причина в StateChange.Reason
	StateError State = "Error"
)

// Role роль стороны в текущем вызове
type Role int

const (
	RoleNone Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "none"
	}
}

// StateChange - уведомление о переходе состояния вызова
type StateChange struct {
	State  State
	Reason string
	Peer   signaling.PeerIdentity
	CallID string
}

// Signaler - то, что сессии нужно от сигнального канала
type Signaler interface {
	Events() <-chan signaling.Event
	Send(msg signaling.Message)
}

// pendingOffer - однослотовый буфер для offer, пришедшего раньше готовности
// движка. Более свежий offer замещает лежащий в слоте, потребляется слот
// ровно один раз.
type pendingOffer struct {
	from signaling.PeerIdentity
	sdp  string
}

// Config - конфигурация сессии вызовов
type Config struct {
	// Signaler - подключенный сигнальный канал (обязателен)
	Signaler Signaler
	// Engines создает движок переговоров на каждый вызов (обязателен)
	Engines media.EngineFactory
	// Lease - аренда устройств захвата. Сессия вызова и интерком обязаны
	// делить один экземпляр. По умолчанию создается собственный.
	Lease *media.DeviceLease
	// Metrics - метрики сессии, nil - без метрик
	Metrics *Metrics
	// DisplayWindow - сколько Disconnected/Error показывается до
	// автоматического возврата в Idle
	DisplayWindow time.Duration
	// EventBuffer - емкость внутренней очереди событий
	EventBuffer int
}

const (
	defaultDisplayWindow = 3 * time.Second
	defaultEventBuffer   = 64
)

// Session - сессия вызовов процесса.
//
// Сессия живет столько же, сколько сигнальный канал, и перерабатывается
// между вызовами: терминальные состояния через DisplayWindow автоматически
// возвращаются в Idle. Не более одного вызова вне Idle одновременно.
//
// Вся работа сериализована одной горутиной-циклом: команды, сообщения
// канала, события движка и таймеры обрабатываются строго по одному.
// Обработчики уведомлений вызываются на горутине цикла: из обработчика
// нельзя синхронно звать операции сессии, только через отдельную горутину.
type Session struct {
	cfg Config
	fsm *fsm.FSM

	events chan event
	quit   chan struct{}

	closeOnce sync.Once

	// Поля текущего вызова. Пишет только горутина цикла, stateMu защищает
	// чтение из геттеров.
	stateMu     sync.RWMutex
	epoch       uint64
	callID      string
	role        Role
	peer        signaling.PeerIdentity
	engine      media.NegotiationEngine
	engineReady bool
	pending     *pendingOffer
	leaseHeld   bool
	startedAt   time.Time
	connectedAt time.Time
	channelUp   bool

	handlersMu     sync.RWMutex
	onStateChange  func(StateChange)
	onIncomingCall func(peer signaling.PeerIdentity)
	onLocalTrack   func(track media.Track)
	onRemoteTrack  func(track media.Track)
	onChannelState func(connected bool)
}

// NewSession создает сессию и запускает ее цикл. Канал должен быть уже
// подключен: сессия только потребляет его события.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Signaler == nil {
		return nil, errors.New("signaler is required")
	}
	if cfg.Engines == nil {
		return nil, errors.New("engine factory is required")
	}
	if cfg.Lease == nil {
		cfg.Lease = media.NewDeviceLease()
	}
	if cfg.DisplayWindow <= 0 {
		cfg.DisplayWindow = defaultDisplayWindow
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	s := &Session{
		cfg:    cfg,
		events: make(chan event, cfg.EventBuffer),
		quit:   make(chan struct{}),
	}
	s.initFSM()

	go s.pumpChannel()
	go s.run()
	return s, nil
}

// State возвращает текущее состояние вызова
func (s *Session) State() State {
	return State(s.fsm.Current())
}

// Peer возвращает пира текущего вызова, пустая строка вне вызова
func (s *Session) Peer() signaling.PeerIdentity {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.peer
}

// CallID возвращает идентификатор текущего вызова, пустая строка вне вызова
func (s *Session) CallID() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.callID
}

// Role возвращает роль стороны в текущем вызове
func (s *Session) Role() Role {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.role
}

// OnStateChange устанавливает обработчик переходов состояния
func (s *Session) OnStateChange(handler func(StateChange)) {
	s.handlersMu.Lock()
	s.onStateChange = handler
	s.handlersMu.Unlock()
}

// OnIncomingCall устанавливает обработчик входящего вызова. Вызов ждет в
// Ringing, пока обработчик (или кто-то еще) не позовет AcceptCall/RejectCall.
func (s *Session) OnIncomingCall(handler func(peer signaling.PeerIdentity)) {
	s.handlersMu.Lock()
	s.onIncomingCall = handler
	s.handlersMu.Unlock()
}

// OnLocalTrack устанавливает обработчик готовности локальной дорожки
func (s *Session) OnLocalTrack(handler func(track media.Track)) {
	s.handlersMu.Lock()
	s.onLocalTrack = handler
	s.handlersMu.Unlock()
}

// OnRemoteTrack устанавливает обработчик готовности удаленной дорожки
func (s *Session) OnRemoteTrack(handler func(track media.Track)) {
	s.handlersMu.Lock()
	s.onRemoteTrack = handler
	s.handlersMu.Unlock()
}

// OnChannelState устанавливает обработчик состояния сигнального канала.
// Обрыв канала не завершает активный вызов: медиа ходит напрямую между
// пирами и переживает потерю сигнализации.
func (s *Session) OnChannelState(handler func(connected bool)) {
	s.handlersMu.Lock()
	s.onChannelState = handler
	s.handlersMu.Unlock()
}

// StartCall начинает исходящий вызов к пиру. Разрешен только из Idle,
// иначе ErrNotIdle. Успешный возврат означает, что вызов начат; итог
// переговоров приходит через OnStateChange.
func (s *Session) StartCall(ctx context.Context, peer signaling.PeerIdentity) error {
	if peer == "" {
		return errors.New("peer is required")
	}
	cmd := cmdStart{peer: peer, reply: make(chan error, 1)}
	return s.command(ctx, cmd, cmd.reply)
}

// AcceptCall принимает входящий вызов. Разрешен только из Ringing.
func (s *Session) AcceptCall(ctx context.Context) error {
	cmd := cmdAccept{reply: make(chan error, 1)}
	return s.command(ctx, cmd, cmd.reply)
}

// RejectCall отклоняет входящий вызов. Разрешен только из Ringing;
// повторный вызов возвращает ErrNotRinging и ничего не отправляет.
func (s *Session) RejectCall(ctx context.Context) error {
	cmd := cmdReject{reply: make(chan error, 1)}
	return s.command(ctx, cmd, cmd.reply)
}

// EndCall завершает текущий вызов из любого активного состояния.
// Вне активного вызова - пустая операция.
func (s *Session) EndCall(ctx context.Context) error {
	cmd := cmdEnd{reply: make(chan error, 1)}
	return s.command(ctx, cmd, cmd.reply)
}

// Close останавливает сессию насовсем. Активный вызов при этом не
// завершается вежливо: сначала EndCall, потом Close.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	return nil
}

func (s *Session) command(ctx context.Context, ev event, reply chan error) error {
	select {
	case s.events <- ev:
	case <-s.quit:
		return ErrSessionClosed
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "post command")
	}
	select {
	case err := <-reply:
		return err
	case <-s.quit:
		return ErrSessionClosed
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "await command")
	}
}

// post доставляет событие в цикл с любой горутины. После Close события
// теряются - цикла больше нет.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

// pumpChannel переливает события сигнального канала в очередь цикла.
// Завершается сам: очередь канала закрывается после его обрыва.
func (s *Session) pumpChannel() {
	for ev := range s.cfg.Signaler.Events() {
		switch ev.Kind {
		case signaling.EventConnected:
			s.post(evChannelUp{})
		case signaling.EventDisconnected:
			s.post(evChannelDown{})
		case signaling.EventMessage:
			if ev.Message != nil {
				s.post(evMessage{msg: *ev.Message})
			}
		case signaling.EventFrame:
			// Аудио кадры не для сессии вызовов
		}
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.quit:
			s.shutdown()
			return
		case ev := <-s.events:
			s.apply(ev)
		}
	}
}

func (s *Session) shutdown() {
	if s.engine != nil {
		eng := s.engine
		s.engine = nil
		go func() { _ = eng.Close() }()
	}
	if s.leaseHeld {
		s.cfg.Lease.Release(s.callID)
		s.leaseHeld = false
	}
	slog.Debug("Session.shutdown", slog.String("callID", s.callID))
}

// apply - единственная точка обработки событий. Выполняется только
// горутиной цикла.
func (s *Session) apply(ev event) {
	switch e := ev.(type) {
	case cmdStart:
		s.applyStart(e)
	case cmdAccept:
		s.applyAccept(e)
	case cmdReject:
		s.applyReject(e)
	case cmdEnd:
		s.applyEnd(e)
	case evMessage:
		s.applyMessage(e.msg)
	case evChannelUp:
		s.applyChannelState(true)
	case evChannelDown:
		s.applyChannelState(false)
	case evMediaReady:
		s.applyMediaReady(e)
	case evMediaFailed:
		s.applyMediaFailed(e)
	case evOfferReady:
		s.applyOfferReady(e)
	case evAnswerReady:
		s.applyAnswerReady(e)
	case evRemoteApplied:
		slog.Debug("Session: remote description applied",
			slog.String("callID", s.callID),
			slog.String("kind", e.kind.String()))
	case evEngineCandidate:
		s.applyEngineCandidate(e)
	case evEngineState:
		s.applyEngineState(e)
	case evLocalTrack:
		if e.epoch == s.epoch {
			s.notifyLocalTrack(e.track)
		}
	case evRemoteTrack:
		if e.epoch == s.epoch {
			s.notifyRemoteTrack(e.track)
		}
	case evDisplayElapsed:
		s.applyDisplayElapsed(e)
	default:
		slog.Warn("Session: unknown event", slog.String("event", ev.name()))
	}
}

func (s *Session) applyStart(e cmdStart) {
	if st := s.State(); st != StateIdle {
		slog.Debug("Session.StartCall ignored, session busy",
			slog.String("state", st.String()),
			slog.String("peer", e.peer.String()))
		e.reply <- errors.Wrapf(ErrNotIdle, "state %s", st)
		return
	}

	callID := uuid.NewString()
	if err := s.cfg.Lease.TryAcquire(callID); err != nil {
		slog.Warn("Session.StartCall: capture devices busy",
			slog.String("peer", e.peer.String()),
			slog.String("error", err.Error()))
		e.reply <- ErrCaptureDevicesBusy(err)
		return
	}

	s.beginCall(callID, RoleInitiator, e.peer)
	s.leaseHeld = true

	s.setState(StateConnecting, "outgoing call")
	s.cfg.Metrics.callStarted(RoleInitiator)

	// Пир узнает о вызове сразу и начинает звонить, offer доедет после
	// подготовки локальных медиа
	s.cfg.Signaler.Send(signaling.Message{
		Type: signaling.MessageTypeCall,
		To:   s.peer,
	})

	slog.Info("Session.StartCall",
		slog.String("callID", s.callID),
		slog.String("peer", s.peer.String()))

	go s.prepareMedia(s.epoch, s.callID)
	e.reply <- nil
}

func (s *Session) applyAccept(e cmdAccept) {
	if st := s.State(); st != StateRinging {
		slog.Debug("Session.AcceptCall ignored",
			slog.String("state", st.String()))
		e.reply <- errors.Wrapf(ErrNotRinging, "state %s", st)
		return
	}

	s.setState(StateConnecting, "accepted")

	if err := s.cfg.Lease.TryAcquire(s.callID); err != nil {
		slog.Warn("Session.AcceptCall: capture devices busy",
			slog.String("callID", s.callID),
			slog.String("error", err.Error()))
		s.cfg.Signaler.Send(signaling.Message{
			Type:   signaling.MessageTypeCallFailed,
			To:     s.peer,
			Reason: "busy",
		})
		ce := ErrCaptureDevicesBusy(err)
		s.cfg.Metrics.errorOccurred(ce.Category)
		e.reply <- ce
		s.teardown(StateError, ce.Message)
		return
	}
	s.leaseHeld = true

	slog.Info("Session.AcceptCall",
		slog.String("callID", s.callID),
		slog.String("peer", s.peer.String()))

	go s.prepareMedia(s.epoch, s.callID)
	e.reply <- nil
}

func (s *Session) applyReject(e cmdReject) {
	if st := s.State(); st != StateRinging {
		slog.Debug("Session.RejectCall ignored",
			slog.String("state", st.String()))
		e.reply <- errors.Wrapf(ErrNotRinging, "state %s", st)
		return
	}

	slog.Info("Session.RejectCall",
		slog.String("callID", s.callID),
		slog.String("peer", s.peer.String()))

	s.cfg.Signaler.Send(signaling.Message{
		Type: signaling.MessageTypeHangup,
		To:   s.peer,
	})
	e.reply <- nil
	s.teardown(StateDisconnected, "rejected")
}

func (s *Session) applyEnd(e cmdEnd) {
	switch s.State() {
	case StateConnecting, StateRinging, StateConnected:
		slog.Info("Session.EndCall",
			slog.String("callID", s.callID),
			slog.String("state", s.State().String()))
		s.cfg.Signaler.Send(signaling.Message{
			Type: signaling.MessageTypeHangup,
			To:   s.peer,
		})
		e.reply <- nil
		s.teardown(StateDisconnected, "ended locally")
	default:
		// Завершать нечего - пустая операция
		slog.Debug("Session.EndCall ignored",
			slog.String("state", s.State().String()))
		e.reply <- nil
	}
}

// beginCall открывает новую эпоху вызова
func (s *Session) beginCall(callID string, role Role, peer signaling.PeerIdentity) {
	s.stateMu.Lock()
	s.epoch++
	s.callID = callID
	s.role = role
	s.peer = peer
	s.stateMu.Unlock()
	s.startedAt = time.Now()
	s.connectedAt = time.Time{}
	s.pending = nil
	s.engineReady = false
}

// teardown завершает текущий вызов и переводит сессию в терминальное
// состояние. Освобождает движок и устройства, обесценивает незавершенные
// асинхронные работы, взводит таймер возврата в Idle. Уведомление пира -
// забота вызывающего.
func (s *Session) teardown(to State, reason string) {
	s.stateMu.Lock()
	s.epoch++
	s.stateMu.Unlock()

	s.pending = nil
	s.engineReady = false

	if s.engine != nil {
		eng := s.engine
		s.engine = nil
		// Закрытие движка может быть небыстрым, циклу его ждать незачем
		go func() { _ = eng.Close() }()
	}
	if s.leaseHeld {
		s.cfg.Lease.Release(s.callID)
		s.leaseHeld = false
	}

	outcome := "disconnected"
	if to == StateError {
		outcome = "error"
	}
	var talk time.Duration
	if !s.connectedAt.IsZero() {
		talk = time.Since(s.connectedAt)
	}
	s.cfg.Metrics.callEnded(outcome, talk)

	s.setState(to, reason)
	s.armDisplayTimer()
}

// armDisplayTimer взводит автоматический возврат в Idle. Эпоха привязывает
// срабатывание к текущему терминальному состоянию.
func (s *Session) armDisplayTimer() {
	epoch := s.epoch
	time.AfterFunc(s.cfg.DisplayWindow, func() {
		s.post(evDisplayElapsed{epoch: epoch})
	})
}

func (s *Session) applyDisplayElapsed(e evDisplayElapsed) {
	if e.epoch != s.epoch {
		return
	}
	switch s.State() {
	case StateDisconnected, StateError:
		s.setState(StateIdle, "recycled")
	}
}

func (s *Session) applyChannelState(up bool) {
	s.stateMu.Lock()
	s.channelUp = up
	s.stateMu.Unlock()

	if up {
		slog.Info("Session: signaling channel up")
	} else {
		// Обрыв сигнализации не терминален для вызова: медиа ходит
		// напрямую. Новые вызовы до переподключения невозможны.
		slog.Warn("Session: signaling channel down",
			slog.String("state", s.State().String()))
	}
	s.notifyChannelState(up)
}

// prepareMedia - асинхронная подготовка медиа: движок, локальные устройства,
// соединение. Выполняется вне цикла, результат доезжает событием.
func (s *Session) prepareMedia(epoch uint64, callID string) {
	log := slog.With(slog.String("callID", callID))

	engine, err := s.cfg.Engines()
	if err != nil {
		log.Error("Session.prepareMedia: engine factory failed",
			slog.String("error", err.Error()))
		s.post(evMediaFailed{epoch: epoch, op: "create engine", err: err})
		return
	}

	// Обработчики до CreateConnection, иначе ранние события потеряются
	engine.OnLocalCandidate(func(c media.Candidate) {
		s.post(evEngineCandidate{epoch: epoch, cand: c})
	})
	engine.OnStateChange(func(st media.ConnectionState) {
		s.post(evEngineState{epoch: epoch, state: st})
	})
	engine.OnLocalTrack(func(tr media.Track) {
		s.post(evLocalTrack{epoch: epoch, track: tr})
	})
	engine.OnRemoteTrack(func(tr media.Track) {
		s.post(evRemoteTrack{epoch: epoch, track: tr})
	})

	ctx := context.Background()
	if err := engine.PrepareLocalMedia(ctx); err != nil {
		log.Error("Session.prepareMedia: prepare local media failed",
			slog.String("error", err.Error()))
		_ = engine.Close()
		s.post(evMediaFailed{epoch: epoch, op: "prepare local media", err: err})
		return
	}
	if err := engine.CreateConnection(ctx); err != nil {
		log.Error("Session.prepareMedia: create connection failed",
			slog.String("error", err.Error()))
		_ = engine.Close()
		s.post(evMediaFailed{epoch: epoch, op: "create connection", err: err})
		return
	}

	log.Debug("Session.prepareMedia: media ready")
	s.post(evMediaReady{epoch: epoch, engine: engine})
}

func (s *Session) applyMediaReady(e evMediaReady) {
	if e.epoch != s.epoch {
		// Вызов уже умер, движок чужой эпохи закрываем на месте
		slog.Debug("Session: stale media ready, closing engine")
		go func() { _ = e.engine.Close() }()
		return
	}

	s.engine = e.engine
	s.engineReady = true

	switch s.role {
	case RoleInitiator:
		go s.createOffer(s.epoch, e.engine)
	case RoleResponder:
		if s.pending != nil {
			po := *s.pending
			s.pending = nil
			slog.Debug("Session: consuming buffered offer",
				slog.String("callID", s.callID))
			go s.acceptRemoteOffer(s.epoch, e.engine, po.sdp)
		}
		// Иначе offer еще в пути и будет применен по прибытии
	}
}

func (s *Session) applyMediaFailed(e evMediaFailed) {
	if e.epoch != s.epoch {
		return
	}

	ce := ErrNegotiationFailed(e.op, e.err)
	ce.CallID = s.callID
	s.cfg.Metrics.errorOccurred(ce.Category)

	slog.Error("Session: negotiation failed",
		slog.String("callID", s.callID),
		slog.String("op", e.op),
		slog.String("error", e.err.Error()))

	switch s.State() {
	case StateConnecting:
		s.cfg.Signaler.Send(signaling.Message{
			Type:   signaling.MessageTypeCallFailed,
			To:     s.peer,
			Reason: "media-failure",
		})
		s.teardown(StateError, ce.Message)
	case StateConnected:
		s.cfg.Signaler.Send(signaling.Message{
			Type: signaling.MessageTypeHangup,
			To:   s.peer,
		})
		s.teardown(StateError, ce.Message)
	}
}

func (s *Session) createOffer(epoch uint64, engine media.NegotiationEngine) {
	sdp, err := engine.CreateOffer(context.Background())
	if err != nil {
		s.post(evMediaFailed{epoch: epoch, op: "create offer", err: err})
		return
	}
	s.post(evOfferReady{epoch: epoch, sdp: sdp})
}

// acceptRemoteOffer применяет удаленный offer и готовит answer
func (s *Session) acceptRemoteOffer(epoch uint64, engine media.NegotiationEngine, sdp string) {
	ctx := context.Background()
	if err := engine.SetRemoteDescription(ctx, media.SDPOffer, sdp); err != nil {
		s.post(evMediaFailed{epoch: epoch, op: "set remote offer", err: err})
		return
	}
	answer, err := engine.CreateAnswer(ctx)
	if err != nil {
		s.post(evMediaFailed{epoch: epoch, op: "create answer", err: err})
		return
	}
	s.post(evAnswerReady{epoch: epoch, sdp: answer})
}

func (s *Session) applyRemoteAnswer(epoch uint64, engine media.NegotiationEngine, sdp string) {
	if err := engine.SetRemoteDescription(context.Background(), media.SDPAnswer, sdp); err != nil {
		s.post(evMediaFailed{epoch: epoch, op: "set remote answer", err: err})
		return
	}
	s.post(evRemoteApplied{epoch: epoch, kind: media.SDPAnswer})
}

func (s *Session) applyOfferReady(e evOfferReady) {
	if e.epoch != s.epoch || s.State() != StateConnecting {
		return
	}
	slog.Debug("Session: sending offer",
		slog.String("callID", s.callID),
		slog.String("peer", s.peer.String()))
	s.cfg.Signaler.Send(signaling.Message{
		Type: signaling.MessageTypeOffer,
		To:   s.peer,
		SDP:  e.sdp,
	})
}

func (s *Session) applyAnswerReady(e evAnswerReady) {
	if e.epoch != s.epoch {
		return
	}
	slog.Debug("Session: sending answer",
		slog.String("callID", s.callID),
		slog.String("peer", s.peer.String()))
	s.cfg.Signaler.Send(signaling.Message{
		Type: signaling.MessageTypeAnswer,
		To:   s.peer,
		SDP:  e.sdp,
	})
}

func (s *Session) applyEngineCandidate(e evEngineCandidate) {
	if e.epoch != s.epoch || s.peer == "" {
		return
	}
	switch s.State() {
	case StateConnecting, StateConnected:
		s.cfg.Signaler.Send(signaling.Message{
			Type: signaling.MessageTypeIceCandidate,
			To:   s.peer,
			Candidate: &signaling.Candidate{
				Candidate:     e.cand.Candidate,
				SDPMid:        e.cand.SDPMid,
				SDPMLineIndex: e.cand.SDPMLineIndex,
			},
		})
	}
}

func (s *Session) applyEngineState(e evEngineState) {
	if e.epoch != s.epoch {
		return
	}
	slog.Debug("Session: engine state",
		slog.String("callID", s.callID),
		slog.String("engine_state", e.state.String()))

	switch e.state {
	case media.ConnectionConnected:
		if s.State() == StateConnecting {
			s.connectedAt = time.Now()
			s.cfg.Metrics.connected(time.Since(s.startedAt))
			s.setState(StateConnected, "media established")
		}
	case media.ConnectionFailed:
		switch s.State() {
		case StateConnecting, StateConnected:
			ce := ErrMediaTransportFailed()
			ce.CallID = s.callID
			s.cfg.Metrics.errorOccurred(ce.Category)
			s.cfg.Signaler.Send(signaling.Message{
				Type: signaling.MessageTypeHangup,
				To:   s.peer,
			})
			s.teardown(StateError, ce.Message)
		}
	case media.ConnectionClosed:
		// Штатное закрытие собственного движка приходит уже чужой эпохой,
		// сюда доезжает только неожиданное закрытие со стороны медиа
		switch s.State() {
		case StateConnecting, StateConnected:
			s.teardown(StateDisconnected, "media closed")
		}
	}
}

func (s *Session) applyMessage(msg signaling.Message) {
	switch msg.Type {
	case signaling.MessageTypeIncomingCall, signaling.MessageTypeCall:
		s.applyIncomingCall(msg)
	case signaling.MessageTypeOffer:
		s.applyInboundOffer(msg)
	case signaling.MessageTypeAnswer:
		s.applyInboundAnswer(msg)
	case signaling.MessageTypeIceCandidate:
		s.applyInboundCandidate(msg)
	case signaling.MessageTypeHangup:
		s.applyInboundHangup(msg)
	case signaling.MessageTypeCallFailed:
		s.applyInboundCallFailed(msg)
	}
}

func (s *Session) applyIncomingCall(msg signaling.Message) {
	st := s.State()
	if st == StateIdle {
		s.beginCall(uuid.NewString(), RoleResponder, msg.From)
		s.setState(StateRinging, "incoming call")
		s.cfg.Metrics.callStarted(RoleResponder)
		slog.Info("Session: incoming call",
			slog.String("callID", s.callID),
			slog.String("peer", msg.From.String()))
		s.notifyIncomingCall(msg.From)
		return
	}

	if msg.From == s.peer {
		// Повторное уведомление о текущем вызове
		slog.Debug("Session: duplicate call notification",
			slog.String("peer", msg.From.String()))
		return
	}

	// Сессия занята: немедленный отказ без изменения состояния
	slog.Info("Session: rejecting call while busy",
		slog.String("from", msg.From.String()),
		slog.String("state", st.String()))
	s.cfg.Signaler.Send(signaling.Message{
		Type:   signaling.MessageTypeCallFailed,
		To:     msg.From,
		Reason: "busy",
	})
}

func (s *Session) applyInboundOffer(msg signaling.Message) {
	switch s.State() {
	case StateRinging, StateConnecting, StateConnected:
	default:
		// Вне активного вызова offer не нужен даже в буфере
		slog.Debug("Session: dropping unexpected offer",
			slog.String("from", msg.From.String()),
			slog.String("state", s.State().String()))
		return
	}
	if msg.From != s.peer {
		slog.Debug("Session: dropping offer from stale peer",
			slog.String("from", msg.From.String()))
		return
	}
	if s.role != RoleResponder {
		// Встречный offer от вызываемой стороны не поддерживается
		slog.Debug("Session: dropping offer glare",
			slog.String("callID", s.callID))
		return
	}

	if s.engineReady && s.engine != nil {
		go s.acceptRemoteOffer(s.epoch, s.engine, msg.SDP)
		return
	}

	// Движок не готов: offer ждет в однослотовом буфере, свежий замещает
	// лежащий
	if s.pending != nil {
		slog.Debug("Session: replacing pending offer",
			slog.String("callID", s.callID))
		s.cfg.Metrics.offerReplaced()
	}
	s.pending = &pendingOffer{from: msg.From, sdp: msg.SDP}
}

func (s *Session) applyInboundAnswer(msg signaling.Message) {
	if msg.From != s.peer || s.role != RoleInitiator || !s.engineReady || s.engine == nil {
		slog.Debug("Session: dropping unexpected answer",
			slog.String("from", msg.From.String()),
			slog.String("state", s.State().String()))
		return
	}
	switch s.State() {
	case StateConnecting, StateConnected:
		go s.applyRemoteAnswer(s.epoch, s.engine, msg.SDP)
	}
}

func (s *Session) applyInboundCandidate(msg signaling.Message) {
	if msg.From != s.peer || msg.Candidate == nil {
		return
	}
	if s.engine == nil {
		// Кандидаты до появления движка не буферизуются: соединение
		// соберется по кандидатам, пришедшим после offer/answer
		slog.Debug("Session: dropping early candidate",
			slog.String("callID", s.callID))
		return
	}
	err := s.engine.AddRemoteCandidate(media.Candidate{
		Candidate:     msg.Candidate.Candidate,
		SDPMid:        msg.Candidate.SDPMid,
		SDPMLineIndex: msg.Candidate.SDPMLineIndex,
	})
	if err != nil {
		slog.Debug("Session: candidate not applied",
			slog.String("callID", s.callID),
			slog.String("error", err.Error()))
	}
}

func (s *Session) applyInboundHangup(msg signaling.Message) {
	if msg.From != s.peer {
		slog.Debug("Session: dropping stale hangup",
			slog.String("from", msg.From.String()))
		return
	}
	switch s.State() {
	case StateConnecting, StateRinging, StateConnected:
		slog.Info("Session: remote hangup",
			slog.String("callID", s.callID),
			slog.String("peer", msg.From.String()))
		s.teardown(StateDisconnected, "remote hangup")
	}
}

func (s *Session) applyInboundCallFailed(msg signaling.Message) {
	if msg.From != s.peer {
		return
	}
	switch s.State() {
	case StateConnecting, StateRinging, StateConnected:
		reason := "call failed"
		if msg.Reason != "" {
			reason = "call failed: " + msg.Reason
		}
		slog.Info("Session: remote call failure",
			slog.String("callID", s.callID),
			slog.String("reason", reason))
		s.teardown(StateDisconnected, reason)
	}
}

// Уведомления. Вызываются на горутине цикла.

func (s *Session) notifyIncomingCall(peer signaling.PeerIdentity) {
	s.handlersMu.RLock()
	handler := s.onIncomingCall
	s.handlersMu.RUnlock()
	if handler != nil {
		handler(peer)
	}
}

func (s *Session) notifyLocalTrack(track media.Track) {
	s.handlersMu.RLock()
	handler := s.onLocalTrack
	s.handlersMu.RUnlock()
	if handler != nil {
		handler(track)
	}
}

func (s *Session) notifyRemoteTrack(track media.Track) {
	s.handlersMu.RLock()
	handler := s.onRemoteTrack
	s.handlersMu.RUnlock()
	if handler != nil {
		handler(track)
	}
}

func (s *Session) notifyChannelState(up bool) {
	s.handlersMu.RLock()
	handler := s.onChannelState
	s.handlersMu.RUnlock()
	if handler != nil {
		handler(up)
	}
}

func formEventName(src, dst State) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

/*
FSM (Конечный автомат) сессии вызова:

Состояния и переходы:

1. Idle (Начальное состояние)
   - Описание: вызова нет, сессия готова к новому
   - Возможные переходы:
     * Idle → Connecting (исходящий вызов)
     * Idle → Ringing (входящий вызов)

2. Connecting
   - Описание: идут переговоры о медиа соединении
   - Возможные переходы:
     * Connecting → Connected (медиа транспорт установлен)
     * Connecting → Disconnected (hangup любой стороны)
     * Connecting → Error (отказ переговоров)

3. Ringing
   - Описание: входящий вызов ждет решения пользователя
   - Возможные переходы:
     * Ringing → Connecting (принят)
     * Ringing → Disconnected (отклонен или отменен вызывающим)

4. Connected
   - Описание: вызов идет
   - Возможные переходы:
     * Connected → Disconnected (hangup, штатное закрытие медиа)
     * Connected → Error (невосстановимый отказ медиа)

5. Disconnected / Error
   - Описание: терминальные состояния показа исхода. Не навсегда:
     через DisplayWindow автоматически следует возврат в Idle
   - Возможные переходы:
     * Disconnected → Idle
     * Error → Idle

Конвенция именования событий:
события формируются через formEventName(src, dst), строки вида "Idle_to_Connecting"

Коллбеки:
   - after_event: срабатывает после любого перехода (лог, метрики, уведомление)
   - enter_Idle:  переработка сессии под следующий вызов

Диаграмма переходов:
[Idle] → [Connecting] → [Connected] → [Disconnected] → [Idle]
[Idle] → [Ringing] → [Connecting] → ...
[Connecting] → [Error] → [Idle]
*/

func (s *Session) initFSM() {
	s.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: formEventName(StateIdle, StateConnecting), Src: []string{string(StateIdle)}, Dst: string(StateConnecting)},
			{Name: formEventName(StateIdle, StateRinging), Src: []string{string(StateIdle)}, Dst: string(StateRinging)},
			{Name: formEventName(StateRinging, StateConnecting), Src: []string{string(StateRinging)}, Dst: string(StateConnecting)},
			{Name: formEventName(StateConnecting, StateConnected), Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: formEventName(StateConnecting, StateDisconnected), Src: []string{string(StateConnecting)}, Dst: string(StateDisconnected)},
			{Name: formEventName(StateRinging, StateDisconnected), Src: []string{string(StateRinging)}, Dst: string(StateDisconnected)},
			{Name: formEventName(StateConnected, StateDisconnected), Src: []string{string(StateConnected)}, Dst: string(StateDisconnected)},
			{Name: formEventName(StateConnecting, StateError), Src: []string{string(StateConnecting)}, Dst: string(StateError)},
			{Name: formEventName(StateConnected, StateError), Src: []string{string(StateConnected)}, Dst: string(StateError)},
			{Name: formEventName(StateDisconnected, StateIdle), Src: []string{string(StateDisconnected)}, Dst: string(StateIdle)},
			{Name: formEventName(StateError, StateIdle), Src: []string{string(StateError)}, Dst: string(StateIdle)},
		}, fsm.Callbacks{
			"after_event":                 s.afterStateChange,
			"enter_" + StateIdle.String(): s.enterIdle,
		})
}

// callBacks for FSM

func (s *Session) afterStateChange(ctx context.Context, e *fsm.Event) {
	reason := ""
	if len(e.Args) > 0 {
		if r, ok := e.Args[0].(string); ok {
			reason = r
		}
	}

	s.cfg.Metrics.transition(State(e.Src), State(e.Dst))

	slog.Info("Session: state changed",
		slog.String("callID", s.callID),
		slog.String("from", e.Src),
		slog.String("to", e.Dst),
		slog.String("reason", reason))

	s.handlersMu.RLock()
	handler := s.onStateChange
	s.handlersMu.RUnlock()

	if handler != nil {
		handler(StateChange{
			State:  State(e.Dst),
			Reason: reason,
			Peer:   s.peer,
			CallID: s.callID,
		})
	}
}

func (s *Session) enterIdle(ctx context.Context, e *fsm.Event) {
	s.stateMu.Lock()
	s.peer = ""
	s.role = RoleNone
	s.callID = ""
	s.stateMu.Unlock()
	s.cfg.Metrics.becameIdle()
}

// setState переводит автомат в состояние status. Легальность перехода
// гарантирует автомат: запрещенный переход - ошибка программиста, она
// громко логируется и не меняет состояние.
func (s *Session) setState(status State, reason string) {
	if err := s.fsm.Event(context.TODO(), formEventName(s.State(), status), reason); err != nil {
		slog.Error("Session.setState failed",
			slog.String("from", s.State().String()),
			slog.String("to", status.String()),
			slog.String("error", err.Error()))
	}
}
