// Package intercom реализует сеанс двусторонней голосовой связи с камерой.
//
// В отличие от видеовызова здесь нет переговоров о медиа: обе стороны
// обмениваются закодированными аудио кадрами как бинарными websocket
// сообщениями, кадр на сообщение. Транспорт открывается на время сеанса
// и закрывается вместе с ним.
//
// Перед любым подключением сеанс спрашивает разрешение на микрофон:
// отказ переводит сеанс в Error, соединение не открывается вовсе.
package intercom

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

// State - состояние сеанса интеркома
type State string

const (
	StateIdle       State = "Idle"
	StateConnecting State = "Connecting"
	StateConnected  State = "Connected"
	StateError      State = "Error"
)

func (s State) String() string { return string(s) }

// StateChange - уведомление о переходе состояния
type StateChange struct {
	State  State
	Reason string
}

var (
	// ErrNotIdle - сеанс уже идет
	ErrNotIdle = errors.New("intercom session is not idle")
	// ErrSessionClosed - сеанс остановлен насовсем
	ErrSessionClosed = errors.New("intercom session is closed")
)

// Transport - бинарный аудио транспорт сеанса. Реализуется сигнальным
// каналом в ModeAudio; подменяется в тестах.
type Transport interface {
	Events() <-chan signaling.Event
	SendFrame(frame []byte)
	Close() error
}

// TransportFactory открывает транспорт очередного сеанса
type TransportFactory func(ctx context.Context) (Transport, error)

// ChannelTransport - фабрика транспорта поверх websocket канала в бинарном
// режиме. Канал подключается на месте и живет ровно один сеанс.
func ChannelTransport(endpoint string, identity signaling.PeerIdentity) TransportFactory {
	return func(ctx context.Context) (Transport, error) {
		cfg := signaling.DefaultConfig(endpoint, identity, signaling.RoleIntercom)
		cfg.Mode = signaling.ModeAudio
		ch, err := signaling.NewChannel(cfg)
		if err != nil {
			return nil, err
		}
		if err := ch.Connect(ctx); err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// AudioEngineFactory создает аудио движок очередного сеанса
type AudioEngineFactory func() (media.AudioDuplexEngine, error)

// События цикла сеанса

type event interface{ name() string }

type cmdStart struct{ reply chan error }

func (cmdStart) name() string { return "cmd.start" }

type cmdStop struct{ reply chan error }

func (cmdStop) name() string { return "cmd.stop" }

// evEstablished - транспорт и движок готовы, владение переходит циклу
type evEstablished struct {
	epoch     uint64
	transport Transport
	engine    media.AudioDuplexEngine
	leaseID   string
}

func (evEstablished) name() string { return "audio.established" }

type evFailed struct {
	epoch uint64
	stage string
	err   error
}

func (evFailed) name() string { return "audio.failed" }

type evUp struct{ epoch uint64 }

func (evUp) name() string { return "channel.up" }

type evDown struct{ epoch uint64 }

func (evDown) name() string { return "channel.down" }

type evDisplayElapsed struct{ epoch uint64 }

func (evDisplayElapsed) name() string { return "timer.display_elapsed" }

// Config - зависимости и настройки сеанса
type Config struct {
	// Transport открывает аудио транспорт, обязателен
	Transport TransportFactory
	// Engine создает движок захвата и воспроизведения, обязателен
	Engine AudioEngineFactory
	// Permissions - проверка разрешения на микрофон, по умолчанию AllowAll
	Permissions media.PermissionChecker
	// Lease - захват устройств, общий с сессией вызовов
	Lease *media.DeviceLease
	// Metrics - метрики интеркома, nil допустим
	Metrics *Metrics
	// DisplayWindow - сколько показывается Error до возврата в Idle
	DisplayWindow time.Duration
	// EventBuffer - емкость очереди событий цикла
	EventBuffer int
}

const (
	defaultDisplayWindow = 3 * time.Second
	defaultEventBuffer   = 64
)

// Session - сеанс интеркома. Перерабатывается между сеансами так же,
// как сессия вызовов: Error через DisplayWindow возвращается в Idle.
//
// Вся работа сериализована одной горутиной-циклом; кадры ходят мимо
// цикла по выделенным горутинам перекачки.
type Session struct {
	cfg Config
	fsm *fsm.FSM

	events chan event
	quit   chan struct{}

	closeOnce sync.Once

	stateMu sync.RWMutex
	epoch   uint64

	// Поля текущего сеанса, владеет горутина цикла
	transport Transport
	engine    media.AudioDuplexEngine
	leaseID   string
	leaseHeld bool
	startedAt time.Time

	handlersMu    sync.RWMutex
	onStateChange func(StateChange)
}

// NewSession создает сеанс и запускает его цикл
func NewSession(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, errors.New("transport factory is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("audio engine factory is required")
	}
	if cfg.Permissions == nil {
		cfg.Permissions = media.AllowAll()
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

	go s.run()
	return s, nil
}

// State возвращает текущее состояние сеанса
func (s *Session) State() State {
	return State(s.fsm.Current())
}

// OnStateChange устанавливает обработчик переходов состояния
func (s *Session) OnStateChange(handler func(StateChange)) {
	s.handlersMu.Lock()
	s.onStateChange = handler
	s.handlersMu.Unlock()
}

// Start начинает сеанс. Разрешен только из Idle, иначе ErrNotIdle.
// Возврат без ошибки означает, что сеанс запускается; итог приходит
// через OnStateChange.
func (s *Session) Start(ctx context.Context) error {
	cmd := cmdStart{reply: make(chan error, 1)}
	return s.command(ctx, cmd, cmd.reply)
}

// Stop завершает сеанс. Вне сеанса - пустая операция.
func (s *Session) Stop(ctx context.Context) error {
	cmd := cmdStop{reply: make(chan error, 1)}
	return s.command(ctx, cmd, cmd.reply)
}

// Close останавливает сеанс насовсем
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

func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.quit:
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
	s.releaseSession()
	slog.Debug("Intercom.shutdown")
}

func (s *Session) apply(ev event) {
	switch e := ev.(type) {
	case cmdStart:
		s.applyStart(e)
	case cmdStop:
		s.applyStop(e)
	case evEstablished:
		s.applyEstablished(e)
	case evFailed:
		s.applyFailed(e)
	case evUp:
		s.applyUp(e)
	case evDown:
		s.applyDown(e)
	case evDisplayElapsed:
		s.applyDisplayElapsed(e)
	default:
		slog.Warn("Intercom: unknown event", slog.String("event", ev.name()))
	}
}

func (s *Session) applyStart(e cmdStart) {
	if st := s.State(); st != StateIdle {
		slog.Debug("Intercom.Start ignored, session busy",
			slog.String("state", st.String()))
		e.reply <- errors.Wrapf(ErrNotIdle, "state %s", st)
		return
	}

	s.stateMu.Lock()
	s.epoch++
	epoch := s.epoch
	s.stateMu.Unlock()
	s.startedAt = time.Now()

	s.setState(StateConnecting, "starting")
	s.cfg.Metrics.started()
	slog.Info("Intercom.Start")

	go s.establish(epoch)
	e.reply <- nil
}

func (s *Session) applyStop(e cmdStop) {
	switch s.State() {
	case StateConnecting, StateConnected:
		slog.Info("Intercom.Stop", slog.String("state", s.State().String()))
		e.reply <- nil
		s.teardown(StateIdle, "stopped")
	default:
		// Завершать нечего - пустая операция
		slog.Debug("Intercom.Stop ignored",
			slog.String("state", s.State().String()))
		e.reply <- nil
	}
}

// establish - асинхронный запуск сеанса: разрешение, устройства, транспорт,
// движок. Порядок жесткий: до положительного ответа на запрос разрешения
// никакое соединение не открывается.
func (s *Session) establish(epoch uint64) {
	ctx := context.Background()

	if err := s.cfg.Permissions.Check(ctx, media.PermissionMicrophone); err != nil {
		slog.Warn("Intercom.establish: permission denied",
			slog.String("error", err.Error()))
		s.post(evFailed{epoch: epoch, stage: "permission", err: err})
		return
	}

	leaseID := "intercom-" + uuid.NewString()
	if err := s.cfg.Lease.TryAcquire(leaseID); err != nil {
		slog.Warn("Intercom.establish: capture devices busy",
			slog.String("error", err.Error()))
		s.post(evFailed{epoch: epoch, stage: "device lease", err: err})
		return
	}

	transport, err := s.cfg.Transport(ctx)
	if err != nil {
		s.cfg.Lease.Release(leaseID)
		slog.Error("Intercom.establish: transport failed",
			slog.String("error", err.Error()))
		s.post(evFailed{epoch: epoch, stage: "transport", err: err})
		return
	}

	engine, err := s.cfg.Engine()
	if err == nil {
		err = engine.Start(ctx)
	}
	if err != nil {
		_ = transport.Close()
		s.cfg.Lease.Release(leaseID)
		slog.Error("Intercom.establish: audio engine failed",
			slog.String("error", err.Error()))
		s.post(evFailed{epoch: epoch, stage: "audio engine", err: err})
		return
	}

	s.post(evEstablished{
		epoch:     epoch,
		transport: transport,
		engine:    engine,
		leaseID:   leaseID,
	})
}

func (s *Session) applyEstablished(e evEstablished) {
	if e.epoch != s.epoch {
		// Сеанс уже остановлен, принесенное закрываем на месте
		slog.Debug("Intercom: stale establish, closing")
		go func() {
			_ = e.engine.Close()
			_ = e.transport.Close()
		}()
		s.cfg.Lease.Release(e.leaseID)
		return
	}

	s.transport = e.transport
	s.engine = e.engine
	s.leaseID = e.leaseID
	s.leaseHeld = true

	go s.pumpCapture(e.engine, e.transport)
	go s.pumpTransport(e.epoch, e.transport, e.engine)
}

func (s *Session) applyFailed(e evFailed) {
	if e.epoch != s.epoch {
		return
	}
	s.cfg.Metrics.failed(e.stage)
	s.teardown(StateError, e.stage+" failed: "+e.err.Error())
}

func (s *Session) applyUp(e evUp) {
	if e.epoch != s.epoch {
		return
	}
	if s.State() == StateConnecting {
		s.setState(StateConnected, "audio channel up")
	}
}

func (s *Session) applyDown(e evDown) {
	if e.epoch != s.epoch {
		return
	}
	switch s.State() {
	case StateConnecting, StateConnected:
		// Транспорт и сеанс живут вместе: обрыв канала завершает сеанс
		s.teardown(StateError, "audio channel lost")
	}
}

func (s *Session) applyDisplayElapsed(e evDisplayElapsed) {
	if e.epoch != s.epoch {
		return
	}
	if s.State() == StateError {
		s.setState(StateIdle, "recycled")
	}
}

// pumpCapture качает захваченные кадры на провод. Живет, пока движок
// отдает кадры; закрытие движка закрывает очередь и перекачку.
func (s *Session) pumpCapture(engine media.AudioDuplexEngine, transport Transport) {
	for frame := range engine.Frames() {
		transport.SendFrame(frame)
		s.cfg.Metrics.frameSent()
	}
}

// pumpTransport раздает события транспорта: контрольные в цикл, кадры
// напрямую в движок мимо цикла
func (s *Session) pumpTransport(epoch uint64, transport Transport, engine media.AudioDuplexEngine) {
	for ev := range transport.Events() {
		switch ev.Kind {
		case signaling.EventConnected:
			s.post(evUp{epoch: epoch})
		case signaling.EventDisconnected:
			s.post(evDown{epoch: epoch})
		case signaling.EventFrame:
			if err := engine.Play(ev.Frame); err != nil {
				slog.Debug("Intercom: frame not played",
					slog.String("error", err.Error()))
				continue
			}
			s.cfg.Metrics.framePlayed()
		}
	}
}

// teardown завершает текущий сеанс: обесценивает незавершенные асинхронные
// работы, закрывает движок и транспорт, освобождает устройства
func (s *Session) teardown(to State, reason string) {
	s.stateMu.Lock()
	s.epoch++
	epoch := s.epoch
	s.stateMu.Unlock()

	s.releaseSession()

	var talk time.Duration
	if !s.startedAt.IsZero() {
		talk = time.Since(s.startedAt)
		s.startedAt = time.Time{}
	}
	outcome := "stopped"
	if to == StateError {
		outcome = "error"
	}
	s.cfg.Metrics.ended(outcome, talk)

	s.setState(to, reason)
	if to == StateError {
		time.AfterFunc(s.cfg.DisplayWindow, func() {
			s.post(evDisplayElapsed{epoch: epoch})
		})
	}
}

func (s *Session) releaseSession() {
	if s.engine != nil {
		eng := s.engine
		s.engine = nil
		go func() { _ = eng.Close() }()
	}
	if s.transport != nil {
		tr := s.transport
		s.transport = nil
		go func() { _ = tr.Close() }()
	}
	if s.leaseHeld {
		s.cfg.Lease.Release(s.leaseID)
		s.leaseHeld = false
	}
}

/*
Конечный автомат сеанса интеркома:

1. Idle
   - Описание: сеанса нет, устройства свободны
   - Возможные переходы:
     * Idle → Connecting (Start)

2. Connecting
   - Описание: разрешение спрошено, устройства и транспорт поднимаются
   - Возможные переходы:
     * Connecting → Connected (аудио канал поднялся)
     * Connecting → Error (отказ разрешения, устройств или транспорта)
     * Connecting → Idle (Stop во время запуска)

3. Connected
   - Описание: разговор идет, кадры ходят в обе стороны
   - Возможные переходы:
     * Connected → Error (обрыв канала или движка)
     * Connected → Idle (Stop)

4. Error
   - Описание: показ исхода. Через DisplayWindow автоматический возврат в Idle
   - Возможные переходы:
     * Error → Idle
*/

func (s *Session) initFSM() {
	s.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: formEventName(StateIdle, StateConnecting), Src: []string{string(StateIdle)}, Dst: string(StateConnecting)},
			{Name: formEventName(StateConnecting, StateConnected), Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: formEventName(StateConnecting, StateError), Src: []string{string(StateConnecting)}, Dst: string(StateError)},
			{Name: formEventName(StateConnected, StateError), Src: []string{string(StateConnected)}, Dst: string(StateError)},
			{Name: formEventName(StateConnecting, StateIdle), Src: []string{string(StateConnecting)}, Dst: string(StateIdle)},
			{Name: formEventName(StateConnected, StateIdle), Src: []string{string(StateConnected)}, Dst: string(StateIdle)},
			{Name: formEventName(StateError, StateIdle), Src: []string{string(StateError)}, Dst: string(StateIdle)},
		}, fsm.Callbacks{
			"after_event": s.afterStateChange,
		})
}

func (s *Session) afterStateChange(ctx context.Context, e *fsm.Event) {
	reason := ""
	if len(e.Args) > 0 {
		if r, ok := e.Args[0].(string); ok {
			reason = r
		}
	}

	slog.Info("Intercom: state changed",
		slog.String("from", e.Src),
		slog.String("to", e.Dst),
		slog.String("reason", reason))

	s.handlersMu.RLock()
	handler := s.onStateChange
	s.handlersMu.RUnlock()

	if handler != nil {
		handler(StateChange{State: State(e.Dst), Reason: reason})
	}
}

func (s *Session) setState(status State, reason string) {
	if err := s.fsm.Event(context.TODO(), formEventName(s.State(), status), reason); err != nil {
		slog.Error("Intercom.setState failed",
			slog.String("from", s.State().String()),
			slog.String("to", status.String()),
			slog.String("error", err.Error()))
	}
}

// formEventName формирует имя события автомата из пары состояний
func formEventName(from State, to State) string {
	var builder strings.Builder
	builder.Grow(len(from) + len(to) + 4)
	builder.WriteString(string(from))
	builder.WriteString("_to_")
	builder.WriteString(string(to))
	return builder.String()
}
