package signaling

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Mode определяет дисциплину кадров на канале.
type Mode int

const (
	// ModeSignaling - текстовые JSON сообщения (сигнализация вызова).
	// Бинарные кадры в этом режиме отбрасываются.
	ModeSignaling Mode = iota
	// ModeAudio - бинарные кадры без заголовков (аудио интеркома, один кадр
	// кодека на одно сообщение). Текстовые сообщения отбрасываются.
	ModeAudio
)

func (m Mode) String() string {
	switch m {
	case ModeSignaling:
		return "signaling"
	case ModeAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// EventKind вид события канала
type EventKind int

const (
	// EventConnected - канал установлен
	EventConnected EventKind = iota + 1
	// EventDisconnected - канал потерян. Единственное терминальное событие:
	// любой отказ транспорта (обрыв TCP, close frame, таймаут чтения)
	// нормализуется в него.
	EventDisconnected
	// EventMessage - декодированное сигнальное сообщение
	EventMessage
	// EventFrame - бинарный аудио кадр (ModeAudio)
	EventFrame
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	case EventFrame:
		return "frame"
	default:
		return "unknown"
	}
}

// Event - событие канала, доставляется подписчику через Events().
// Message заполнен только для EventMessage, Frame - для EventFrame.
// Err несет причину EventDisconnected и используется только для логов:
// потребителю все обрывы выглядят одинаково.
type Event struct {
	Kind    EventKind
	Message *Message
	Frame   []byte
	Err     error
}

// Config - параметры сигнального канала
type Config struct {
	// Endpoint - ws:// или wss:// URL реле
	Endpoint string
	// Identity - собственный идентификатор, уходит реле параметром запроса
	Identity PeerIdentity
	// Role - роль подключения (параметр запроса реле: app, camera, intercom)
	Role string
	// Mode - дисциплина кадров, по умолчанию ModeSignaling
	Mode Mode
	// DialTimeout - таймаут установления соединения
	DialTimeout time.Duration
	// PingInterval - период ping кадров, 0 отключает keepalive
	PingInterval time.Duration
	// EventBuffer - емкость очереди событий
	EventBuffer int
}

// Роли подключения, известные реле.
const (
	RoleApp      = "app"
	RoleCamera   = "camera"
	RoleIntercom = "intercom"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultEventBuffer  = 64
)

// DefaultConfig возвращает конфигурацию с боевыми значениями таймаутов.
func DefaultConfig(endpoint string, identity PeerIdentity, role string) Config {
	return Config{
		Endpoint:     endpoint,
		Identity:     identity,
		Role:         role,
		Mode:         ModeSignaling,
		DialTimeout:  defaultDialTimeout,
		PingInterval: defaultPingInterval,
		EventBuffer:  defaultEventBuffer,
	}
}

// Validate проверяет конфигурацию перед использованием
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return errors.Wrap(err, "invalid endpoint")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if c.Identity == "" {
		return errors.New("identity is required")
	}
	return nil
}

// Channel - постоянное websocket соединение с сигнальным реле.
//
// Канал не интерпретирует сообщения и не переживает обрыв: после
// EventDisconnected он мертв, очередь событий закрывается, переподключение -
// забота владельца. Отправка неблокирующая по отношению к состоянию вызова:
// ошибки записи логируются и гасятся, терминальным событием остается только
// обрыв чтения.
type Channel struct {
	cfg Config

	events chan Event

	mu        sync.Mutex // защищает conn и connected
	conn      *websocket.Conn
	connected bool

	done       chan struct{}
	closeOnce  sync.Once
	eventsOnce sync.Once
}

// NewChannel создает канал. Соединение устанавливается отдельным вызовом
// Connect: владелец успевает подписаться на Events() до первого события.
func NewChannel(cfg Config) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "signaling config")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	return &Channel{
		cfg:    cfg,
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
	}, nil
}

// Connect устанавливает websocket соединение и запускает цикл чтения.
// Идентичность и роль уходят параметрами запроса - реле регистрирует
// подключение по ним. Повторный Connect - ошибка.
func (c *Channel) Connect(ctx context.Context) error {
	select {
	case <-c.done:
		return errors.New("channel closed")
	default:
	}
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("channel already connected")
	}
	c.mu.Unlock()

	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return errors.Wrap(err, "parse endpoint")
	}
	q := u.Query()
	q.Set("id", string(c.cfg.Identity))
	q.Set("role", c.cfg.Role)
	u.RawQuery = q.Encode()

	netDialer := &net.Dialer{
		Timeout: c.cfg.DialTimeout,
		Control: tuneSocketControl,
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.DialTimeout,
		NetDialContext:   netDialer.DialContext,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return errors.Wrapf(err, "dial %s (status %d)", c.cfg.Endpoint, resp.StatusCode)
		}
		return errors.Wrapf(err, "dial %s", c.cfg.Endpoint)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	slog.Info("signaling: channel connected",
		slog.String("endpoint", c.cfg.Endpoint),
		slog.String("identity", string(c.cfg.Identity)),
		slog.String("role", c.cfg.Role),
		slog.String("mode", c.cfg.Mode.String()))

	c.emit(Event{Kind: EventConnected})

	if c.cfg.PingInterval > 0 {
		deadline := c.cfg.PingInterval * 2
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(deadline))
		})
		go c.pingLoop(conn)
	}

	go c.readLoop(conn)
	return nil
}

// Events возвращает очередь событий канала. Очередь закрывается после
// EventDisconnected, поэтому range по ней завершается сам.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Send сериализует и отправляет сигнальное сообщение. Отправка best-effort:
// на закрытом канале или при ошибке записи сообщение теряется с записью в
// лог, состояние вызова от этого не меняется.
func (c *Channel) Send(msg Message) {
	data, err := EncodeMessage(msg)
	if err != nil {
		slog.Warn("signaling: drop outbound message",
			slog.String("type", msg.Type.String()),
			slog.String("error", err.Error()))
		return
	}
	c.write(websocket.TextMessage, data, msg.Type.String())
}

// SendFrame отправляет один бинарный аудио кадр (ModeAudio).
func (c *Channel) SendFrame(frame []byte) {
	c.write(websocket.BinaryMessage, frame, "frame")
}

func (c *Channel) write(messageType int, data []byte, what string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.connected {
		slog.Debug("signaling: send while not connected, dropped",
			slog.String("what", what))
		return
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		slog.Warn("signaling: write failed",
			slog.String("what", what),
			slog.String("error", err.Error()))
	}
}

// Close закрывает канал. Цикл чтения завершится и опубликует
// EventDisconnected; если соединение так и не было установлено, очередь
// событий просто закрывается.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		c.connected = false
		c.mu.Unlock()

		if conn != nil {
			// Вежливый close frame, затем жесткое закрытие: цикл чтения
			// проснется с ошибкой и доведет завершение до конца.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		} else {
			c.closeEvents()
		}
	})
	return nil
}

func (c *Channel) closeEvents() {
	c.eventsOnce.Do(func() {
		close(c.events)
	})
}

// readLoop - единственный читатель соединения. Любая ошибка чтения
// завершает цикл одним и тем же способом: EventDisconnected и закрытие
// очереди событий.
func (c *Channel) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		_ = conn.Close()
		c.closeEvents()
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("signaling: channel lost", slog.String("error", err.Error()))
			} else {
				slog.Info("signaling: channel closed")
			}
			c.emit(Event{Kind: EventDisconnected, Err: err})
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if c.cfg.Mode != ModeSignaling {
				slog.Debug("signaling: text message on audio channel, dropped")
				continue
			}
			msg, err := DecodeMessage(data)
			if err != nil {
				// Протокольные ошибки поглощаются здесь: кривое сообщение
				// не должно влиять на состояние вызова.
				slog.Debug("signaling: drop inbound message",
					slog.String("error", err.Error()))
				continue
			}
			c.emit(Event{Kind: EventMessage, Message: &msg})

		case websocket.BinaryMessage:
			if c.cfg.Mode != ModeAudio {
				slog.Debug("signaling: binary frame on signaling channel, dropped")
				continue
			}
			c.emit(Event{Kind: EventFrame, Frame: data})
		}
	}
}

// emit доставляет событие подписчику, не зависая навсегда: если владелец
// уже закрыл канал и перестал читать, событие теряется вместе с каналом.
func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// WriteControl безопасен параллельно с WriteMessage
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
