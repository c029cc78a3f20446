package media

import "context"

// SDPKind вид описания сессии
type SDPKind int

const (
	// SDPOffer - предложение инициатора
	SDPOffer SDPKind = iota + 1
	// SDPAnswer - ответ отвечающей стороны
	SDPAnswer
)

func (k SDPKind) String() string {
	switch k {
	case SDPOffer:
		return "offer"
	case SDPAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

// ConnectionState - состояние медиа транспорта, как его сообщает движок.
// Ядро вызовов трактует Connected как момент установления вызова,
// Failed - как невосстановимый отказ, Closed - как штатное завершение.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Candidate - ICE кандидат. Содержимое для ядра непрозрачно: оно лишь
// переносит кандидатов между движком и сигнальным каналом.
type Candidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// TrackKind вид медиа дорожки
type TrackKind int

const (
	TrackAudio TrackKind = iota + 1
	TrackVideo
)

func (k TrackKind) String() string {
	switch k {
	case TrackAudio:
		return "audio"
	case TrackVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Track - непрозрачная ссылка на медиа дорожку, пригодная для передачи
// слою отображения. Ядро вызовов дорожки не интерпретирует.
type Track interface {
	ID() string
	Kind() TrackKind
}

// NegotiationEngine - движок переговоров о медиа соединении.
//
// Жизненный цикл: один экземпляр на один вызов. Владелец обязан установить
// обработчики до CreateConnection, иначе ранние события теряются. Close
// освобождает соединение и локальные устройства; после Close экземпляр
// мертв и не переиспользуется.
//
// Обработчики вызываются на горутинах движка: реализация владельца должна
// быстро передать событие в свой цикл и вернуться.
type NegotiationEngine interface {
	// PrepareLocalMedia захватывает локальные устройства и готовит
	// локальные дорожки
	PrepareLocalMedia(ctx context.Context) error

	// CreateConnection создает медиа соединение с локальными дорожками
	CreateConnection(ctx context.Context) error

	// CreateOffer формирует локальное описание сессии инициатора
	CreateOffer(ctx context.Context) (string, error)

	// CreateAnswer формирует ответ на принятое удаленное описание
	CreateAnswer(ctx context.Context) (string, error)

	// SetRemoteDescription применяет описание сессии удаленной стороны
	SetRemoteDescription(ctx context.Context, kind SDPKind, sdp string) error

	// AddRemoteCandidate добавляет ICE кандидата удаленной стороны.
	// До применения удаленного описания кандидаты не принимаются.
	AddRemoteCandidate(c Candidate) error

	// Close останавливает соединение и освобождает устройства захвата
	Close() error

	// OnLocalCandidate - локальный ICE кандидат готов к отправке пиру
	OnLocalCandidate(fn func(Candidate))

	// OnStateChange - изменение состояния медиа транспорта
	OnStateChange(fn func(ConnectionState))

	// OnLocalTrack - локальная дорожка готова (предпросмотр своей камеры)
	OnLocalTrack(fn func(Track))

	// OnRemoteTrack - удаленная дорожка готова к отображению
	OnRemoteTrack(fn func(Track))
}

// EngineFactory создает движок переговоров для очередного вызова
type EngineFactory func() (NegotiationEngine, error)
