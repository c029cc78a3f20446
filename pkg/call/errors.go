package call

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Ошибки предусловий публичных операций. Возвращаются сразу, состояние
// сессии от них не меняется.
var (
	// ErrNotIdle - попытка начать вызов, когда сессия уже занята
	ErrNotIdle = errors.New("call session is not idle")
	// ErrNotRinging - accept/reject вне состояния Ringing
	ErrNotRinging = errors.New("no ringing call")
	// ErrSessionClosed - операция над закрытой сессией
	ErrSessionClosed = errors.New("call session closed")
)

// ErrorCategory категории ошибок вызова
type ErrorCategory string

const (
	// ErrorCategoryTransport - отказы сигнального канала. Всегда локально
	// восстановимы: канал сообщает один нормализованный обрыв.
	ErrorCategoryTransport ErrorCategory = "TRANSPORT"
	// ErrorCategoryNegotiation - отказы переговоров о медиа (подготовка
	// устройств, offer/answer, медиа транспорт)
	ErrorCategoryNegotiation ErrorCategory = "NEGOTIATION"
	// ErrorCategoryPermission - платформа отказала в доступе к устройствам
	ErrorCategoryPermission ErrorCategory = "PERMISSION"
	// ErrorCategoryProtocol - кривые сообщения пира. Поглощаются на канале,
	// до состояния вызова не доходят.
	ErrorCategoryProtocol ErrorCategory = "PROTOCOL"
	// ErrorCategoryState - операция в неподходящем состоянии
	ErrorCategoryState ErrorCategory = "STATE"
)

func (ec ErrorCategory) String() string {
	return string(ec)
}

// ErrorSeverity уровни критичности
type ErrorSeverity string

const (
	ErrorSeverityCritical ErrorSeverity = "CRITICAL"
	ErrorSeverityError    ErrorSeverity = "ERROR"
	ErrorSeverityWarning  ErrorSeverity = "WARNING"
	ErrorSeverityInfo     ErrorSeverity = "INFO"
)

func (es ErrorSeverity) String() string {
	return string(es)
}

// CallError структурированная ошибка вызова с контекстом
type CallError struct {
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Category ErrorCategory `json:"category"`
	Severity ErrorSeverity `json:"severity"`

	CallID    string    `json:"call_id,omitempty"`
	State     State     `json:"state,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Fields      map[string]interface{} `json:"fields,omitempty"`
	Cause       error                  `json:"cause,omitempty"`
	Retryable   bool                   `json:"retryable"`
	UserVisible bool                   `json:"user_visible"`
}

// Error реализует интерфейс error
func (e *CallError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("[%s:%s] %s (call %s)", e.Category, e.Code, e.Message, e.CallID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *CallError) Unwrap() error {
	return e.Cause
}

// WithField добавляет дополнительное поле контекста
func (e *CallError) WithField(key string, value interface{}) *CallError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *CallError) WithCause(cause error) *CallError {
	e.Cause = cause
	return e
}

// NewCallError создает структурированную ошибку
func NewCallError(code, message string, category ErrorCategory, severity ErrorSeverity) *CallError {
	return &CallError{
		Code:        code,
		Message:     message,
		Category:    category,
		Severity:    severity,
		Timestamp:   time.Now(),
		UserVisible: severity == ErrorSeverityCritical || severity == ErrorSeverityError,
	}
}

// Предопределенные ошибки для частых случаев

// ErrMediaPreparationFailed - не удалось подготовить локальные устройства
func ErrMediaPreparationFailed(cause error) *CallError {
	return NewCallError(
		"MEDIA_PREPARATION_FAILED",
		"Не удалось подготовить локальные медиа устройства",
		ErrorCategoryNegotiation,
		ErrorSeverityError,
	).WithCause(cause)
}

// ErrNegotiationFailed - отказ операции переговоров (offer/answer/remote description)
func ErrNegotiationFailed(operation string, cause error) *CallError {
	return NewCallError(
		"NEGOTIATION_FAILED",
		fmt.Sprintf("Отказ переговоров на операции '%s'", operation),
		ErrorCategoryNegotiation,
		ErrorSeverityError,
	).WithField("operation", operation).WithCause(cause)
}

// ErrMediaTransportFailed - движок сообщил невосстановимый отказ транспорта
func ErrMediaTransportFailed() *CallError {
	return NewCallError(
		"MEDIA_TRANSPORT_FAILED",
		"Медиа транспорт невосстановимо потерян",
		ErrorCategoryNegotiation,
		ErrorSeverityError,
	)
}

// ErrCaptureDevicesBusy - устройства захвата заняты другой сессией
func ErrCaptureDevicesBusy(cause error) *CallError {
	e := NewCallError(
		"CAPTURE_DEVICES_BUSY",
		"Устройства захвата заняты другой сессией",
		ErrorCategoryNegotiation,
		ErrorSeverityError,
	).WithCause(cause)
	e.Retryable = true
	return e
}

// ErrInvalidCallState - операция в неподходящем состоянии
func ErrInvalidCallState(current State, operation string) *CallError {
	return NewCallError(
		"INVALID_CALL_STATE",
		fmt.Sprintf("Нельзя выполнить операцию '%s' в состоянии %s", operation, current),
		ErrorCategoryState,
		ErrorSeverityWarning,
	).WithField("current_state", current).WithField("operation", operation)
}

// IsUserVisible проверяет, следует ли показать ошибку пользователю
func IsUserVisible(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.UserVisible
	}
	return false
}

// IsRetryable проверяет, имеет ли смысл повторить операцию
func IsRetryable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}
