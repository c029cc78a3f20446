package signaling

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// PeerIdentity - непрозрачный идентификатор участника (камера или экземпляр
// приложения). Неизменяем на протяжении вызова.
type PeerIdentity string

func (p PeerIdentity) String() string {
	return string(p)
}

// MessageType тип сигнального сообщения на проводе
type MessageType string

const (
	// MessageTypeCall - запрос исходящего вызова к пиру
	MessageTypeCall MessageType = "call"
	// MessageTypeIncomingCall - уведомление о входящем вызове (формируется реле)
	MessageTypeIncomingCall MessageType = "incoming-call"
	// MessageTypeOffer - SDP offer
	MessageTypeOffer MessageType = "offer"
	// MessageTypeAnswer - SDP answer
	MessageTypeAnswer MessageType = "answer"
	// MessageTypeIceCandidate - ICE кандидат
	MessageTypeIceCandidate MessageType = "ice-candidate"
	// MessageTypeHangup - завершение вызова любой стороной
	MessageTypeHangup MessageType = "hangup"
	// MessageTypeCallFailed - вызов не состоялся (занято, ошибка на стороне пира)
	MessageTypeCallFailed MessageType = "call-failed"
)

func (t MessageType) String() string {
	return string(t)
}

// Ошибки декодера. Канал гасит их молча (см. Channel), наружу они не выходят.
var (
	ErrMalformedMessage   = errors.New("malformed signaling message")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMissingField       = errors.New("missing required field")
)

// Candidate - ICE кандидат как он ходит по сигнальному каналу.
// Содержимое не интерпретируется, передается движку как есть.
type Candidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// Message - размеченное объединение всех сигнальных сообщений.
// Какие поля значимы, определяет Type:
//
//	Call, IncomingCall  - только адресация
//	Offer, Answer       - SDP
//	IceCandidate        - Candidate
//	Hangup              - только адресация
//	CallFailed          - Reason (опционально)
//
// To заполняется на исходящих сообщениях, From - на входящих (реле
// переписывает адресацию при доставке).
type Message struct {
	Type      MessageType
	To        PeerIdentity
	From      PeerIdentity
	SDP       string
	Candidate *Candidate
	Reason    string
}

// wireMessage - плоская проекция JSON для кодирования/декодирования.
// Поля sdp и candidate объявлены как RawMessage, потому что на проводе
// встречаются две формы: плоская и вложенная (см. decodeSDP/decodeCandidate).
type wireMessage struct {
	Type          string          `json:"type"`
	To            string          `json:"to,omitempty"`
	From          string          `json:"from,omitempty"`
	SDP           json.RawMessage `json:"sdp,omitempty"`
	Candidate     json.RawMessage `json:"candidate,omitempty"`
	SDPMid        *string         `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16         `json:"sdpMLineIndex,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// nestedSDP - вложенная форма полезной нагрузки offer/answer: {"sdp": "..."}
type nestedSDP struct {
	SDP string `json:"sdp"`
}

// nestedCandidate - вложенная форма ice-candidate: все поля под объектом candidate
type nestedCandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// DecodeMessage разбирает входящее сигнальное сообщение.
//
// Декодер нарочно снисходительный: неизвестный type - ErrUnknownMessageType,
// отсутствие обязательного поля - ErrMissingField. Обе ситуации канал
// логирует и отбрасывает, не прерывая прием: одно кривое сообщение от
// сбойного пира не должно ронять сессию.
//
// Для offer/answer поле sdp принимается и как строка, и как объект
// {"sdp": "..."}; для ice-candidate поля принимаются и на верхнем уровне,
// и вложенными в объект candidate. Обе формы дают одинаковый результат.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, errors.Wrap(ErrMalformedMessage, err.Error())
	}

	msg := Message{
		To:     PeerIdentity(w.To),
		From:   PeerIdentity(w.From),
		Reason: w.Reason,
	}

	switch MessageType(w.Type) {
	case MessageTypeCall:
		msg.Type = MessageTypeCall
	case MessageTypeIncomingCall:
		msg.Type = MessageTypeIncomingCall
	case MessageTypeOffer:
		msg.Type = MessageTypeOffer
	case MessageTypeAnswer:
		msg.Type = MessageTypeAnswer
	case MessageTypeIceCandidate:
		msg.Type = MessageTypeIceCandidate
	case MessageTypeHangup:
		msg.Type = MessageTypeHangup
	case MessageTypeCallFailed:
		msg.Type = MessageTypeCallFailed
	default:
		return Message{}, errors.Wrapf(ErrUnknownMessageType, "type %q", w.Type)
	}

	// Отправителя должно знать каждое входящее сообщение, иначе сессии не к
	// чему привязать событие.
	if msg.From == "" {
		return Message{}, errors.Wrap(ErrMissingField, "from")
	}

	switch msg.Type {
	case MessageTypeOffer, MessageTypeAnswer:
		sdp, err := decodeSDP(w.SDP)
		if err != nil {
			return Message{}, err
		}
		msg.SDP = sdp

	case MessageTypeIceCandidate:
		cand, err := decodeCandidate(w)
		if err != nil {
			return Message{}, err
		}
		msg.Candidate = cand
	}

	return msg, nil
}

// decodeSDP принимает обе формы поля sdp: "v=0..." и {"sdp": "v=0..."}
func decodeSDP(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.Wrap(ErrMissingField, "sdp")
	}

	// Плоская форма: sdp - строка
	var flat string
	if err := json.Unmarshal(raw, &flat); err == nil {
		if flat == "" {
			return "", errors.Wrap(ErrMissingField, "sdp")
		}
		return flat, nil
	}

	// Вложенная форма: sdp - объект с полем sdp
	var nested nestedSDP
	if err := json.Unmarshal(raw, &nested); err != nil {
		return "", errors.Wrap(ErrMalformedMessage, "sdp payload")
	}
	if nested.SDP == "" {
		return "", errors.Wrap(ErrMissingField, "sdp")
	}
	return nested.SDP, nil
}

// decodeCandidate принимает обе формы ice-candidate: поля на верхнем уровне
// рядом со строковым candidate, либо все поля внутри объекта candidate.
func decodeCandidate(w wireMessage) (*Candidate, error) {
	if len(w.Candidate) == 0 {
		return nil, errors.Wrap(ErrMissingField, "candidate")
	}

	// Плоская форма: candidate - строка, sdpMid/sdpMLineIndex рядом
	var flat string
	if err := json.Unmarshal(w.Candidate, &flat); err == nil {
		if flat == "" {
			return nil, errors.Wrap(ErrMissingField, "candidate")
		}
		c := &Candidate{Candidate: flat}
		if w.SDPMid != nil {
			c.SDPMid = *w.SDPMid
		}
		if w.SDPMLineIndex != nil {
			c.SDPMLineIndex = *w.SDPMLineIndex
		}
		return c, nil
	}

	// Вложенная форма: candidate - объект
	var nested nestedCandidate
	if err := json.Unmarshal(w.Candidate, &nested); err != nil {
		return nil, errors.Wrap(ErrMalformedMessage, "candidate payload")
	}
	if nested.Candidate == "" {
		return nil, errors.Wrap(ErrMissingField, "candidate")
	}
	c := &Candidate{Candidate: nested.Candidate}
	if nested.SDPMid != nil {
		c.SDPMid = *nested.SDPMid
	}
	if nested.SDPMLineIndex != nil {
		c.SDPMLineIndex = *nested.SDPMLineIndex
	}
	return c, nil
}

// EncodeMessage сериализует исходящее сообщение в плоскую форму провода.
// Получатель обязателен: реле маршрутизирует по полю to.
func EncodeMessage(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, errors.Wrap(ErrMissingField, "type")
	}
	if msg.To == "" {
		return nil, errors.Wrap(ErrMissingField, "to")
	}

	w := wireMessage{
		Type:   string(msg.Type),
		To:     string(msg.To),
		Reason: msg.Reason,
	}

	switch msg.Type {
	case MessageTypeOffer, MessageTypeAnswer:
		if msg.SDP == "" {
			return nil, errors.Wrap(ErrMissingField, "sdp")
		}
		raw, err := json.Marshal(msg.SDP)
		if err != nil {
			return nil, errors.Wrap(err, "marshal sdp")
		}
		w.SDP = raw

	case MessageTypeIceCandidate:
		if msg.Candidate == nil || msg.Candidate.Candidate == "" {
			return nil, errors.Wrap(ErrMissingField, "candidate")
		}
		raw, err := json.Marshal(msg.Candidate.Candidate)
		if err != nil {
			return nil, errors.Wrap(err, "marshal candidate")
		}
		w.Candidate = raw
		w.SDPMid = &msg.Candidate.SDPMid
		idx := msg.Candidate.SDPMLineIndex
		w.SDPMLineIndex = &idx
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, errors.Wrap(err, "marshal message")
	}
	return data, nil
}
