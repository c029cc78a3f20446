package signaling

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage_OfferForms(t *testing.T) {
	// Обе формы поля sdp обязаны давать одинаковый результат
	flat := []byte(`{"type":"offer","from":"camera-1","sdp":"v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"}`)
	nested := []byte(`{"type":"offer","from":"camera-1","sdp":{"sdp":"v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"}}`)

	msgFlat, err := DecodeMessage(flat)
	require.NoError(t, err)
	msgNested, err := DecodeMessage(nested)
	require.NoError(t, err)

	assert.Equal(t, msgFlat, msgNested)
	assert.Equal(t, MessageTypeOffer, msgFlat.Type)
	assert.Equal(t, PeerIdentity("camera-1"), msgFlat.From)
	assert.Equal(t, "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n", msgFlat.SDP)
}

func TestDecodeMessage_CandidateForms(t *testing.T) {
	flat := []byte(`{"type":"ice-candidate","from":"app-7","candidate":"candidate:1 1 udp 2130706431 10.0.0.2 50000 typ host","sdpMid":"0","sdpMLineIndex":0}`)
	nested := []byte(`{"type":"ice-candidate","from":"app-7","candidate":{"candidate":"candidate:1 1 udp 2130706431 10.0.0.2 50000 typ host","sdpMid":"0","sdpMLineIndex":0}}`)

	msgFlat, err := DecodeMessage(flat)
	require.NoError(t, err)
	msgNested, err := DecodeMessage(nested)
	require.NoError(t, err)

	assert.Equal(t, msgFlat, msgNested)
	require.NotNil(t, msgFlat.Candidate)
	assert.Equal(t, "candidate:1 1 udp 2130706431 10.0.0.2 50000 typ host", msgFlat.Candidate.Candidate)
	assert.Equal(t, "0", msgFlat.Candidate.SDPMid)
	assert.Equal(t, uint16(0), msgFlat.Candidate.SDPMLineIndex)
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
		check   func(t *testing.T, msg Message)
	}{
		{
			name: "Входящий вызов",
			data: `{"type":"incoming-call","from":"camera-entrance"}`,
			check: func(t *testing.T, msg Message) {
				assert.Equal(t, MessageTypeIncomingCall, msg.Type)
				assert.Equal(t, PeerIdentity("camera-entrance"), msg.From)
			},
		},
		{
			name: "Hangup",
			data: `{"type":"hangup","from":"app-1"}`,
			check: func(t *testing.T, msg Message) {
				assert.Equal(t, MessageTypeHangup, msg.Type)
			},
		},
		{
			name: "Call-failed с причиной",
			data: `{"type":"call-failed","from":"camera-1","reason":"busy"}`,
			check: func(t *testing.T, msg Message) {
				assert.Equal(t, MessageTypeCallFailed, msg.Type)
				assert.Equal(t, "busy", msg.Reason)
			},
		},
		{
			name: "Answer с вложенным sdp",
			data: `{"type":"answer","from":"camera-1","sdp":{"sdp":"v=0\r\n"}}`,
			check: func(t *testing.T, msg Message) {
				assert.Equal(t, MessageTypeAnswer, msg.Type)
				assert.Equal(t, "v=0\r\n", msg.SDP)
			},
		},
		{
			name:    "Неизвестный тип отбрасывается",
			data:    `{"type":"renegotiate","from":"camera-1"}`,
			wantErr: ErrUnknownMessageType,
		},
		{
			name:    "Отсутствует from",
			data:    `{"type":"offer","sdp":"v=0"}`,
			wantErr: ErrMissingField,
		},
		{
			name:    "Offer без sdp",
			data:    `{"type":"offer","from":"camera-1"}`,
			wantErr: ErrMissingField,
		},
		{
			name:    "Offer с пустым sdp",
			data:    `{"type":"offer","from":"camera-1","sdp":""}`,
			wantErr: ErrMissingField,
		},
		{
			name:    "Кандидат без тела",
			data:    `{"type":"ice-candidate","from":"app-1","sdpMid":"0"}`,
			wantErr: ErrMissingField,
		},
		{
			name:    "Кандидат с пустой строкой",
			data:    `{"type":"ice-candidate","from":"app-1","candidate":""}`,
			wantErr: ErrMissingField,
		},
		{
			name:    "Не JSON",
			data:    `offer from camera`,
			wantErr: ErrMalformedMessage,
		},
		{
			name: "Кандидат без sdpMid и sdpMLineIndex",
			data: `{"type":"ice-candidate","from":"app-1","candidate":"candidate:1 1 udp 1 10.0.0.1 1 typ host"}`,
			check: func(t *testing.T, msg Message) {
				require.NotNil(t, msg.Candidate)
				assert.Equal(t, "", msg.Candidate.SDPMid)
				assert.Equal(t, uint16(0), msg.Candidate.SDPMLineIndex)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeMessage([]byte(tt.data))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "ожидали %v, получили %v", tt.wantErr, err)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, msg)
			}
		})
	}
}

func TestEncodeMessage_FlatWire(t *testing.T) {
	data, err := EncodeMessage(Message{
		Type: MessageTypeOffer,
		To:   "camera-1",
		SDP:  "v=0\r\n",
	})
	require.NoError(t, err)

	// На проводе sdp - плоская строка, без вложенного объекта
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `"offer"`, string(raw["type"]))
	assert.JSONEq(t, `"camera-1"`, string(raw["to"]))
	assert.JSONEq(t, `"v=0\r\n"`, string(raw["sdp"]))
}

func TestEncodeMessage_Candidate(t *testing.T) {
	data, err := EncodeMessage(Message{
		Type: MessageTypeIceCandidate,
		To:   "camera-1",
		Candidate: &Candidate{
			Candidate:     "candidate:1 1 udp 1 10.0.0.1 1 typ host",
			SDPMid:        "0",
			SDPMLineIndex: 1,
		},
	})
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `"candidate:1 1 udp 1 10.0.0.1 1 typ host"`, string(raw["candidate"]))
	assert.JSONEq(t, `"0"`, string(raw["sdpMid"]))
	assert.JSONEq(t, `1`, string(raw["sdpMLineIndex"]))
}

func TestEncodeMessage_Validation(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{name: "Без получателя", msg: Message{Type: MessageTypeHangup}},
		{name: "Без типа", msg: Message{To: "camera-1"}},
		{name: "Offer без sdp", msg: Message{Type: MessageTypeOffer, To: "camera-1"}},
		{name: "Кандидат без тела", msg: Message{Type: MessageTypeIceCandidate, To: "camera-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeMessage(tt.msg)
			assert.True(t, errors.Is(err, ErrMissingField))
		})
	}
}

// Релейный контракт: то, что одна сторона кодирует с to, другая декодирует
// с from после переписывания адресации реле.
func TestEncodeDecode_RelayRewrite(t *testing.T) {
	out, err := EncodeMessage(Message{Type: MessageTypeAnswer, To: "app-1", SDP: "v=0\r\n"})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(out, &raw))
	delete(raw, "to")
	raw["from"] = "camera-1"
	rewritten, err := json.Marshal(raw)
	require.NoError(t, err)

	msg, err := DecodeMessage(rewritten)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeAnswer, msg.Type)
	assert.Equal(t, PeerIdentity("camera-1"), msg.From)
	assert.Equal(t, "v=0\r\n", msg.SDP)
}
