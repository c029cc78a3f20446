package call

import (
	"github.com/arzzra/cam_call/pkg/media"
	"github.com/arzzra/cam_call/pkg/signaling"
)

// event - единица работы цикла сессии. Все внешние воздействия (команды
// пользователя, сообщения канала, завершения асинхронных работ, события
// движка, таймеры) приводятся к этому типу и обрабатываются одной горутиной
// строго по одному.
type event interface {
	name() string
}

// Команды пользователя. reply получает результат проверки предусловий
// сразу, дальнейшая работа идет асинхронно и доезжает через OnStateChange.

type cmdStart struct {
	peer  signaling.PeerIdentity
	reply chan error
}

func (cmdStart) name() string { return "cmd.start" }

type cmdAccept struct {
	reply chan error
}

func (cmdAccept) name() string { return "cmd.accept" }

type cmdReject struct {
	reply chan error
}

func (cmdReject) name() string { return "cmd.reject" }

type cmdEnd struct {
	reply chan error
}

func (cmdEnd) name() string { return "cmd.end" }

// События сигнального канала

type evChannelUp struct{}

func (evChannelUp) name() string { return "channel.up" }

type evChannelDown struct{}

func (evChannelDown) name() string { return "channel.down" }

type evMessage struct {
	msg signaling.Message
}

func (evMessage) name() string { return "channel.message" }

// Завершения асинхронных работ. Несут эпоху вызова, при которой были
// запущены: завершение чужой эпохи - пустая операция, его ресурсы
// закрываются на месте. Так End/Reject во время подготовки медиа
// обесценивает ее результат без гонок.

type evMediaReady struct {
	epoch  uint64
	engine media.NegotiationEngine
}

func (evMediaReady) name() string { return "media.ready" }

type evMediaFailed struct {
	epoch uint64
	op    string
	err   error
}

func (evMediaFailed) name() string { return "media.failed" }

type evOfferReady struct {
	epoch uint64
	sdp   string
}

func (evOfferReady) name() string { return "media.offer_ready" }

type evAnswerReady struct {
	epoch uint64
	sdp   string
}

func (evAnswerReady) name() string { return "media.answer_ready" }

type evRemoteApplied struct {
	epoch uint64
	kind  media.SDPKind
}

func (evRemoteApplied) name() string { return "media.remote_applied" }

// События движка переговоров

type evEngineCandidate struct {
	epoch uint64
	cand  media.Candidate
}

func (evEngineCandidate) name() string { return "engine.candidate" }

type evEngineState struct {
	epoch uint64
	state media.ConnectionState
}

func (evEngineState) name() string { return "engine.state" }

type evLocalTrack struct {
	epoch uint64
	track media.Track
}

func (evLocalTrack) name() string { return "engine.local_track" }

type evRemoteTrack struct {
	epoch uint64
	track media.Track
}

func (evRemoteTrack) name() string { return "engine.remote_track" }

// evDisplayElapsed - истекло окно показа терминального состояния,
// пора возвращаться в Idle
type evDisplayElapsed struct {
	epoch uint64
}

func (evDisplayElapsed) name() string { return "timer.display_elapsed" }
