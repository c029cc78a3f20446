package media_webrtc

import (
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	webrtcmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"

	"github.com/arzzra/cam_call/pkg/media"
)

// Емкость очереди пакетов удаленной дорожки. При медленном потребителе
// пакеты отбрасываются: для живого видео свежесть важнее полноты.
const remotePacketBuffer = 256

// LocalAudioTrack - исходящая аудио дорожка. Владелец кладет в нее
// закодированные Opus кадры через WriteSample.
type LocalAudioTrack struct {
	track *webrtc.TrackLocalStaticSample
}

func (t *LocalAudioTrack) ID() string {
	return t.track.ID()
}

func (t *LocalAudioTrack) Kind() media.TrackKind {
	return media.TrackAudio
}

// WriteSample отправляет один закодированный кадр длительностью duration
func (t *LocalAudioTrack) WriteSample(data []byte, duration time.Duration) error {
	err := t.track.WriteSample(webrtcmedia.Sample{
		Data:     data,
		Duration: duration,
	})
	return errors.Wrap(err, "write audio sample")
}

// RemoteTrack - входящая дорожка камеры. RTP пакеты вычитываются фоновой
// горутиной и раздаются через Packets; после закрытия соединения очередь
// закрывается.
type RemoteTrack struct {
	track   *webrtc.TrackRemote
	packets chan *rtp.Packet
}

func newRemoteTrack(tr *webrtc.TrackRemote) *RemoteTrack {
	t := &RemoteTrack{
		track:   tr,
		packets: make(chan *rtp.Packet, remotePacketBuffer),
	}
	go t.readLoop()
	return t
}

func (t *RemoteTrack) ID() string {
	return t.track.ID()
}

func (t *RemoteTrack) Kind() media.TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return media.TrackVideo
	}
	return media.TrackAudio
}

// Codec возвращает MIME тип кодека дорожки
func (t *RemoteTrack) Codec() string {
	return t.track.Codec().MimeType
}

// Packets возвращает очередь входящих RTP пакетов дорожки
func (t *RemoteTrack) Packets() <-chan *rtp.Packet {
	return t.packets
}

func (t *RemoteTrack) readLoop() {
	defer close(t.packets)
	for {
		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			return
		}
		select {
		case t.packets <- pkt:
		default:
			// Потребитель не успевает, пакет дешевле потерять, чем копить
		}
	}
}
