package media_webrtc

import (
	"time"

	"github.com/pkg/errors"
)

// Публичные STUN серверы для сбора ICE кандидатов. TURN не используется:
// приложение и камера рассчитаны на прямую P2P связность.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// BitrateLimits - рамки битрейта видео, вписываемые в SDP. Нулевое поле
// означает отсутствие соответствующего ограничения.
type BitrateLimits struct {
	MinKbps   int
	StartKbps int
	MaxKbps   int
}

func (l BitrateLimits) enabled() bool {
	return l.MinKbps > 0 || l.StartKbps > 0 || l.MaxKbps > 0
}

// Config - настройки WebRTC движка переговоров
type Config struct {
	// STUNServers - серверы сбора ICE кандидатов
	STUNServers []string

	// SendAudio - отдавать локальную аудио дорожку (голос оператора)
	SendAudio bool
	// ReceiveAudio - принимать аудио камеры
	ReceiveAudio bool
	// ReceiveVideo - принимать видео камеры
	ReceiveVideo bool

	// Video - рамки битрейта, навязываемые кодировщику камеры через SDP
	Video BitrateLimits

	// Тайм-ауты ICE. Значения по умолчанию щадящие: короткий провал
	// связности на relay путях не должен сразу ронять вызов.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// DefaultConfig возвращает настройки двустороннего аудио с приемом видео
// и рамками битрейта, подобранными под мобильные сети.
func DefaultConfig() Config {
	return Config{
		STUNServers:  defaultSTUNServers,
		SendAudio:    true,
		ReceiveAudio: true,
		ReceiveVideo: true,
		Video: BitrateLimits{
			MinKbps:   300,
			StartKbps: 800,
			MaxKbps:   2500,
		},
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// Validate проверяет согласованность настроек
func (c *Config) Validate() error {
	if len(c.STUNServers) == 0 {
		return errors.New("at least one STUN server is required")
	}
	if !c.SendAudio && !c.ReceiveAudio && !c.ReceiveVideo {
		return errors.New("at least one media direction is required")
	}
	if c.Video.MaxKbps > 0 && c.Video.MinKbps > c.Video.MaxKbps {
		return errors.Errorf("min bitrate %d above max %d", c.Video.MinKbps, c.Video.MaxKbps)
	}
	if c.Video.StartKbps > 0 && c.Video.MaxKbps > 0 && c.Video.StartKbps > c.Video.MaxKbps {
		return errors.Errorf("start bitrate %d above max %d", c.Video.StartKbps, c.Video.MaxKbps)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.DisconnectedTimeout <= 0 {
		c.DisconnectedTimeout = 30 * time.Second
	}
	if c.FailedTimeout <= 0 {
		c.FailedTimeout = 120 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 2 * time.Second
	}
	return c
}
