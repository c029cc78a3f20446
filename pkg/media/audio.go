package media

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// AudioDuplexEngine - двусторонний покадровый звук для интеркома.
//
// Кадр - непрозрачный байтовый блок, один кадр кодека. Движок не знает
// про транспорт: владелец качает кадры из Frames() на провод и кормит
// принятые кадры в Play.
type AudioDuplexEngine interface {
	// Start запускает захват. Обязан быть вызван до чтения Frames().
	Start(ctx context.Context) error

	// Frames - захваченные локальные кадры. Канал закрывается при
	// остановке захвата или Close.
	Frames() <-chan []byte

	// Play воспроизводит принятый кадр
	Play(frame []byte) error

	// Close останавливает захват и воспроизведение, освобождает устройства
	Close() error
}

// PipeConfig - конфигурация PipeEngine
type PipeConfig struct {
	// Source - источник захвата, читается кадрами по FrameSize байт
	Source io.Reader
	// Sink - приемник воспроизведения
	Sink io.Writer
	// FrameSize - размер кадра в байтах
	FrameSize int
	// Buffer - емкость очереди захваченных кадров
	Buffer int
}

const (
	// 20ms кадр 16kHz/16bit моно - типичный размер для дуплексного интеркома
	defaultFrameSize = 640
	defaultBuffer    = 16
)

// PipeEngine - AudioDuplexEngine поверх пары io.Reader/io.Writer.
//
// Базовая реализация для устройств, отдающих PCM потоком (ALSA pipe, файл,
// сетевой поток), и для тестов. Движок режет источник на кадры фиксированного
// размера и пишет принятые кадры в приемник как есть.
type PipeEngine struct {
	cfg    PipeConfig
	frames chan []byte

	mu      sync.Mutex
	started bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewPipeEngine создает движок. Start запускает захват отдельно.
func NewPipeEngine(cfg PipeConfig) (*PipeEngine, error) {
	if cfg.Source == nil {
		return nil, errors.New("audio source is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("audio sink is required")
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = defaultFrameSize
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	return &PipeEngine{
		cfg:    cfg,
		frames: make(chan []byte, cfg.Buffer),
		done:   make(chan struct{}),
	}, nil
}

// Start запускает горутину захвата. Повторный Start - ошибка.
func (e *PipeEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("audio engine already started")
	}
	e.started = true
	go e.captureLoop(ctx)
	return nil
}

func (e *PipeEngine) captureLoop(ctx context.Context) {
	defer close(e.frames)
	for {
		frame := make([]byte, e.cfg.FrameSize)
		if _, err := io.ReadFull(e.cfg.Source, frame); err != nil {
			// Источник иссяк или закрыт - захват окончен
			return
		}
		select {
		case e.frames <- frame:
		case <-e.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Frames возвращает очередь захваченных кадров
func (e *PipeEngine) Frames() <-chan []byte {
	return e.frames
}

// Play пишет принятый кадр в приемник
func (e *PipeEngine) Play(frame []byte) error {
	select {
	case <-e.done:
		return errors.New("audio engine closed")
	default:
	}
	if _, err := e.cfg.Sink.Write(frame); err != nil {
		return errors.Wrap(err, "play frame")
	}
	return nil
}

// Close останавливает захват. Источник и приемник движку не принадлежат
// и не закрываются.
func (e *PipeEngine) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	return nil
}
