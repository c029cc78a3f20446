// Camcall — интерактивная консоль вызовов для отладки против живого реле.
//
// Подключается к реле сигнализации, показывает пиров из справочника и
// позволяет звонить камерам, принимать входящие вызовы и говорить через
// интерком. Медиа идет через pion/webrtc, звук интеркома - через пару
// файлов/FIFO (например от arecord и к aplay).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"

	"github.com/arzzra/cam_call/pkg/call"
	"github.com/arzzra/cam_call/pkg/directory"
	"github.com/arzzra/cam_call/pkg/intercom"
	"github.com/arzzra/cam_call/pkg/media"
	"github.com/arzzra/cam_call/pkg/media_webrtc"
	"github.com/arzzra/cam_call/pkg/signaling"
)

var version = "dev"

const (
	actCall          = "Позвонить"
	actPeers         = "Пиры в сети"
	actAccept        = "Принять вызов"
	actReject        = "Отклонить вызов"
	actEnd           = "Завершить вызов"
	actIntercomStart = "Включить интерком"
	actIntercomStop  = "Выключить интерком"
	actRefresh       = "Обновить"
	actQuit          = "Выход"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var (
		endpoint   = flag.String("endpoint", "ws://127.0.0.1:8090/ws", "Адрес реле сигнализации")
		identity   = flag.String("id", "app-dev", "Идентичность этой стороны")
		peer       = flag.String("peer", "", "Позвонить пиру сразу, без меню")
		dirURL     = flag.String("directory", "", "Базовый URL справочника пиров")
		audioIn    = flag.String("audio-in", "", "Источник PCM для интеркома (FIFO от arecord)")
		audioOut   = flag.String("audio-out", "", "Приемник PCM для интеркома (FIFO к aplay)")
		maxBitrate = flag.Int("max-bitrate", 0, "Потолок битрейта видео, кбит/с (0 - по умолчанию)")
		debug      = flag.Bool("debug", false, "Подробный лог")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	pterm.Info.Printfln("Camcall — v%s", version)
	pterm.Println()

	channel, err := signaling.NewChannel(signaling.DefaultConfig(*endpoint, signaling.PeerIdentity(*identity), signaling.RoleApp))
	if err != nil {
		pterm.Error.Printfln("конфигурация канала: %v", err)
		os.Exit(1)
	}
	if err := channel.Connect(ctx); err != nil {
		pterm.Error.Printfln("подключение к реле: %v", err)
		os.Exit(1)
	}
	defer func() { _ = channel.Close() }()

	webrtcCfg := media_webrtc.DefaultConfig()
	if *maxBitrate > 0 {
		webrtcCfg.Video.MaxKbps = *maxBitrate
	}

	lease := media.NewDeviceLease()
	session, err := call.NewSession(call.Config{
		Signaler: channel,
		Engines:  media_webrtc.Factory(webrtcCfg),
		Lease:    lease,
	})
	if err != nil {
		pterm.Error.Printfln("сессия вызовов: %v", err)
		os.Exit(1)
	}
	defer func() { _ = session.Close() }()

	wireCallOutput(session)

	var ic *intercom.Session
	if *audioIn != "" && *audioOut != "" {
		ic, err = intercom.NewSession(intercom.Config{
			Transport: intercom.ChannelTransport(*endpoint, signaling.PeerIdentity(*identity)),
			Engine:    fileAudioEngines(*audioIn, *audioOut),
			Lease:     lease,
		})
		if err != nil {
			pterm.Error.Printfln("интерком: %v", err)
			os.Exit(1)
		}
		defer func() { _ = ic.Close() }()
		ic.OnStateChange(func(sc intercom.StateChange) {
			pterm.Info.Printfln("Интерком: %s (%s)", sc.State, sc.Reason)
		})
	}

	var dir directory.Directory
	if *dirURL != "" {
		dir = directory.NewClient(*dirURL)
	}

	if *peer != "" {
		runDirectCall(ctx, session, signaling.PeerIdentity(*peer))
		return
	}
	runInteractive(ctx, session, ic, dir)
}

// wireCallOutput печатает происходящее с вызовом
func wireCallOutput(session *call.Session) {
	session.OnStateChange(func(sc call.StateChange) {
		switch sc.State {
		case call.StateConnected:
			pterm.Success.Printfln("Вызов: %s — %s", sc.State, sc.Reason)
		case call.StateError:
			pterm.Error.Printfln("Вызов: %s — %s", sc.State, sc.Reason)
		default:
			pterm.Info.Printfln("Вызов: %s — %s", sc.State, sc.Reason)
		}
	})
	session.OnIncomingCall(func(peer signaling.PeerIdentity) {
		pterm.Warning.Printfln("Входящий вызов от %s — выберите действие в меню", peer)
	})
	session.OnChannelState(func(up bool) {
		if up {
			pterm.Info.Println("Сигнальный канал поднялся")
		} else {
			pterm.Warning.Println("Сигнальный канал потерян: текущий вызов продолжается, новые невозможны")
		}
	})
	session.OnRemoteTrack(func(track media.Track) {
		pterm.Success.Printfln("Дорожка камеры: %s (%s)", track.ID(), track.Kind())
		if rt, ok := track.(*media_webrtc.RemoteTrack); ok {
			go drainTrack(rt)
		}
	})
}

// drainTrack вычитывает RTP дорожки, чтобы показать что медиа живое
func drainTrack(rt *media_webrtc.RemoteTrack) {
	count := 0
	for range rt.Packets() {
		count++
		if count == 1 {
			pterm.Info.Printfln("Медиа пошло: первый RTP пакет (%s)", rt.Codec())
		}
	}
	pterm.Info.Printfln("Дорожка %s закрыта, пакетов принято: %d", rt.ID(), count)
}

// runDirectCall - режим без меню: позвонить и держать вызов до Ctrl+C
func runDirectCall(ctx context.Context, session *call.Session, peer signaling.PeerIdentity) {
	pterm.Info.Printfln("Звоним %s...", peer)
	if err := session.StartCall(ctx, peer); err != nil {
		pterm.Error.Printfln("вызов не начат: %v", err)
		os.Exit(1)
	}
	<-ctx.Done()
	endCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = session.EndCall(endCtx)
}

func runInteractive(ctx context.Context, session *call.Session, ic *intercom.Session, dir directory.Directory) {
	for ctx.Err() == nil {
		choice, _ := pterm.DefaultInteractiveSelect.
			WithOptions(menuOptions(session, ic)).
			WithDefaultText("Действие").
			Show()

		switch choice {
		case actCall:
			peer := askPeer(ctx, dir)
			if peer == "" {
				continue
			}
			if err := session.StartCall(ctx, peer); err != nil {
				pterm.Error.Printfln("вызов не начат: %v", err)
			}
		case actPeers:
			showPeers(ctx, dir)
		case actAccept:
			if err := session.AcceptCall(ctx); err != nil {
				pterm.Error.Printfln("не принят: %v", err)
			}
		case actReject:
			if err := session.RejectCall(ctx); err != nil {
				pterm.Error.Printfln("не отклонен: %v", err)
			}
		case actEnd:
			if err := session.EndCall(ctx); err != nil {
				pterm.Error.Printfln("не завершен: %v", err)
			}
		case actIntercomStart:
			if err := ic.Start(ctx); err != nil {
				pterm.Error.Printfln("интерком не запущен: %v", err)
			}
		case actIntercomStop:
			if err := ic.Stop(ctx); err != nil {
				pterm.Error.Printfln("интерком не остановлен: %v", err)
			}
		case actRefresh:
			// Перечитать состояние и перерисовать меню
		case actQuit:
			return
		}
	}
}

// menuOptions собирает пункты меню под текущее состояние
func menuOptions(session *call.Session, ic *intercom.Session) []string {
	var options []string
	switch session.State() {
	case call.StateIdle:
		options = append(options, actCall, actPeers)
	case call.StateRinging:
		options = append(options, actAccept, actReject)
	default:
		options = append(options, actEnd)
	}
	if ic != nil {
		if ic.State() == intercom.StateIdle {
			options = append(options, actIntercomStart)
		} else {
			options = append(options, actIntercomStop)
		}
	}
	return append(options, actRefresh, actQuit)
}

// askPeer спрашивает кому звонить: из справочника, если он настроен,
// иначе руками
func askPeer(ctx context.Context, dir directory.Directory) signaling.PeerIdentity {
	if dir != nil {
		peers, err := dir.OnlinePeers(ctx)
		if err != nil {
			pterm.Error.Printfln("справочник недоступен: %v", err)
		} else if len(peers) > 0 {
			options := make([]string, 0, len(peers))
			for _, p := range peers {
				options = append(options, p.ID.String()+" — "+p.DisplayName)
			}
			choice, _ := pterm.DefaultInteractiveSelect.
				WithOptions(options).
				WithDefaultText("Кому звоним").
				Show()
			id, _, _ := strings.Cut(choice, " — ")
			return signaling.PeerIdentity(id)
		} else {
			pterm.Warning.Println("Справочник пуст")
		}
	}

	raw, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText("Идентичность пира").
		Show()
	return signaling.PeerIdentity(strings.TrimSpace(raw))
}

func showPeers(ctx context.Context, dir directory.Directory) {
	if dir == nil {
		pterm.Warning.Println("Справочник не настроен (-directory)")
		return
	}
	peers, err := dir.OnlinePeers(ctx)
	if err != nil {
		pterm.Error.Printfln("справочник недоступен: %v", err)
		return
	}
	if len(peers) == 0 {
		pterm.Warning.Println("Никого нет на связи")
		return
	}
	rows := pterm.TableData{{"Пир", "Имя", "На связи"}}
	for _, p := range peers {
		online := "нет"
		if p.Online {
			online = "да"
		}
		rows = append(rows, []string{p.ID.String(), p.DisplayName, online})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

// fileAudioEngines создает движки интеркома поверх пары файлов/FIFO.
// Файлы открываются на каждый сеанс и закрываются вместе с движком.
func fileAudioEngines(inPath, outPath string) intercom.AudioEngineFactory {
	return func() (media.AudioDuplexEngine, error) {
		src, err := os.Open(inPath)
		if err != nil {
			return nil, errors.Wrap(err, "open audio source")
		}
		sink, err := os.OpenFile(outPath, os.O_WRONLY, 0)
		if err != nil {
			_ = src.Close()
			return nil, errors.Wrap(err, "open audio sink")
		}
		engine, err := media.NewPipeEngine(media.PipeConfig{Source: src, Sink: sink})
		if err != nil {
			_ = src.Close()
			_ = sink.Close()
			return nil, err
		}
		return &fileAudioEngine{PipeEngine: engine, src: src, sink: sink}, nil
	}
}

// fileAudioEngine закрывает файлы вместе с движком
type fileAudioEngine struct {
	*media.PipeEngine
	src  *os.File
	sink *os.File
}

func (e *fileAudioEngine) Close() error {
	err := e.PipeEngine.Close()
	_ = e.src.Close()
	_ = e.sink.Close()
	return err
}
