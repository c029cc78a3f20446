package call

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/cam_call/pkg/media"
	"github.com/arzzra/cam_call/pkg/signaling"
)

// testRelay - реле сигнализации как в бою: срезает to, штампует from,
// превращает call в incoming-call и доставляет адресату.
type testRelay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*relayClient
}

type relayClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *relayClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	r := &testRelay{clients: make(map[string]*relayClient)}
	r.server = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.server.Close)
	return r
}

func (r *testRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *testRelay) clientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *testRelay) handle(w http.ResponseWriter, req *http.Request) {
	id := req.URL.Query().Get("id")
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	client := &relayClient{conn: conn}

	r.mu.Lock()
	r.clients[id] = client
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.clients, id)
		r.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		to, _ := msg["to"].(string)
		if to == "" {
			continue
		}
		delete(msg, "to")
		msg["from"] = id
		if msg["type"] == "call" {
			msg["type"] = "incoming-call"
		}
		out, err := json.Marshal(msg)
		if err != nil {
			continue
		}

		r.mu.Lock()
		target := r.clients[to]
		r.mu.Unlock()
		if target != nil {
			_ = target.write(out)
		}
	}
}

func dialRelay(t *testing.T, relay *testRelay, identity signaling.PeerIdentity, role string) *signaling.Channel {
	t.Helper()
	ch, err := signaling.NewChannel(signaling.DefaultConfig(relay.url(), identity, role))
	require.NoError(t, err)
	require.NoError(t, ch.Connect(context.Background()))
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

// Полный путь вызова через живое websocket реле: приложение зовет камеру,
// камера принимает, обе стороны соединяются, кандидаты доезжают, вызов
// завершается и обе сессии возвращаются в Idle.
func TestFunctional_CallOverRelay(t *testing.T) {
	relay := newTestRelay(t)

	appCh := dialRelay(t, relay, "app-e2e", signaling.RoleApp)
	camCh := dialRelay(t, relay, "cam-e2e", signaling.RoleCamera)
	require.Eventually(t, func() bool { return relay.clientCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	appEngines := newMockFactory(nil)
	camEngines := newMockFactory(nil)

	app, err := NewSession(Config{
		Signaler:      appCh,
		Engines:       appEngines.engines(),
		DisplayWindow: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	cam, err := NewSession(Config{
		Signaler:      camCh,
		Engines:       camEngines.engines(),
		DisplayWindow: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cam.Close() })

	appStates := make(chan StateChange, 32)
	app.OnStateChange(func(sc StateChange) { appStates <- sc })
	camStates := make(chan StateChange, 32)
	cam.OnStateChange(func(sc StateChange) { camStates <- sc })

	// Камера снимает трубку сама. Обработчик работает на горутине цикла,
	// поэтому команда уходит через отдельную горутину.
	cam.OnIncomingCall(func(peer signaling.PeerIdentity) {
		go func() {
			if err := cam.AcceptCall(context.Background()); err != nil {
				t.Errorf("AcceptCall: %v", err)
			}
		}()
	})

	require.NoError(t, app.StartCall(context.Background(), "cam-e2e"))

	waitState(t, camStates, StateRinging)
	appConnected := waitState(t, appStates, StateConnected)
	camConnected := waitState(t, camStates, StateConnected)

	assert.Equal(t, signaling.PeerIdentity("cam-e2e"), appConnected.Peer)
	assert.Equal(t, signaling.PeerIdentity("app-e2e"), camConnected.Peer)
	assert.Equal(t, RoleInitiator, app.Role())
	assert.Equal(t, RoleResponder, cam.Role())

	// Offer доехал до камеры через реле
	camEng := camEngines.engine(0)
	require.NotNil(t, camEng)
	require.Equal(t, 1, camEng.remoteCount())

	// Trickle ICE: локальный кандидат приложения доезжает до движка камеры
	appEng := appEngines.engine(0)
	require.NotNil(t, appEng)
	appEng.fireCandidate(media.Candidate{Candidate: "candidate:e2e-1", SDPMid: "0"})
	require.Eventually(t, func() bool {
		camEng.mu.Lock()
		defer camEng.mu.Unlock()
		return len(camEng.candidates) == 1 && camEng.candidates[0].Candidate == "candidate:e2e-1"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, app.EndCall(context.Background()))

	waitState(t, appStates, StateDisconnected)
	waitState(t, camStates, StateDisconnected)

	// Обе сессии перерабатываются и готовы к следующему вызову
	waitState(t, appStates, StateIdle)
	waitState(t, camStates, StateIdle)

	assert.Eventually(t, appEng.isClosed, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, camEng.isClosed, 2*time.Second, 10*time.Millisecond)
}

// Повторный вызов после переработки сессии использует свежий движок
func TestFunctional_SecondCallAfterRecycle(t *testing.T) {
	relay := newTestRelay(t)

	appCh := dialRelay(t, relay, "app-e2e", signaling.RoleApp)
	camCh := dialRelay(t, relay, "cam-e2e", signaling.RoleCamera)
	require.Eventually(t, func() bool { return relay.clientCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	appEngines := newMockFactory(nil)
	camEngines := newMockFactory(nil)

	app, err := NewSession(Config{
		Signaler:      appCh,
		Engines:       appEngines.engines(),
		DisplayWindow: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	cam, err := NewSession(Config{
		Signaler:      camCh,
		Engines:       camEngines.engines(),
		DisplayWindow: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cam.Close() })

	appStates := make(chan StateChange, 64)
	app.OnStateChange(func(sc StateChange) { appStates <- sc })
	camStates := make(chan StateChange, 64)
	cam.OnStateChange(func(sc StateChange) { camStates <- sc })
	cam.OnIncomingCall(func(peer signaling.PeerIdentity) {
		go func() { _ = cam.AcceptCall(context.Background()) }()
	})

	for i := 0; i < 2; i++ {
		require.NoError(t, app.StartCall(context.Background(), "cam-e2e"))
		waitState(t, appStates, StateConnected)
		require.NoError(t, app.EndCall(context.Background()))
		// Обе стороны должны переработаться до следующего вызова
		waitState(t, appStates, StateIdle)
		waitState(t, camStates, StateIdle)
	}

	// По движку на вызов, оба закрыты
	require.NotNil(t, appEngines.engine(1))
	assert.Eventually(t, appEngines.engine(0).isClosed, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, appEngines.engine(1).isClosed, 2*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, appEngines.engine(0), appEngines.engine(1))
}
