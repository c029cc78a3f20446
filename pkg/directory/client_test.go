package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnlinePeers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/peers/online", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id": "camera-yard", "displayName": "Двор", "online": true},
			{"id": "camera-gate", "displayName": "Калитка", "online": false}
		]`))
	}))
	defer server.Close()

	client := NewClient(server.URL + "/")
	peers, err := client.OnlinePeers(context.Background())
	require.NoError(t, err)

	require.Len(t, peers, 2)
	assert.Equal(t, "camera-yard", peers[0].ID.String())
	assert.Equal(t, "Двор", peers[0].DisplayName)
	assert.True(t, peers[0].Online)
	assert.False(t, peers[1].Online)
}

func TestOnlinePeers_Errors(t *testing.T) {
	t.Run("не 2xx статус", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		_, err := NewClient(server.URL).OnlinePeers(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("кривой JSON", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"это": "не список"`))
		}))
		defer server.Close()

		_, err := NewClient(server.URL).OnlinePeers(context.Background())
		require.Error(t, err)
	})

	t.Run("отмененный контекст", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`[]`))
		}))
		defer server.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewClient(server.URL).OnlinePeers(ctx)
		require.Error(t, err)
	})

	t.Run("сервер недоступен", func(t *testing.T) {
		_, err := NewClient("http://127.0.0.1:1").OnlinePeers(context.Background())
		require.Error(t, err)
	})
}

func TestOnlinePeers_EmptyList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	peers, err := client.OnlinePeers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, peers)
}
