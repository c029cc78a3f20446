// Package directory - клиент справочника пиров. Справочник знает, какие
// камеры и приложения сейчас на связи; решение кому звонить принимает
// пользователь, справочник только показывает список.
package directory

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/cam_call/pkg/signaling"
)

// Peer - запись справочника
type Peer struct {
	ID          signaling.PeerIdentity `json:"id"`
	DisplayName string                 `json:"displayName"`
	Online      bool                   `json:"online"`
}

// Directory отдает список пиров, доступных для вызова
type Directory interface {
	OnlinePeers(ctx context.Context) ([]Peer, error)
}

const (
	onlinePeersPath = "/api/peers/online"

	defaultTimeout = 10 * time.Second
)

// Client - справочник поверх REST. Повторов нет: политика повторов -
// забота вызывающего.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient создает клиент справочника
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// OnlinePeers возвращает пиров, которые сейчас на связи
func (c *Client) OnlinePeers(ctx context.Context) ([]Peer, error) {
	url := c.BaseURL + onlinePeersPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", url)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return nil, errors.Errorf("GET %s: status %s", url, resp.Status)
	}

	var peers []Peer
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		return nil, errors.Wrap(err, "decode peers")
	}

	slog.Debug("Directory.OnlinePeers",
		slog.Int("count", len(peers)))
	return peers, nil
}
