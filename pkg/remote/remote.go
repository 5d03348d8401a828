// Package remote implements the store contracts against a running syncd:
// plain HTTP for queries and writes, one websocket per watch stream, and a
// guard socket per armed disconnect cleanup.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/driftpad/padsync/pkg/store"
	"github.com/driftpad/padsync/pkg/wire"
)

// Client talks to one syncd instance. It is safe for concurrent use and
// implements store.LogStore, store.PresenceStore and store.FeedStore.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
}

func New(baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	return &Client{base: u, http: http.DefaultClient, dialer: websocket.DefaultDialer}, nil
}

func (c *Client) httpURL(parts ...string) string {
	return c.base.JoinPath(parts...).String()
}

func (c *Client) wsURL(parts ...string) string {
	u := *c.base.JoinPath(parts...)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

func (c *Client) doJSON(ctx context.Context, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	case http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return store.ErrNotFound
	default:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

func (c *Client) Append(ctx context.Context, path string, blob []byte) (string, error) {
	var out wire.AppendResponse
	if err := c.doJSON(ctx, http.MethodPost, c.httpURL(path), wire.AppendRequest{Blob: blob}, &out); err != nil {
		return "", err
	}
	return out.Key, nil
}

func (c *Client) ReadOrdered(ctx context.Context, path string) ([]store.Entry, error) {
	var out []wire.LogEntry
	if err := c.doJSON(ctx, http.MethodGet, c.httpURL(path), nil, &out); err != nil {
		return nil, err
	}
	entries := make([]store.Entry, 0, len(out))
	for _, e := range out {
		entries = append(entries, store.Entry{Key: e.Key, Blob: e.Blob})
	}
	return entries, nil
}

func (c *Client) ReplaceAll(ctx context.Context, path string, key string, blob []byte) error {
	return c.doJSON(ctx, http.MethodPut, c.httpURL(path), wire.ReplaceRequest{Key: key, Blob: blob}, nil)
}

// watch dials a websocket and pumps frames into fn until cancelled or the
// connection drops. Frame order on one socket is delivery order.
func watch[T any](c *Client, target string, fn func(T)) (store.CancelFunc, error) {
	conn, _, err := c.dialer.Dial(target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = conn.Close() })
	}

	go func() {
		defer cancel()
		for {
			var frame T
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			fn(frame)
		}
	}()

	return cancel, nil
}

func (c *Client) OnChildAdded(path string, fn func(store.Entry)) (store.CancelFunc, error) {
	return watch(c, c.wsURL(path, "watch"), func(e wire.LogEntry) {
		fn(store.Entry{Key: e.Key, Blob: e.Blob})
	})
}

func (c *Client) Write(ctx context.Context, path, clientID string, state []byte) error {
	return c.doJSON(ctx, http.MethodPut, c.httpURL(path, clientID), wire.PresenceWrite{State: state}, nil)
}

func (c *Client) Remove(ctx context.Context, path, clientID string) error {
	return c.doJSON(ctx, http.MethodDelete, c.httpURL(path, clientID), nil, nil)
}

func (c *Client) Read(ctx context.Context, path string) (map[string][]byte, error) {
	var out wire.PresenceSnapshot
	if err := c.doJSON(ctx, http.MethodGet, c.httpURL(path), nil, &out); err != nil {
		return nil, err
	}
	if out.Entries == nil {
		out.Entries = map[string][]byte{}
	}
	return out.Entries, nil
}

func (c *Client) OnValue(path string, fn func(map[string][]byte)) (store.CancelFunc, error) {
	return watch(c, c.wsURL(path, "watch"), func(s wire.PresenceSnapshot) {
		if s.Entries == nil {
			s.Entries = map[string][]byte{}
		}
		fn(s.Entries)
	})
}

// guard holds one open websocket; the server removes the presence entry if
// the socket dies before a disarm frame arrives.
type guard struct {
	conn *websocket.Conn
	once sync.Once
	err  error
}

func (g *guard) Disarm() error {
	g.once.Do(func() {
		if err := g.conn.WriteJSON(wire.GuardFrame{Disarm: true}); err != nil {
			g.err = fmt.Errorf("failed to send disarm: %w", err)
		}
		_ = g.conn.Close()
	})
	return g.err
}

func (c *Client) OnDisconnect(path, clientID string) (store.DisconnectGuard, error) {
	conn, _, err := c.dialer.Dial(c.wsURL(path, clientID, "guard"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial guard: %w", err)
	}
	g := &guard{conn: conn}
	// drain server frames so the connection stays healthy
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return g, nil
}

func (c *Client) QueryNewest(ctx context.Context, limit int) ([]store.FeedItem, error) {
	target := c.httpURL("feed") + "?limit=" + strconv.Itoa(limit)
	var out wire.FeedPage
	if err := c.doJSON(ctx, http.MethodGet, target, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) QueryOlderThan(ctx context.Context, ts int64, limit int) ([]store.FeedItem, error) {
	target := c.httpURL("feed") + "?older_than=" + strconv.FormatInt(ts, 10) + "&limit=" + strconv.Itoa(limit)
	var out wire.FeedPage
	if err := c.doJSON(ctx, http.MethodGet, target, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) SubscribeSingle(id string, fn func(*store.FeedItem)) (store.CancelFunc, error) {
	return watch(c, c.wsURL("feed", id, "watch"), func(e wire.FeedEvent) {
		fn(e.Item)
	})
}

// PutItem creates or updates a feed item through the daemon.
func (c *Client) PutItem(ctx context.Context, item store.FeedItem) (store.FeedItem, error) {
	var out store.FeedItem
	if err := c.doJSON(ctx, http.MethodPost, c.httpURL("feed"), item, &out); err != nil {
		return store.FeedItem{}, err
	}
	return out, nil
}

// DeleteItem removes a feed item through the daemon.
func (c *Client) DeleteItem(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, c.httpURL("feed", id), nil, nil)
}
