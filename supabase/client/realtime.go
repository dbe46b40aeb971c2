package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	writeTimeout             = 10 * time.Second
)

// Change is a single postgres_changes event delivered over Realtime.
type Change struct {
	Type            string // INSERT, UPDATE or DELETE
	Schema          string
	Table           string
	CommitTimestamp string
	Record          json.RawMessage
	OldRecord       json.RawMessage
}

// ChangeHandler receives changes for a channel. It runs on the connection's
// read loop and must not block.
type ChangeHandler func(Change)

// PostgresChangesConfig selects the rows a channel receives.
type PostgresChangesConfig struct {
	Event  string // INSERT, UPDATE, DELETE or * (default)
	Schema string // default public
	Table  string
	Filter string // optional, e.g. "uid=eq.abc"
}

// RealtimeClient handles Supabase Realtime subscriptions over a single
// websocket connection.
type RealtimeClient struct {
	mu                sync.Mutex
	url               string
	apiKey            string
	dialer            *websocket.Dialer
	heartbeatInterval time.Duration
	conn              *websocket.Conn
	channels          map[string]*Channel
	ref               int
	seq               int
	done              chan struct{}
}

// Channel is one joined Realtime topic.
type Channel struct {
	client    *RealtimeClient
	topic     string
	handler   ChangeHandler
	joinRef   string
	closed    chan struct{}
	closeOnce sync.Once
}

// NewRealtimeClient creates a client for the project at supabaseURL.
func NewRealtimeClient(supabaseURL, apiKey string) *RealtimeClient {
	wsURL := strings.TrimSuffix(supabaseURL, "/")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	wsURL += "/realtime/v1/websocket?apikey=" + apiKey + "&vsn=1.0.0"

	return &RealtimeClient{
		url:               wsURL,
		apiKey:            apiKey,
		dialer:            &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		heartbeatInterval: defaultHeartbeatInterval,
		channels:          make(map[string]*Channel),
	}
}

// Connect establishes the websocket connection if it is not already open.
func (r *RealtimeClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil
	}

	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	r.conn = conn
	r.done = make(chan struct{})

	go r.readLoop(conn)
	go r.heartbeat(r.done)
	return nil
}

// Close closes the connection and every channel on it.
func (r *RealtimeClient) Close() error {
	r.mu.Lock()
	conn := r.conn
	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	r.mu.Unlock()

	r.teardown()
	return nil
}

// SubscribeToPostgresChanges joins a new channel receiving row changes that
// match cfg. The connection is opened on demand.
func (r *RealtimeClient) SubscribeToPostgresChanges(ctx context.Context, cfg PostgresChangesConfig, handler ChangeHandler) (*Channel, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("table is required")
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Event == "" {
		cfg.Event = "*"
	}

	if err := r.Connect(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil, fmt.Errorf("realtime connection closed")
	}

	r.seq++
	r.ref++
	ch := &Channel{
		client:  r,
		topic:   fmt.Sprintf("realtime:%s-%d", cfg.Table, r.seq),
		handler: handler,
		joinRef: strconv.Itoa(r.ref),
		closed:  make(chan struct{}),
	}

	change := map[string]any{
		"event":  cfg.Event,
		"schema": cfg.Schema,
		"table":  cfg.Table,
	}
	if cfg.Filter != "" {
		change["filter"] = cfg.Filter
	}
	msg := map[string]any{
		"topic": ch.topic,
		"event": "phx_join",
		"payload": map[string]any{
			"config": map[string]any{
				"broadcast":        map[string]any{"self": false},
				"presence":         map[string]any{"key": ""},
				"postgres_changes": []any{change},
			},
			"access_token": r.apiKey,
		},
		"ref":      ch.joinRef,
		"join_ref": ch.joinRef,
	}
	if err := r.writeLocked(msg); err != nil {
		return nil, fmt.Errorf("send join: %w", err)
	}

	r.channels[ch.topic] = ch
	return ch, nil
}

// Done is closed when the channel is unsubscribed or its connection drops.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// Unsubscribe leaves the channel.
func (c *Channel) Unsubscribe() error {
	r := c.client
	r.mu.Lock()
	_, joined := r.channels[c.topic]
	delete(r.channels, c.topic)
	var err error
	if joined && r.conn != nil {
		r.ref++
		err = r.writeLocked(map[string]any{
			"topic":    c.topic,
			"event":    "phx_leave",
			"payload":  map[string]any{},
			"ref":      strconv.Itoa(r.ref),
			"join_ref": c.joinRef,
		})
	}
	r.mu.Unlock()

	c.markClosed()
	if err != nil {
		return fmt.Errorf("send leave: %w", err)
	}
	return nil
}

func (c *Channel) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (r *RealtimeClient) writeLocked(msg any) error {
	_ = r.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return r.conn.WriteJSON(msg)
}

func (r *RealtimeClient) readLoop(conn *websocket.Conn) {
	defer r.teardown()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		r.dispatch(message)
	}
}

func (r *RealtimeClient) dispatch(message []byte) {
	topic := gjson.GetBytes(message, "topic").String()
	event := gjson.GetBytes(message, "event").String()

	r.mu.Lock()
	ch := r.channels[topic]
	if ch != nil && (event == "phx_close" || event == "phx_error" ||
		(event == "phx_reply" && gjson.GetBytes(message, "payload.status").String() == "error")) {
		delete(r.channels, topic)
	} else if event != "postgres_changes" {
		ch = nil
	}
	r.mu.Unlock()

	if ch == nil {
		return
	}
	if event != "postgres_changes" {
		ch.markClosed()
		return
	}

	data := gjson.GetBytes(message, "payload.data")
	change := Change{
		Type:            data.Get("type").String(),
		Schema:          data.Get("schema").String(),
		Table:           data.Get("table").String(),
		CommitTimestamp: data.Get("commit_timestamp").String(),
	}
	if rec := data.Get("record"); rec.Exists() {
		change.Record = json.RawMessage(rec.Raw)
	}
	if old := data.Get("old_record"); old.Exists() {
		change.OldRecord = json.RawMessage(old.Raw)
	}
	ch.handler(change)
}

func (r *RealtimeClient) heartbeat(done <-chan struct{}) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.mu.Lock()
			var err error
			if r.conn != nil {
				r.ref++
				err = r.writeLocked(map[string]any{
					"topic":   "phoenix",
					"event":   "heartbeat",
					"payload": map[string]any{},
					"ref":     strconv.Itoa(r.ref),
				})
			}
			r.mu.Unlock()
			if err != nil {
				r.teardown()
				return
			}
		}
	}
}

// teardown drops the connection and closes all channels on it.
func (r *RealtimeClient) teardown() {
	r.mu.Lock()
	conn := r.conn
	if conn == nil {
		r.mu.Unlock()
		return
	}
	channels := r.channels
	r.conn = nil
	r.channels = make(map[string]*Channel)
	close(r.done)
	r.mu.Unlock()

	conn.Close()
	for _, ch := range channels {
		ch.markClosed()
	}
}
