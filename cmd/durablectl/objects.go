package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/durable/internal/actor"
	"github.com/danmuck/durable/internal/cluster"
	"github.com/danmuck/durable/internal/storage"
)

func demoWorker() cluster.Worker {
	return cluster.Worker{
		"counters": newCounter,
		"rooms":    newRoom,
	}
}

// demoConverters stores *_at columns as unix milliseconds.
func demoConverters() []storage.TypeConverter {
	return []storage.TypeConverter{{
		Suffix: "_at",
		ToSQL: func(v any) (any, error) {
			t, ok := v.(time.Time)
			if !ok {
				return v, nil
			}
			return t.UnixMilli(), nil
		},
		FromSQL: func(v any) (any, error) {
			ms, ok := v.(int64)
			if !ok {
				return v, nil
			}
			return time.UnixMilli(ms).UTC(), nil
		},
	}}
}

// counter is a named integer. POST adds ?by= (default 1), GET reads,
// DELETE clears, and POST /expire?after=<duration> resets it later.
type counter struct {
	state *actor.State
}

func newCounter(state *actor.State, _ *cluster.Env) (actor.Object, error) {
	return &counter{state: state}, nil
}

func (c *counter) get(ctx context.Context) (int64, error) {
	var n int64
	err := c.state.Storage().GetInto(ctx, "value", &n)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	return n, err
}

func (c *counter) increment(ctx context.Context, by int64) (int64, error) {
	n, err := c.get(ctx)
	if err != nil {
		return 0, err
	}
	n += by
	if err := c.state.Storage().Put(ctx, "value", n); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *counter) Fetch(ctx context.Context, req *actor.Request) (*actor.Response, error) {
	store := c.state.Storage()
	switch {
	case req.Path() == "/expire" && req.Method == http.MethodPost:
		after, err := time.ParseDuration(req.Query().Get("after"))
		if err != nil {
			return actor.Text(http.StatusBadRequest, "after must be a duration"), nil
		}
		if err := store.SetAlarm(ctx, time.Now().Add(after)); err != nil {
			return nil, err
		}
		return actor.Text(http.StatusAccepted, "expires in "+after.String()), nil
	case req.Method == http.MethodPost:
		by := int64(1)
		if raw := req.Query().Get("by"); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return actor.Text(http.StatusBadRequest, "by must be an integer"), nil
			}
			by = v
		}
		n, err := c.increment(ctx, by)
		if err != nil {
			return nil, err
		}
		return actor.JSON(http.StatusOK, map[string]int64{"value": n}), nil
	case req.Method == http.MethodDelete:
		if err := store.DeleteAll(ctx); err != nil {
			return nil, err
		}
		return actor.Text(http.StatusNoContent, ""), nil
	case req.Method == http.MethodGet:
		n, err := c.get(ctx)
		if err != nil {
			return nil, err
		}
		return actor.JSON(http.StatusOK, map[string]int64{"value": n}), nil
	}
	return actor.Text(http.StatusMethodNotAllowed, "method not allowed"), nil
}

func (c *counter) Alarm(ctx context.Context) error {
	_, err := c.state.Storage().Delete(ctx, "value")
	return err
}

func (c *counter) Methods() actor.MethodTable {
	return actor.MethodTable{
		"get":       actor.Method0(c.get),
		"increment": actor.Method1(c.increment),
	}
}

const historyLimit = 50

// room is a chat room. Clients connect with ?user=<name>; every message is
// broadcast as "<name>: <text>" and kept in a SQL table. "ping" is answered
// with "pong" without waking the room.
type room struct {
	state *actor.State
}

type chatMessage struct {
	User   string    `json:"user"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

func newRoom(state *actor.State, _ *cluster.Env) (actor.Object, error) {
	state.BlockConcurrencyWhile(func(ctx context.Context) error {
		return state.Storage().ExecScript(ctx, `CREATE TABLE IF NOT EXISTS messages (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			user    TEXT NOT NULL,
			text    TEXT NOT NULL,
			sent_at INTEGER NOT NULL
		)`)
	})
	state.SetWebSocketAutoResponse("ping", "pong")
	return &room{state: state}, nil
}

func (r *room) Fetch(ctx context.Context, req *actor.Request) (*actor.Response, error) {
	if req.IsUpgrade() {
		user := strings.TrimSpace(req.Query().Get("user"))
		if user == "" {
			return actor.Text(http.StatusBadRequest, "user is required"), nil
		}
		if err := r.state.AcceptWebSocket(req.WebSocket, "user:"+user); err != nil {
			return actor.Text(http.StatusBadRequest, err.Error()), nil
		}
		r.broadcast(ctx, user+" joined")
		return actor.SwitchingProtocols(), nil
	}
	if req.Method != http.MethodGet {
		return actor.Text(http.StatusMethodNotAllowed, "method not allowed"), nil
	}
	history, err := r.history(ctx)
	if err != nil {
		return nil, err
	}
	return actor.JSON(http.StatusOK, map[string]any{
		"online":   len(r.state.GetWebSockets()),
		"messages": history,
	}), nil
}

func (r *room) history(ctx context.Context) ([]chatMessage, error) {
	rows, err := r.state.Storage().Prepare(
		`SELECT user, text, sent_at FROM messages ORDER BY id DESC LIMIT ?`,
	).Bind(historyLimit).All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]chatMessage, len(rows))
	for i, row := range rows {
		msg := chatMessage{}
		msg.User, _ = row["user"].(string)
		msg.Text, _ = row["text"].(string)
		msg.SentAt, _ = row["sent_at"].(time.Time)
		out[len(rows)-1-i] = msg
	}
	return out, nil
}

func (r *room) userOf(ws actor.WebSocket) string {
	tags, err := r.state.GetTags(ws)
	if err != nil {
		return "unknown"
	}
	for _, tag := range tags {
		if name, ok := strings.CutPrefix(tag, "user:"); ok {
			return name
		}
	}
	return "unknown"
}

func (r *room) broadcast(ctx context.Context, line string) {
	for _, ws := range r.state.GetWebSockets() {
		if err := ws.Send(ctx, []byte(line)); err != nil {
			logger := r.state.Logger()
			logger.Debug().Err(err).Msg("room.send failed")
		}
	}
}

func (r *room) WebSocketMessage(ctx context.Context, ws actor.WebSocket, data []byte) error {
	user := r.userOf(ws)
	_, err := r.state.Storage().Prepare(
		`INSERT INTO messages (user, text, sent_at) VALUES (:user, :text, :sent_at)`,
	).BindNamed(map[string]any{"user": user, "text": string(data), "sent_at": time.Now()}).Run(ctx)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	r.broadcast(ctx, user+": "+string(data))
	return nil
}

func (r *room) WebSocketClose(ctx context.Context, ws actor.WebSocket, _ int, _ string) error {
	r.broadcast(ctx, r.userOf(ws)+" left")
	return nil
}
