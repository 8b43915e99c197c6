package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/durable/internal/actor"
	"github.com/danmuck/durable/internal/cluster"
	"github.com/danmuck/durable/internal/testutil/testlog"
)

func TestConfigInitThenValidate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "durable.toml")

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	if err := app.Run(context.Background(), []string{"durablectl", "config", "init", "--config", path}); err != nil {
		t.Fatalf("config init: %v", err)
	}

	app = newApp()
	app.Writer = &out
	if err := app.Run(context.Background(), []string{"durablectl", "config", "validate", "-c", path}); err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out.String(), "validated "+path) {
		t.Fatalf("unexpected output: %q", out.String())
	}

	app = newApp()
	app.Writer = &out
	if err := app.Run(context.Background(), []string{"durablectl", "config", "init", "--config", path}); err == nil {
		t.Fatalf("expected init to refuse an existing file")
	}
}

func demoCluster(t *testing.T) *cluster.Cluster {
	t.Helper()
	c, err := cluster.Serve(demoWorker(), cluster.Options{Converters: demoConverters()})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func fetch(t *testing.T, h cluster.Handle, method, url string) *actor.Response {
	t.Helper()
	resp, err := h.Fetch(context.Background(), actor.NewRequest(method, url, nil))
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestCounterCountsAndExpires(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	ns, err := demoCluster(t).Env().Binding("counters")
	if err != nil {
		t.Fatalf("binding: %v", err)
	}
	h := ns.Get(ns.IDFromName("visits"))

	fetch(t, h, http.MethodPost, "/")
	resp := fetch(t, h, http.MethodPost, "/?by=5")
	if resp.Text() != `{"value":6}` {
		t.Fatalf("unexpected body %q", resp.Text())
	}
	n, err := cluster.Invoke[int64](ctx, h, "get")
	if err != nil || n != 6 {
		t.Fatalf("expected 6, got %d err=%v", n, err)
	}

	if resp := fetch(t, h, http.MethodPost, "/expire?after=20ms"); resp.Status != http.StatusAccepted {
		t.Fatalf("expire status %d", resp.Status)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := cluster.Invoke[int64](ctx, h, "get")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("alarm never reset the counter")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type memSocket struct {
	mu       sync.Mutex
	sent     []string
	closed   bool
	onClosed []func(int, string)
}

func (m *memSocket) Send(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, string(data))
	return nil
}

func (m *memSocket) Close(code int, reason string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	fns := m.onClosed
	m.mu.Unlock()
	for _, fn := range fns {
		fn(code, reason)
	}
	return nil
}

func (m *memSocket) OnClose(fn func(int, string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClosed = append(m.onClosed, fn)
}

func (m *memSocket) lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func TestRoomBroadcastsAndKeepsHistory(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	ns, err := demoCluster(t).Env().Binding("rooms")
	if err != nil {
		t.Fatalf("binding: %v", err)
	}
	inst, err := ns.Instance(ctx, ns.IDFromName("lobby"))
	if err != nil {
		t.Fatalf("instance: %v", err)
	}

	join := func(user string) *memSocket {
		ws := &memSocket{}
		req := actor.NewRequest(http.MethodGet, "/?user="+user, nil)
		req.WebSocket = ws
		resp, err := inst.Fetch(ctx, req)
		if err != nil || resp.Status != http.StatusSwitchingProtocols {
			t.Fatalf("join %s: status=%v err=%v", user, resp, err)
		}
		return ws
	}
	ann := join("ann")
	bob := join("bob")

	if err := inst.DeliverWebSocketMessage(ctx, ann, []byte("hi bob")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := inst.DeliverWebSocketMessage(ctx, bob, []byte("ping")); err != nil {
		t.Fatalf("deliver ping: %v", err)
	}
	if got := bob.lines(); len(got) != 3 || got[1] != "ann: hi bob" || got[2] != "pong" {
		t.Fatalf("unexpected lines for bob: %q", got)
	}

	resp, err := inst.Fetch(ctx, actor.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var body struct {
		Online   int           `json:"online"`
		Messages []chatMessage `json:"messages"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if body.Online != 2 || len(body.Messages) != 1 || body.Messages[0].User != "ann" || body.Messages[0].SentAt.IsZero() {
		t.Fatalf("unexpected history: %+v", body)
	}

	_ = bob.Close(1000, "bye")
	deadline := time.Now().Add(2 * time.Second)
	for {
		lines := ann.lines()
		if len(lines) > 0 && lines[len(lines)-1] == "bob left" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ann never saw bob leave: %q", lines)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
