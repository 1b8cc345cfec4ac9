package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"refcore/pkg/document"
)

func TestAcceptDeliversOverWebsocket(t *testing.T) {
	ctx := context.Background()
	db, d := newTestDispatcher(t)

	err := db.Collection(document.CollectionJobs).Insert(ctx, document.Doc{
		"_id": "j1", "workflow": "rebuild_index",
		"status": []any{document.Doc{"state": "waiting", "stage": "", "progress": 0.0}},
	})
	if err != nil {
		t.Fatal(err)
	}

	accepted := make(chan *WSConnection, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(d, w, r, "igboyes", []string{"admins"})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		accepted <- conn
	}))
	defer server.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = client.Close() }()

	var conn *WSConnection
	select {
	case conn = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("connection never registered")
	}
	if conn.UserID() != "igboyes" {
		t.Fatalf("user = %q", conn.UserID())
	}
	if groups := conn.Groups(); len(groups) != 1 || groups[0] != "admins" {
		t.Fatalf("groups = %v", groups)
	}

	if err := d.Dispatch(ctx, "jobs", OpAdd, []string{"j1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]any
	if err := client.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg["interface"] != "jobs" || msg["operation"] != OpAdd {
		t.Fatalf("message = %v", msg)
	}
	data, _ := msg["data"].(map[string]any)
	if data["_id"] != "j1" || data["state"] != "waiting" {
		t.Fatalf("job summary = %v", data)
	}

	// After unregistering, dispatches no longer reach the socket.
	d.Unregister(conn.ID())
	if err := d.Dispatch(ctx, "jobs", OpRemove, []string{"j1"}); err != nil {
		t.Fatal(err)
	}
	_ = client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if err := client.ReadJSON(&msg); err == nil {
		t.Fatalf("unregistered socket still received %v", msg)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
