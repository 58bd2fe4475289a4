package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcdev12/quizslot/go/internal/join"
)

func TestHubRegistersBeforeSnapshot(t *testing.T) {
	t.Parallel()
	hub := NewHub(DefaultHubConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Start(ctx)

	registered := make(chan bool, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snapshot := func() Message {
			registered <- len(hub.conns["r1"]) == 1
			// An update racing the snapshot must still reach the new connection.
			hub.Broadcast("r1", Message{Type: MessageJoinResult, RoundID: "r1", Join: &JoinResult{Outcome: join.KindJoined}})
			return Message{Type: MessageSnapshot, RoundID: "r1"}
		}
		if err := hub.Upgrade(w, r, "r1", snapshot); err != nil {
			t.Errorf("upgrade: %v", err)
		}
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	if !<-registered {
		t.Fatal("snapshot taken before the connection was registered")
	}

	want := []string{MessageSnapshot, MessageJoinResult}
	for i, typ := range want {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("read message %d: %v", i, err)
		}
		if msg.Type != typ {
			t.Fatalf("message %d: got %s, want %s", i, msg.Type, typ)
		}
	}
}
