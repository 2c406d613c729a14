package container

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"polyfleet-go/gateway"
)

func newWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBookFeedComponentLifecycle(t *testing.T) {
	srv := newWSServer(t)
	feed := &gateway.BookFeed{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	comp := &bookFeedComponent{feed: feed, tokens: []string{"tok-a"}, logger: zap.NewNop()}

	if err := comp.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := comp.Health(); err != nil {
		t.Fatalf("health after start: %v", err)
	}
	if err := comp.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := comp.Health(); err == nil {
		t.Fatalf("expected disconnected after stop")
	}
	// 重复 Stop 幂等
	if err := comp.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestBookFeedComponentStartFailsWithoutServer(t *testing.T) {
	feed := &gateway.BookFeed{URL: "ws://127.0.0.1:1/ws"}
	comp := &bookFeedComponent{feed: feed, logger: zap.NewNop()}
	if err := comp.Start(context.Background()); err == nil {
		t.Fatalf("expected dial error")
	}
}
