package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newFeedServer 起一个假 book 频道：收到订阅后推送一条盘口消息。
func newFeedServer(t *testing.T, payload string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var sub subscribeMsg
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub.Type != "subscribe" || sub.Channel != "book" {
			t.Errorf("unexpected subscribe message: %+v", sub)
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			return
		}
		// 等客户端读完再关
		time.Sleep(200 * time.Millisecond)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestBookFeedDeliversUpdates(t *testing.T) {
	book := bookMsg{
		EventType: "book",
		AssetID:   "token-1",
		Bids:      []rawLevel{{Price: "0.52", Size: "100"}, {Price: "0.54", Size: "10"}},
		Asks:      []rawLevel{{Price: "0.58", Size: "30"}, {Price: "0.56", Size: "20"}},
	}
	raw, _ := json.Marshal(book)
	srv := newFeedServer(t, string(raw))
	defer srv.Close()

	feed := &BookFeed{URL: wsURL(srv)}
	got := make(chan BookUpdate, 1)
	feed.OnUpdate(func(u BookUpdate) {
		select {
		case got <- u:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := feed.Connect(ctx, []string{"token-1"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer feed.Close()
	go feed.Run(ctx)

	select {
	case u := <-got:
		if u.TokenID != "token-1" {
			t.Fatalf("expected token-1, got %s", u.TokenID)
		}
		// 最优买价取 bids 最大值，最优卖价取 asks 最小值
		if u.BestBid != 0.54 || u.BestAsk != 0.56 {
			t.Fatalf("expected best 0.54/0.56, got %v/%v", u.BestBid, u.BestAsk)
		}
	case <-ctx.Done():
		t.Fatalf("no update received")
	}
}

func TestBookFeedIgnoresOtherEvents(t *testing.T) {
	srv := newFeedServer(t, `{"event_type":"tick_size_change","asset_id":"token-1"}`)
	defer srv.Close()

	feed := &BookFeed{URL: wsURL(srv)}
	got := make(chan BookUpdate, 1)
	feed.OnUpdate(func(u BookUpdate) {
		select {
		case got <- u:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := feed.Connect(ctx, []string{"token-1"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer feed.Close()
	go feed.Run(ctx)

	select {
	case u := <-got:
		t.Fatalf("unexpected update for non-book event: %+v", u)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestBookFeedRunRequiresConnect(t *testing.T) {
	feed := &BookFeed{URL: "ws://127.0.0.1:0"}
	if err := feed.Run(context.Background()); err == nil {
		t.Fatalf("expected error when running before connect")
	}
}
