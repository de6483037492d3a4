package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/frame-engine/internal/api"
	"github.com/atmx/frame-engine/internal/model"
)

func TestWSHub_BroadcastsFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := api.NewWSHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration completes asynchronously; keep broadcasting until the
	// client sees a message.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				hub.Broadcast(api.FrameMessage(model.Frame{
					ID:          1700000040,
					ClosePrice:  d("110"),
					Result:      model.ResultUp,
					TotalVolume: d("20000000000"),
				}))
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg api.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != "frame" || msg.FrameID != 1700000040 || msg.Result != model.ResultUp {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.Price != "110" || msg.Volume != "20000000000" {
		t.Errorf("unexpected price/volume %+v", msg)
	}
}
