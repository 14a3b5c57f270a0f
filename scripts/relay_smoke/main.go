package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/voicechat/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("relay_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://127.0.0.1:7357", "Relay base address")
	channel := flag.String("channel", "voice-chat", "channel name")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	url := *addr + "/channels/" + *channel
	asker, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial asker: %w", err)
	}
	defer asker.Close(websocket.StatusNormalClosure, "bye")

	answerer, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial answerer: %w", err)
	}
	defer answerer.Close(websocket.StatusNormalClosure, "bye")

	// Give the relay a moment to register both peers.
	time.Sleep(100 * time.Millisecond)

	request, err := envelope(proto.TypePresenceRequest, "smoke-asker", "session-asker", proto.PresenceRequestData{
		RequesterID:        "smoke-asker",
		RequesterSessionID: "session-asker",
	})
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, asker, request); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	var got proto.Envelope
	if err := wsjson.Read(ctx, answerer, &got); err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	fmt.Printf("Answerer received: type=%s sender=%s\n", got.Type, got.SenderID)

	status, err := envelope(proto.TypeOnlineStatus, "smoke-answerer", "session-answerer", proto.OnlineStatusData{
		Status:    proto.StatusOnline,
		UserID:    "smoke-answerer",
		SessionID: "session-answerer",
	})
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, answerer, status); err != nil {
		return fmt.Errorf("send status: %w", err)
	}

	if err := wsjson.Read(ctx, asker, &got); err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	var data proto.OnlineStatusData
	if err := json.Unmarshal(got.Data, &data); err != nil {
		return fmt.Errorf("unmarshal status: %w", err)
	}
	fmt.Printf("Asker received: type=%s user=%s status=%s\n", got.Type, data.UserID, data.Status)
	return nil
}

func envelope(t proto.EventType, sender, session string, data any) (proto.Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return proto.Envelope{}, fmt.Errorf("marshal %s: %w", t, err)
	}
	return proto.Envelope{
		Type:      t,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
		SenderID:  sender,
		SessionID: session,
	}, nil
}
