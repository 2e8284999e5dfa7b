// Package main runs a demo client: it registers a webhook subscription,
// tails the live delivery stream, and posts an event to trigger a delivery.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type streamMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	target := os.Getenv("WEBHOOK_TARGET")
	if target == "" {
		target = "https://hooks.example.com/crm"
	}

	// Register a subscription for deal events
	body, _ := json.Marshal(map[string]any{
		"url":    target,
		"events": []string{"deal.updated"},
		"secret": "demo-secret",
	})
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/subscriptions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "t_demo")
	req.Header.Set("X-Role", "admin")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var sub struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		log.Fatal(err)
	}
	log.Printf("Subscription ID: %s", sub.ID)

	// Connect the delivery stream
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/deliveries/stream"}
	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", "t_demo")
	hdr.Set("X-Role", "admin")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m streamMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Data))
		}
	}()

	// Post an event that fans out to the subscription
	time.Sleep(500 * time.Millisecond)
	evt := []byte(`{"type":"deal.updated","data":{"dealId":"d_123","stage":"won"}}`)
	evtReq, _ := http.NewRequest(http.MethodPost, base+"/v1/events", bytes.NewReader(evt))
	evtReq.Header.Set("Content-Type", "application/json")
	evtReq.Header.Set("X-Tenant-Id", "t_demo")
	evtReq.Header.Set("X-Role", "admin")
	_, _ = http.DefaultClient.Do(evtReq)

	// The worker ticks once a second; wait long enough to see the attempt.
	select {
	case <-time.After(5 * time.Second):
	case <-done:
	}
}
