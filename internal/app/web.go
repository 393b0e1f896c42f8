// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/drum_recorder/internal/config"
	"github.com/relabs-tech/drum_recorder/internal/mirror"
	"github.com/relabs-tech/drum_recorder/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// liveView holds the latest mirrored state and the websocket clients that
// follow the record stream.
type liveView struct {
	mu         sync.RWMutex
	status     telemetry.Status
	haveStatus bool
	record     telemetry.FusedRecord
	haveRecord bool
	clients    map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newLiveView() *liveView {
	return &liveView{clients: make(map[*wsClient]struct{})}
}

func (v *liveView) onStatus(payload []byte) error {
	var s telemetry.Status
	if err := json.Unmarshal(payload, &s); err != nil {
		return err
	}
	v.mu.Lock()
	v.status = s
	v.haveStatus = true
	v.mu.Unlock()
	return nil
}

// onRecord stores the record and forwards the raw payload to every
// websocket client. Slow clients miss records rather than stall MQTT.
func (v *liveView) onRecord(payload []byte) error {
	var r telemetry.FusedRecord
	if err := json.Unmarshal(payload, &r); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record = r
	v.haveRecord = true
	for c := range v.clients {
		select {
		case c.send <- payload:
		default:
		}
	}
	return nil
}

func (v *liveView) routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", v.handleStatus)
	mux.HandleFunc("/api/record", v.handleRecord)
	mux.HandleFunc("/ws", v.handleWS)
}

func (v *liveView) handleStatus(w http.ResponseWriter, r *http.Request) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.haveStatus {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, v.status)
}

func (v *liveView) handleRecord(w http.ResponseWriter, r *http.Request) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.haveRecord {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, v.record)
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("web: json encode error: %v", err)
	}
}

func (v *liveView) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade error: %v", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, 64)}

	v.mu.Lock()
	v.clients[c] = struct{}{}
	v.mu.Unlock()

	go c.writeLoop()

	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	v.mu.Lock()
	delete(v.clients, c)
	close(c.send)
	v.mu.Unlock()
}

func (c *wsClient) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Printf("web: websocket write error: %v", err)
			return
		}
	}
}

func subscribeJSON(client mqtt.Client, topic, component string, fn func([]byte) error) error {
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		if err := fn(msg.Payload()); err != nil {
			log.Printf("%s: %s unmarshal error: %v", component, topic, err)
		}
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("%s: subscribed to %s", component, topic)
	return nil
}

// RunWeb serves the mirrored recorder state over HTTP and a websocket
// record stream.
func RunWeb() error {
	cfg := config.Get()
	if cfg.MQTTBroker == "" {
		return fmt.Errorf("web: MQTT_BROKER is not configured")
	}

	client, err := mirror.Connect(cfg.MQTTBroker, cfg.MQTTClientIDWeb)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	view := newLiveView()
	if err := subscribeJSON(client, cfg.TopicStatus, "web", view.onStatus); err != nil {
		return err
	}
	if err := subscribeJSON(client, cfg.TopicRecord, "web", view.onRecord); err != nil {
		return err
	}

	mux := http.NewServeMux()
	view.routes(mux)
	mux.Handle("/", http.FileServer(http.Dir("web")))

	addr := fmt.Sprintf(":%d", cfg.WebServerPort)
	log.Printf("web: server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
