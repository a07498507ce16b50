// Copyright 2025 PulseCache Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"pulsecache/internal/cache"
	"pulsecache/internal/publisher"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next frame from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer; subscribers only send small
	// subscribe/unsubscribe frames
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Subscribers authenticate at the API layer in front of us; the
	// daemon only sees opaque connections.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn adapts one websocket connection to publisher.Conn. Send is called
// from the publisher's per-subscriber writer goroutine; the mutex also
// covers the initial snapshot sent from the subscribe handler.
type wsConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) Send(p publisher.Push) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(p)
}

// NewSubscribeHandler returns the HTTP handler for the persistent subscriber
// endpoint. Each connection may subscribe to any number of keys; on
// disconnect every subscription is dropped silently.
func NewSubscribeHandler(engine *cache.Engine, pub *publisher.Publisher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Debug("websocket upgrade failed")
			return
		}

		wc := &wsConn{id: uuid.NewString(), conn: conn}
		log.WithField("subscriber", wc.id).Debug("subscriber connected")

		done := make(chan struct{})
		go pingLoop(wc, done)

		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})

		for {
			var req publisher.Request
			if err := conn.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WithError(err).WithField("subscriber", wc.id).Debug("subscriber read error")
				}
				break
			}
			conn.SetReadDeadline(time.Now().Add(pongWait))

			key := cache.Key{Computation: req.Computation, Args: req.Args}
			switch req.Action {
			case publisher.ActionSubscribe:
				pub.Subscribe(wc, key)
				sendSnapshot(engine, wc, key)
			case publisher.ActionUnsubscribe:
				pub.Unsubscribe(wc.id, key)
			default:
				log.WithField("action", req.Action).Debug("unknown subscriber action")
			}
		}

		close(done)
		pub.Drop(wc.id)
		conn.Close()
		log.WithField("subscriber", wc.id).Debug("subscriber disconnected")
	})
}

// sendSnapshot delivers the current consistent value (if any) right after a
// subscription, so a fresh replica does not have to wait for the next
// invalidation. Version guards on the replica side make this safe against
// racing queued pushes.
func sendSnapshot(engine *cache.Engine, wc *wsConn, key cache.Key) {
	value, version, state, ok := engine.Peek(key)
	if !ok || state != cache.StateConsistent {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	wc.Send(publisher.Push{
		Computation: key.Computation,
		Args:        key.Args,
		Version:     version,
		Value:       raw,
	})
}

func pingLoop(wc *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
