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

package replica

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"pulsecache/internal/cache"
	"pulsecache/internal/common"
	"pulsecache/internal/publisher"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next push or pong from the peer.
	pongWait = 60 * time.Second
)

// Client maintains one persistent websocket connection to a pulsecache node
// and a replica per subscribed key. Pushes arriving on the connection are
// applied to the matching replica; everything else is dropped.
type Client struct {
	conn *websocket.Conn

	mu       sync.Mutex
	writeMu  sync.Mutex
	replicas map[cache.Key]*Replica
	closed   bool
	done     chan struct{}
}

// Dial connects to the subscribe endpoint of a node, e.g.
// "ws://127.0.0.1:7421/subscribe".
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	c := &Client{
		conn:     conn,
		replicas: make(map[cache.Key]*Replica),
		done:     make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	return c, nil
}

// Subscribe asks the node for pushes about (computation, args) and returns
// the local replica that will mirror them. Subscribing to the same key twice
// returns the existing replica.
func (c *Client) Subscribe(computation, args string) (*Replica, error) {
	key := cache.Key{Computation: computation, Args: args}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, common.ErrClosed
	}
	if r, ok := c.replicas[key]; ok {
		c.mu.Unlock()
		return r, nil
	}
	r := New(key)
	c.replicas[key] = r
	c.mu.Unlock()

	if err := c.writeRequest(publisher.Request{
		Action:      publisher.ActionSubscribe,
		Computation: computation,
		Args:        args,
	}); err != nil {
		c.mu.Lock()
		delete(c.replicas, key)
		c.mu.Unlock()
		return nil, err
	}
	return r, nil
}

// Unsubscribe stops pushes for the key. The replica keeps its last value but
// is marked inconsistent.
func (c *Client) Unsubscribe(computation, args string) error {
	key := cache.Key{Computation: computation, Args: args}

	c.mu.Lock()
	r, ok := c.replicas[key]
	if ok {
		delete(c.replicas, key)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	r.MarkInconsistent()

	return c.writeRequest(publisher.Request{
		Action:      publisher.ActionUnsubscribe,
		Computation: computation,
		Args:        args,
	})
}

// Replica returns the replica for a subscribed key, if any.
func (c *Client) Replica(computation, args string) (*Replica, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.replicas[cache.Key{Computation: computation, Args: args}]
	return r, ok
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears the connection down. Replicas keep their last values but are
// marked inconsistent.
func (c *Client) Close() error {
	c.teardown()
	return c.conn.Close()
}

func (c *Client) writeRequest(req publisher.Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(req)
}

func (c *Client) readPump() {
	defer func() {
		c.teardown()
		c.conn.Close()
	}()

	for {
		var push publisher.Push
		if err := c.conn.ReadJSON(&push); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("replica connection closed")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		c.mu.Lock()
		r, ok := c.replicas[push.Key()]
		c.mu.Unlock()
		if ok {
			r.Apply(push)
		}
	}
}

// teardown marks the client closed and all replicas inconsistent: once the
// connection is gone, missed pushes can no longer be ruled out.
func (c *Client) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	replicas := make([]*Replica, 0, len(c.replicas))
	for _, r := range c.replicas {
		replicas = append(replicas, r)
	}
	c.mu.Unlock()

	for _, r := range replicas {
		r.MarkInconsistent()
	}
	close(c.done)
}
