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
	"fmt"
	"net"
	"os"
	"time"
)

// Request types
const (
	RequestStatus     = "status"
	RequestStop       = "stop"
	RequestCommit     = "commit"     // Append an operation to the log and signal the cluster
	RequestGet        = "get"        // Evaluate a computation through the cache
	RequestInvalidate = "invalidate" // Invalidate a key in this process's cache only
)

// Request represents an IPC request
type Request struct {
	Type string `json:"type"`

	// Commit fields
	Keys []string `json:"keys,omitempty"` // Invalidation keys for the operation

	// Get fields
	Computation string `json:"computation,omitempty"`
	Args        string `json:"args,omitempty"`

	// Invalidate fields
	Key string `json:"key,omitempty"` // Invalidation key
}

// Response represents an IPC response
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	PID     int    `json:"pid,omitempty"`

	// Commit response fields
	Seq  int64  `json:"seq,omitempty"`   // Assigned log sequence
	OpID string `json:"op_id,omitempty"` // Assigned operation id

	// Status response fields
	LastSeen     int64 `json:"last_seen,omitempty"`     // Monitor's drained sequence
	MaxSeq       int64 `json:"max_seq,omitempty"`       // Log's highest sequence
	CacheEntries int   `json:"cache_entries,omitempty"` // Cached entry count
	Subscribers  int   `json:"subscribers,omitempty"`   // Connected subscriber count

	// Get response fields
	Value json.RawMessage `json:"value,omitempty"`
}

// Server is the IPC server
type Server struct {
	listener net.Listener
	handler  func(*Request) *Response
}

// NewServer creates a new IPC server
func NewServer(handler func(*Request) *Response) *Server {
	return &Server{handler: handler}
}

// Start starts the IPC server
func (s *Server) Start() error {
	// Remove existing socket
	os.Remove(SocketPath())

	listener, err := net.Listen("unix", SocketPath())
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	s.listener = listener

	os.Chmod(SocketPath(), 0600)

	go s.accept()
	return nil
}

// Stop stops the IPC server
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
		os.Remove(SocketPath())
	}
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // Server stopped
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	var req Request
	if err := decoder.Decode(&req); err != nil {
		json.NewEncoder(conn).Encode(&Response{
			Success: false,
			Error:   fmt.Sprintf("invalid request: %v", err),
		})
		return
	}

	resp := s.handler(&req)
	json.NewEncoder(conn).Encode(resp)
}

// SendRequest sends a request to the running daemon and returns its
// response.
func SendRequest(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", SocketPath(), 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("daemon not running (is 'pulsecache serve' started?): %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(30 * time.Second))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &resp, nil
}

// IsRunning reports whether a daemon answers on the IPC socket.
func IsRunning() bool {
	resp, err := SendRequest(&Request{Type: RequestStatus})
	return err == nil && resp.Success
}
