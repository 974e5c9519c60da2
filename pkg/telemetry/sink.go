// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/luxfi/mediation/pkg/log"
)

// HTTPSink POSTs each batch as JSON
type HTTPSink struct {
	URL    string
	Client *http.Client
}

func (s *HTTPSink) Send(ctx context.Context, batch Batch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("send batch: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// WebSocketSink streams batches over a websocket, dialing on first use and
// redialing after a write failure.
type WebSocketSink struct {
	URL    string
	Dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *WebSocketSink) Send(ctx context.Context, batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		dialer := s.Dialer
		if dialer == nil {
			dialer = websocket.DefaultDialer
		}
		conn, _, err := dialer.DialContext(ctx, s.URL, nil)
		if err != nil {
			return fmt.Errorf("dial telemetry stream: %w", err)
		}
		s.conn = conn
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	}
	if err := s.conn.WriteJSON(batch); err != nil {
		_ = s.conn.Close()
		s.conn = nil
		return fmt.Errorf("write telemetry stream: %w", err)
	}
	return nil
}

// Close closes the underlying connection
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// LogSink writes a summary line per entry
type LogSink struct {
	Log log.Logger
}

func (s LogSink) Send(_ context.Context, batch Batch) error {
	for _, e := range batch.Entries {
		s.Log.Info("telemetry",
			log.String("placement", e.Placement),
			log.String("source", e.Source),
			log.Int64("fills", int64(e.Fills)),
			log.Int64("no_fills", int64(e.NoFills)),
			log.Int64("timeouts", int64(e.Timeouts)),
			log.Int64("errors", int64(e.Errors)),
			log.Int("samples", e.Samples))
	}
	return nil
}
