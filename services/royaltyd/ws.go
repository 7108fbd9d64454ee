package royaltyd

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"royaltystake/core/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBuffer       = 256
)

type eventRecordJSON struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// handleEvents streams hub records over a websocket. The optional cursor
// query resumes after a known sequence and type filters by event type
// prefix, for example type=royalty.deposited.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	query := r.URL.Query()
	cursor := strings.TrimSpace(query.Get("cursor"))
	filter := strings.TrimSpace(query.Get("type"))

	updates, cancel, backlog, err := s.deps.Hub.Subscribe(r.Context(), cursor, wsBuffer)
	if err != nil {
		writeError(w, badRequest(err.Error()))
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns()})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	// Clients never send; CloseRead handles control frames and cancels on close.
	ctx := conn.CloseRead(r.Context())
	if err := streamEvents(ctx, conn, updates, backlog, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) originPatterns() []string {
	if len(s.deps.CORS.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	patterns := make([]string, 0, len(s.deps.CORS.AllowedOrigins))
	for _, origin := range s.deps.CORS.AllowedOrigins {
		origin = strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
		if origin != "" {
			patterns = append(patterns, origin)
		}
	}
	return patterns
}

func streamEvents(ctx context.Context, conn *websocket.Conn, updates <-chan events.Record, backlog []events.Record, filter string) error {
	for _, rec := range backlog {
		if err := writeEventRecord(ctx, conn, rec, filter); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeEventRecord(ctx, conn, rec, filter); err != nil {
				return err
			}
		}
	}
}

func writeEventRecord(ctx context.Context, conn *websocket.Conn, rec events.Record, filter string) error {
	if rec.Event == nil {
		return nil
	}
	if filter != "" && !strings.HasPrefix(rec.Event.Type, filter) {
		return nil
	}
	data, err := json.Marshal(eventRecordJSON{
		Sequence:   rec.Sequence,
		Cursor:     rec.Cursor,
		Type:       rec.Event.Type,
		Attributes: rec.Event.Attributes,
	})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
