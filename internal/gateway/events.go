package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KafClaw/KafPanel/internal/stream"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 4096
)

// afterCursor reads the resume point from Last-Event-ID or ?after=.
// The header wins when both are present.
func afterCursor(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("after"))
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("invalid event cursor")
	}
	return n, nil
}

func wantsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// handleEvents replays the log as JSON, or streams it as server-sent events
// when the client asks for text/event-stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPanel(w, r)
	if !ok {
		return
	}
	after, err := afterCursor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if wantsSSE(r) {
		s.streamSSE(w, r, p.ID, after)
		return
	}

	events, err := s.mgr.Publisher().History(r.Context(), p.ID, after)
	if err != nil {
		writeErr(w, err)
		return
	}
	closed := len(events) > 0 && events[len(events)-1].Terminal()
	if !closed {
		closed, err = s.mgr.Publisher().Closed(r.Context(), p.ID)
		if err != nil {
			writeErr(w, err)
			return
		}
	}
	if events == nil {
		events = []stream.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"panel_id": p.ID,
		"after":    after,
		"events":   events,
		"closed":   closed,
	})
}

type delivery struct {
	ev  stream.Event
	err error
}

// pump moves events from sub onto a channel so callers can select on
// heartbeats alongside it. The channel closes after the first error.
func pump(ctx context.Context, sub *stream.Subscription) <-chan delivery {
	ch := make(chan delivery)
	go func() {
		defer close(ch)
		for {
			ev, err := sub.Next(ctx)
			select {
			case ch <- delivery{ev: ev, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, panelID string, after int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub, err := s.mgr.Subscribe(ctx, panelID, after)
	if err != nil {
		writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := stream.WriteSSEComment(w, "connected"); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()
	events := pump(ctx, sub)
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := stream.WriteSSEComment(w, "heartbeat"); err != nil {
				return
			}
			flusher.Flush()
		case d, ok := <-events:
			if !ok {
				return
			}
			if d.err != nil {
				switch {
				case errors.Is(d.err, io.EOF):
					_ = stream.WriteSSEEnd(w, sub.Cursor())
					flusher.Flush()
				case ctx.Err() == nil:
					slog.Warn("Event stream failed", "panel_id", panelID, "cursor", sub.Cursor(), "error", d.err)
					_ = stream.WriteSSEComment(w, "error: "+d.err.Error())
					flusher.Flush()
				}
				return
			}
			if err := stream.WriteSSE(w, d.ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleWebSocket streams the same frames as the SSE endpoint, one JSON
// text message per event. The server closes normally after the terminal
// event.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPanel(w, r)
	if !ok {
		return
	}
	after, err := afterCursor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub, err := s.mgr.Subscribe(ctx, p.ID, after)
	if err != nil {
		writeErr(w, err)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "panel_id", p.ID, "error", err)
		return
	}
	defer conn.Close()

	pongWait := 4 * s.cfg.Heartbeat
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// The client sends nothing but control frames; reading drives them and
	// notices a closed connection.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.cfg.Heartbeat)
	defer ping.Stop()
	events := pump(ctx, sub)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case d, ok := <-events:
			if !ok {
				return
			}
			if d.err != nil {
				code, text := websocket.CloseNormalClosure, "panel finished"
				if !errors.Is(d.err, io.EOF) {
					if ctx.Err() != nil {
						return
					}
					slog.Warn("Event stream failed", "panel_id", p.ID, "cursor", sub.Cursor(), "error", d.err)
					code, text = websocket.CloseInternalServerErr, "event stream failed"
				}
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteWait))
				return
			}
			data, err := json.Marshal(d.ev)
			if err != nil {
				slog.Error("Event encode failed", "panel_id", p.ID, "sequence", d.ev.Sequence, "error", err)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
