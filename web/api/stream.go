package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API binds to loopback; the UI is served from the same host
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTask pushes session output over a websocket as it accrues and closes
// the connection once the task reaches a terminal status.
func (s *Server) streamTask(w http.ResponseWriter, r *http.Request, id int64) {
	if _, err := s.store.Get(id); err != nil {
		writeStoreError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads only serve to notice the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	sent := 0
	for {
		output, err := s.orch.TaskOutput(ctx, id)
		if err == nil && len(output) > sent {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(output[sent:])); err != nil {
				return
			}
			sent = len(output)
		}

		task, err := s.store.Get(id)
		if err != nil || task.Status.IsTerminal() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
