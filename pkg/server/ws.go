package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mizanlabs/mizan/pkg/orchestrator"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Identity is the X-User-ID header, not the origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Wire frames for the chat stream.
type wsQuery struct {
	Query string `json:"query"`
}

type wsFrame struct {
	Delta         string `json:"delta,omitempty"`
	Done          bool   `json:"done,omitempty"`
	Error         string `json:"error,omitempty"`
	NeedsInsights bool   `json:"needs_insights,omitempty"`
}

// handleChatWS streams chat answers over a websocket. The client sends
// {"query": ...} frames; each answer arrives as delta frames closed by a
// done frame. One question at a time per connection.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	uid := userID(r)
	uploadID := chi.URLParam(r, "uploadID")

	for {
		var q wsQuery
		if err := conn.ReadJSON(&q); err != nil {
			return // client closed
		}
		if q.Query == "" {
			_ = conn.WriteJSON(wsFrame{Error: "query is required", Done: true})
			continue
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.LLM.ChatTimeout)
		s.streamAnswer(ctx, conn, uid, uploadID, q.Query)
		cancel()
	}
}

func (s *Server) streamAnswer(ctx context.Context, conn *websocket.Conn, uid, uploadID, query string) {
	for delta, err := range s.orch.AnswerChatStream(ctx, uid, uploadID, query) {
		if err != nil {
			_ = conn.WriteJSON(wsFrame{Error: err.Error(), Done: true})
			return
		}
		if delta == orchestrator.NeedsInsights {
			_ = conn.WriteJSON(wsFrame{NeedsInsights: true, Done: true})
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(wsFrame{Delta: delta}); err != nil {
			return
		}
	}
	_ = conn.WriteJSON(wsFrame{Done: true})
}
