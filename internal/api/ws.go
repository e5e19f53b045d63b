package api

import (
	"encoding/json"
	"net/http"

	"PromptLoom/internal/exchange"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsFrame is the response for one websocket exchange: either a completion or
// an error, never both.
type wsFrame struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Completion     string `json:"completion,omitempty"`
	Error          string `json:"error,omitempty"`
	Kind           string `json:"kind,omitempty"`
}

// handleWebSocket carries the same request/response JSON as POST /prompt,
// one exchange per frame. There is no token streaming; each frame holds a
// complete exchange.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("websocket session opened", "remote", conn.RemoteAddr().String())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var req PromptRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if writeErr := conn.WriteJSON(wsFrame{Error: "invalid JSON frame", Kind: "invalid_request"}); writeErr != nil {
				return
			}
			continue
		}

		res, err := s.coordinator.Execute(r.Context(), req.ConversationID, exchange.Request{
			Template:  req.TemplateName,
			Variables: req.Variables,
			RawPrompt: req.Prompt,
		})

		var frame wsFrame
		if err != nil {
			_, kind := classify(err)
			frame = wsFrame{Error: err.Error(), Kind: kind}
		} else {
			frame = wsFrame{ConversationID: res.ConversationID, Completion: res.Completion}
		}

		if err := conn.WriteJSON(frame); err != nil {
			s.logger.Warn("websocket write failed", "error", err)
			return
		}
	}
}
