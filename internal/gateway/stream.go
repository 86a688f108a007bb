package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/kingrea/concord/internal/events"
)

// StreamMessage is the JSON frame exchanged on the event stream.
type StreamMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type streamReply struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type heartbeatPayload struct {
	AgentID string `json:"agent_id"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream forwards bus events to the client as {"type":"event"} frames.
// Agents may also heartbeat over the same connection. The optional types
// query parameter is a comma separated list of event types to receive.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Code: "stream_disabled", Error: "event stream is not enabled"})
		return
	}
	sub := s.source.Subscribe(parseTypes(r.URL.Query().Get("types"))...)
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("gateway: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	replies := make(chan streamReply, 8)
	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg streamReply
			select {
			case <-done:
				return
			case <-r.Context().Done():
				return
			case reply := <-replies:
				msg = reply
			case event, ok := <-sub.Events:
				if !ok {
					return
				}
				msg = streamReply{Type: "event", Payload: event}
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Printf("gateway: websocket write error: %v", err)
				return
			}
		}
	}()

	replies <- streamReply{Type: "ready", Payload: map[string]int{"version": ProtocolVersion}}
	s.readStream(conn, replies, writerDone)
	close(done)
	<-writerDone
}

func (s *Server) readStream(conn *websocket.Conn, replies chan<- streamReply, writerDone <-chan struct{}) {
	send := func(reply streamReply) bool {
		select {
		case replies <- reply:
			return true
		case <-writerDone:
			return false
		}
	}
	for {
		var msg StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Printf("gateway: websocket read error: %v", err)
			}
			return
		}
		var reply streamReply
		switch msg.Type {
		case "heartbeat":
			var payload heartbeatPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.AgentID == "" {
				reply = errorReply("invalid heartbeat payload")
				break
			}
			if err := s.svc.Heartbeat(payload.AgentID); err != nil {
				_, code := classify(err)
				reply = streamReply{Type: "error", Payload: errorBody{Code: code, Error: err.Error()}}
				break
			}
			reply = streamReply{Type: "heartbeat_ack", Payload: map[string]string{"agent_id": payload.AgentID}}
		default:
			reply = errorReply("unknown message type: " + msg.Type)
		}
		if !send(reply) {
			return
		}
	}
}

func errorReply(message string) streamReply {
	return streamReply{Type: "error", Payload: errorBody{Code: "bad_request", Error: message}}
}

func parseTypes(raw string) []events.Type {
	var types []events.Type
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			types = append(types, events.Type(part))
		}
	}
	return types
}
