package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/movebroker/movebroker/pkg/broker"
)

// wsMaxInFlight bounds concurrent evaluations per websocket connection.
const wsMaxInFlight = 8

// wsReply answers one websocket request. Exactly one of the result and
// error groups is set.
type wsReply struct {
	ID         string   `json:"id,omitempty"`
	Move       string   `json:"move,omitempty"`
	Evaluation *float64 `json:"evaluation,omitempty"`
	Mate       bool     `json:"mate,omitempty"`

	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

// handleWebSocket evaluates one JSON request per text message. Replies
// carry the request's id and may arrive out of order.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.cfg.AllowedOrigins,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if s.cfg.MaxBodyBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxBodyBytes)
	}

	rid := RequestIDFrom(r.Context())
	log := s.log.With("request_id", rid, "remote", r.RemoteAddr)
	log.Info("websocket connected")

	ctx := r.Context()
	var g errgroup.Group
	g.SetLimit(wsMaxInFlight)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				log.Debug("websocket read ended", "error", err)
			}
			break
		}
		if typ != websocket.MessageText {
			_ = wsjson.Write(ctx, conn, wsReply{Error: broker.CodeInvalidRequest, Message: "expected a text message"})
			continue
		}

		g.Go(func() error {
			reply := s.evaluateMessage(ctx, data)
			if err := wsjson.Write(ctx, conn, reply); err != nil {
				log.Debug("websocket write failed", "error", err)
			}
			return nil
		})
	}

	_ = g.Wait()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	log.Info("websocket disconnected")
}

func (s *Server) evaluateMessage(ctx context.Context, data []byte) wsReply {
	mr, req, invalid := decodeMove(s.wsSchema, data)
	if invalid != nil {
		// Echo whatever id the client sent so it can match the error.
		_ = json.Unmarshal(data, &mr)
		return wsReply{ID: mr.ID, Error: broker.CodeInvalidRequest, Message: invalid.Summary(), Details: invalid.Errors}
	}

	res, err := s.broker.Evaluate(ctx, req)
	if err != nil {
		reply := wsReply{ID: mr.ID, Error: broker.Code(err), Message: err.Error()}
		var fe *broker.FieldError
		if errors.As(err, &fe) {
			reply.Details = []*broker.FieldError{fe}
		}
		return reply
	}
	score := res.Score
	return wsReply{ID: mr.ID, Move: res.Move, Evaluation: &score, Mate: res.Mate}
}
