package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/movebroker/movebroker/pkg/broker"
	"github.com/movebroker/movebroker/pkg/httputil"
	"github.com/movebroker/movebroker/pkg/protocol"
	"github.com/movebroker/movebroker/pkg/validation"
)

// moveRequest is the body of POST /move and of websocket messages.
type moveRequest struct {
	ID    string `json:"id,omitempty"`
	FEN   string `json:"fen"`
	Color string `json:"color"`
	Depth int    `json:"depth"`
}

// decodeMove validates body against schema and converts it.
func decodeMove(schema *validation.Validator, body []byte) (moveRequest, protocol.Request, *validation.Result) {
	if res := schema.Validate(body); !res.Valid {
		return moveRequest{}, protocol.Request{}, res
	}

	var mr moveRequest
	if err := json.Unmarshal(body, &mr); err != nil {
		res := &validation.Result{}
		res.AddError(validation.NewInvalidJSONError(err.Error()))
		return moveRequest{}, protocol.Request{}, res
	}
	color, err := protocol.ParseColor(mr.Color)
	if err != nil {
		res := &validation.Result{}
		res.AddError(&validation.FieldError{Field: "color", Code: validation.ErrCodeEnum, Message: err.Error()})
		return moveRequest{}, protocol.Request{}, res
	}
	return mr, protocol.Request{FEN: mr.FEN, Color: color, Depth: mr.Depth}, nil
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteMethodNotAllowed(w, http.MethodPost)
		return
	}

	body, err := httputil.ReadBody(w, r, s.cfg.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, broker.CodeInvalidRequest, err.Error())
			return
		}
		httputil.WriteBadRequest(w, broker.CodeInvalidRequest, err.Error())
		return
	}

	_, req, invalid := decodeMove(s.moveSchema, body)
	if invalid != nil {
		httputil.WriteErrorWithDetails(w, http.StatusBadRequest, broker.CodeInvalidRequest, invalid.Summary(), invalid.Errors)
		return
	}

	res, err := s.broker.Evaluate(r.Context(), req)
	if err != nil {
		writeEvalError(w, err)
		return
	}
	httputil.WriteOK(w, res)
}

// writeEvalError maps a broker error to its HTTP response. Engine trouble
// of any kind is a 500; the code tells the client which.
func writeEvalError(w http.ResponseWriter, err error) {
	code := broker.Code(err)
	if code == broker.CodeInvalidRequest {
		var fe *broker.FieldError
		if errors.As(err, &fe) {
			httputil.WriteErrorWithDetails(w, http.StatusBadRequest, code, fe.Error(), []*broker.FieldError{fe})
			return
		}
		httputil.WriteBadRequest(w, code, err.Error())
		return
	}
	httputil.WriteError(w, http.StatusInternalServerError, code, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteOK(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    s.Uptime().Round(time.Second).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	st := s.broker.Status()
	if !s.broker.Ready() {
		httputil.WriteErrorWithDetails(w, http.StatusServiceUnavailable, broker.CodeEngineUnavailable, "engine is not ready", st)
		return
	}
	httputil.WriteOK(w, map[string]any{"status": "ready", "engine": st})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteOK(w, s.broker.Status())
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	// The restart outlives an impatient client.
	timeout := s.cfg.WriteTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
	defer cancel()

	s.log.Info("engine restart requested", "request_id", RequestIDFrom(r.Context()), "remote", r.RemoteAddr)
	if err := s.broker.Restart(ctx); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, broker.Code(err), err.Error())
		return
	}
	httputil.WriteOK(w, s.broker.Status())
}
