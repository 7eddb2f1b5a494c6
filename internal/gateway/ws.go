package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/colldesk/internal/bus"
	"github.com/basket/colldesk/internal/session"
)

const (
	errCodeParse          = -32700
	errCodeInvalidRequest = -32600
	errCodeMethodNotFound = -32601
	errCodeInternal       = -32603

	errCodeInvalid = 1000

	maxReplayEventsPerRequest = 500
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex

	sessMu sync.Mutex
	sess   *session.Session
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) setSession(s *session.Session) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	c.sess = s
}

func (c *client) session() *session.Session {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.sess
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library;
		// cross-origin needs an explicit allowlist entry.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected")
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveSessions.Add(r.Context(), 1)
	}
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			// Disconnect. The agent's claim stays put; only lease expiry or
			// an explicit release clears ownership.
			return
		}
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{JSONRPC: "2.0", ID: id,
			Error: &rpcError{Code: errCodeInvalidRequest, Message: "invalid JSON-RPC request"}}
	}

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "session.hello":
		var p struct {
			AgentID string `json:"agent_id"`
			GroupID string `json:"group_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.AgentID == "" {
			rpcErr = &rpcError{Code: errCodeInvalid, Message: "agent_id is required"}
			break
		}
		agent, err := s.cfg.Store.Agent(ctx, p.AgentID)
		if err != nil {
			rpcErr = &rpcError{Code: errCodeInvalid, Message: "unknown agent"}
			break
		}
		groupID := p.GroupID
		if groupID == "" {
			groupID = agent.GroupID
		}
		if existing := c.session(); existing != nil {
			s.cfg.Sessions.Unregister(existing)
		}
		sess := s.cfg.Sessions.Register(context.Background(), p.AgentID, groupID, func(sig bus.Signal) {
			// Payload-free push: the client re-pulls the list the topic names.
			_ = c.write(context.Background(), rpcResponse{
				JSONRPC: "2.0",
				Method:  "signal",
				Params:  sig,
			})
		})
		c.setSession(sess)

		latest, err := s.cfg.Store.LatestEventID(ctx)
		if err != nil {
			s.cfg.Sessions.Unregister(sess)
			c.setSession(nil)
			rpcErr = &rpcError{Code: errCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{
			"session_id":      sess.ID,
			"agent_id":        p.AgentID,
			"group_id":        groupID,
			"latest_event_id": latest,
			"topics":          bus.Topics,
		}
	case "signal.subscribe":
		sess := c.session()
		if sess == nil {
			rpcErr = &rpcError{Code: errCodeInvalidRequest, Message: "session.hello required first"}
			break
		}
		var p struct {
			Topics []string `json:"topics"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = &rpcError{Code: errCodeInvalid, Message: "invalid params"}
			break
		}
		for _, t := range p.Topics {
			if !bus.ValidTopic(t) {
				rpcErr = &rpcError{Code: errCodeInvalid, Message: fmt.Sprintf("unknown topic %q", t)}
				break
			}
		}
		if rpcErr != nil {
			break
		}
		sess.SetTopics(p.Topics)
		result = map[string]any{"topics": p.Topics}
	case "session.group.set":
		sess := c.session()
		if sess == nil {
			rpcErr = &rpcError{Code: errCodeInvalidRequest, Message: "session.hello required first"}
			break
		}
		var p struct {
			GroupID string `json:"group_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.GroupID == "" {
			rpcErr = &rpcError{Code: errCodeInvalid, Message: "group_id is required"}
			break
		}
		sess.SetGroupID(p.GroupID)
		result = map[string]any{"group_id": p.GroupID}
	case "lease.renew":
		sess := c.session()
		if sess == nil {
			rpcErr = &rpcError{Code: errCodeInvalidRequest, Message: "session.hello required first"}
			break
		}
		var p struct {
			AccountID string `json:"account_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.AccountID == "" {
			rpcErr = &rpcError{Code: errCodeInvalid, Message: "account_id is required"}
			break
		}
		ok, err := s.cfg.Coordinator.RenewLease(ctx, p.AccountID, sess.AgentID)
		if err != nil {
			rpcErr = &rpcError{Code: errCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"renewed": ok}
	case "signal.replay":
		// Reconnecting clients catch up from the ledger before going live.
		var p struct {
			FromEventID int64 `json:"from_event_id"`
			Limit       int   `json:"limit"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = &rpcError{Code: errCodeInvalid, Message: "invalid params"}
			break
		}
		if p.Limit <= 0 || p.Limit > maxReplayEventsPerRequest {
			p.Limit = maxReplayEventsPerRequest
		}
		events, err := s.cfg.Store.ListClaimEventsFrom(ctx, p.FromEventID, p.Limit)
		if err != nil {
			rpcErr = &rpcError{Code: errCodeInternal, Message: err.Error()}
			break
		}
		latest, err := s.cfg.Store.LatestEventID(ctx)
		if err != nil {
			rpcErr = &rpcError{Code: errCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{
			"events":          events,
			"latest_event_id": latest,
		}
	default:
		rpcErr = &rpcError{Code: errCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	if sess := c.session(); sess != nil {
		s.cfg.Sessions.Unregister(sess)
		c.setSession(nil)
	}
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}
