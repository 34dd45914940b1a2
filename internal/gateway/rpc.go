package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskd/internal/audit"
	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/config"
	otelPkg "github.com/basket/taskd/internal/otel"
	"github.com/basket/taskd/internal/registry"
	"github.com/basket/taskd/internal/shared"
)

// JSON-RPC 2.0 protocol error codes.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

// Application error codes reuse the registry codes (403, 404, 500) so REST
// and JSON-RPC clients see the same numbers.

type client struct {
	conn      *websocket.Conn
	principal string
	mu        sync.Mutex

	subMu     sync.Mutex
	busSub    *bus.Subscription
	busCancel context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      any         `json:"id,omitempty"`
	Result  any         `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	Method  string      `json:"method,omitempty"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

type taskIDParams struct {
	ID *uint64 `json:"id"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	if s.cfg.MaxBodyBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxBodyBytes)
	}
	ctx := r.Context()
	c := &client{conn: conn, principal: shared.Principal(ctx)}
	s.addClient(c)
	s.logger.Info("ws: client connected", "principal", c.principal)
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnected", "principal", c.principal)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Warn("ws: read error, closing", "error", err)
			}
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = c.write(ctx, &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: ErrCodeParse, Message: "parse error"}})
			continue
		}
		resp := s.handleRPC(ctx, c, req)
		if resp == nil {
			continue
		}
		if err := c.write(ctx, resp); err != nil {
			s.logger.Error("ws: write response error", "method", req.Method, "error", err)
			return
		}
	}
}

// requiredScope returns the key scope a method needs.
func requiredScope(method string) string {
	switch method {
	case "task.create", "task.complete":
		return config.ScopeWrite
	case "task.get", "task.list", "task.subscribe", "task.unsubscribe":
		return config.ScopeRead
	default:
		return ""
	}
}

// handleRPC dispatches one request. Notifications (no id) get no response.
func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := otelPkg.StartServerSpan(ctx, s.tracer, "rpc "+req.Method,
		otelPkg.AttrRPCMethod.String(req.Method),
		otelPkg.AttrCaller.String(c.principal),
	)
	defer span.End()

	if scope := requiredScope(req.Method); scope != "" && !allowsScope(ctx, scope) {
		audit.Record(ctx, audit.Deny, scope, audit.NoTask, c.principal, "missing_scope")
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: registry.CodeForbidden, Message: errScope.Error() + ": " + scope, Reason: "missing_scope"},
		}
	}

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "task.create":
		p, err := s.validator.decodeCreate(req.Params)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalidParams, Message: err.Error()}
			break
		}
		task, err := s.createTask(ctx, p)
		if err != nil {
			rpcErr = registryRPCError(err)
			break
		}
		result = task
	case "task.complete", "task.get":
		taskID, err := decodeTaskID(req.Params)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalidParams, Message: err.Error()}
			break
		}
		var task taskView
		if req.Method == "task.complete" {
			task, err = s.completeTask(ctx, taskID)
		} else {
			task, err = s.getTask(taskID)
		}
		if err != nil {
			rpcErr = registryRPCError(err)
			break
		}
		result = task
	case "task.list":
		result = s.listTasks(ctx)
	case "task.subscribe":
		if s.cfg.Bus == nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: "event bus unavailable"}
			break
		}
		s.subscribeClient(c)
		result = map[string]any{"subscribed": true}
	case "task.unsubscribe":
		s.unsubscribeClient(c)
		result = map[string]any{"subscribed": false}
	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: "method not found: " + req.Method}
	}

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func registryRPCError(err error) *rpcError {
	code := registry.Code(err)
	if code == 0 {
		code = ErrCodeInternal
	}
	return &rpcError{Code: code, Message: err.Error(), Reason: registry.Reason(err)}
}

func decodeTaskID(raw json.RawMessage) (registry.TaskID, error) {
	var p taskIDParams
	if len(raw) == 0 {
		return 0, errors.New("params.id is required")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0, errors.New("params.id must be a non-negative integer")
	}
	if p.ID == nil {
		return 0, errors.New("params.id is required")
	}
	return registry.TaskID(*p.ID), nil
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	if generic == nil {
		return nil, false
	}
	return generic, true
}

// subscribeClient starts forwarding task events that concern the client's
// principal. Repeated calls are no-ops.
func (s *Server) subscribeClient(c *client) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.busSub != nil {
		return
	}
	c.busSub = s.cfg.Bus.Subscribe("task.")
	var busCtx context.Context
	busCtx, c.busCancel = context.WithCancel(context.Background())
	go s.forwardBusEvents(busCtx, c, c.busSub)
}

func (s *Server) unsubscribeClient(c *client) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.busCancel != nil {
		c.busCancel()
		c.busCancel = nil
	}
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.busSub = nil
}

func (s *Server) forwardBusEvents(ctx context.Context, c *client, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !concerns(ev.Payload, c.principal) {
				continue
			}
			writeCtx, cancel := ctxWithTimeout(ctx)
			err := c.write(writeCtx, rpcResponse{
				JSONRPC: "2.0",
				Method:  "task.event",
				Params: map[string]any{
					"topic": ev.Topic,
					"event": ev.Payload,
				},
			})
			cancel()
			if err != nil {
				s.logger.Warn("ws: event forward failed", "topic", ev.Topic, "error", err)
			}
		}
	}
}

// concerns reports whether a task event belongs to principal: events about
// tasks it created, and refusals of its own calls.
func concerns(payload any, principal string) bool {
	switch p := payload.(type) {
	case bus.TaskCreatedEvent:
		return p.Creator == principal
	case bus.TaskCompletedEvent:
		return p.Creator == principal
	case bus.TaskOverdueEvent:
		return p.Creator == principal
	case bus.TaskRejectedEvent:
		return p.Caller == principal
	default:
		return false
	}
}

func (s *Server) broadcast(method string, params interface{}) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	s.logger.Info("ws: broadcast", "method", method, "clients", len(s.clients))
	for c := range s.clients {
		ctx, cancel := ctxWithTimeout(context.Background())
		if err := c.write(ctx, rpcResponse{
			JSONRPC: "2.0",
			Method:  method,
			Params:  params,
		}); err != nil {
			s.logger.Warn("ws: broadcast write error", "method", method, "error", err)
		}
		cancel()
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.unsubscribeClient(c)

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}
