// Package dispatch routes validated IPC commands to their handlers.
//
// Every request passes through the gateway first; a handler runs only when
// the decision is Allow.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/txn2/ipc-gateway/pkg/gateway"
	"github.com/txn2/ipc-gateway/pkg/policy"
)

// slogKeyError is the slog attribute key for error values.
const slogKeyError = "error"

// Error messages returned to the caller. Handler errors are never echoed.
const (
	msgNotImplemented = "command not implemented"
	msgCommandFailed  = "command failed"
	msgBadRequest     = "malformed request"
)

// Validator decides whether a call may proceed. *gateway.Gateway implements it.
type Validator interface {
	Validate(ctx context.Context, sessionID, command string, payload json.RawMessage) gateway.Decision
}

// Resolver maps a command name or alias to its rule. *policy.Table implements it.
type Resolver interface {
	Lookup(name string) (policy.Rule, bool)
}

// Call is the context a handler runs with.
type Call struct {
	RequestID string
	SessionID string
	Command   string
	Payload   json.RawMessage
}

// HandlerFunc runs an allowed command and returns a JSON-encodable result.
type HandlerFunc func(ctx context.Context, call Call) (any, error)

// Request is one inbound call.
type Request struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Command   string          `json:"command"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Response is the reply to one Request.
type Response struct {
	ID           string          `json:"id"`
	Decision     string          `json:"decision"`
	Message      string          `json:"message,omitempty"`
	RetryAfterMS int64           `json:"retry_after_ms,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Dispatcher validates requests and invokes registered handlers. It is safe
// for concurrent use.
type Dispatcher struct {
	validator Validator
	resolver  Resolver

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// New creates a Dispatcher. Handlers are keyed by canonical command name;
// aliases are resolved through resolver.
func New(validator Validator, resolver Resolver) (*Dispatcher, error) {
	if validator == nil {
		return nil, errors.New("validator is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	return &Dispatcher{
		validator: validator,
		resolver:  resolver,
		handlers:  make(map[string]HandlerFunc),
	}, nil
}

// Register binds a handler to a command. The command must exist in the rule
// table under its canonical name.
func (d *Dispatcher) Register(command string, h HandlerFunc) error {
	rule, ok := d.resolver.Lookup(command)
	if !ok {
		return fmt.Errorf("registering %s: %w", command, policy.ErrUnknownCommand)
	}
	if rule.Name != command {
		return fmt.Errorf("registering %s: use canonical name %s", command, rule.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[command]; exists {
		return fmt.Errorf("registering %s: handler already registered", command)
	}
	d.handlers[command] = h
	return nil
}

// Commands returns the number of registered handlers.
func (d *Dispatcher) Commands() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

func (d *Dispatcher) handler(command string) (HandlerFunc, bool) {
	rule, ok := d.resolver.Lookup(command)
	if !ok {
		return nil, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[rule.Name]
	return h, ok
}

// Dispatch validates req and, when allowed, runs its handler. A missing
// request ID is replaced with a generated one.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	decision := d.validator.Validate(ctx, req.SessionID, req.Command, req.Payload)
	resp := Response{
		ID:       req.ID,
		Decision: decision.Kind.String(),
	}
	if !decision.Allowed() {
		resp.Message = decision.PublicMessage()
		resp.RetryAfterMS = decision.RetryAfter.Milliseconds()
		return resp
	}

	h, ok := d.handler(req.Command)
	if !ok {
		resp.Error = msgNotImplemented
		return resp
	}

	result, err := h(ctx, Call{
		RequestID: req.ID,
		SessionID: req.SessionID,
		Command:   req.Command,
		Payload:   req.Payload,
	})
	if err != nil {
		slog.Warn("command handler failed",
			"request_id", req.ID, "command", req.Command, slogKeyError, err)
		resp.Error = msgCommandFailed
		return resp
	}

	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			slog.Error("encoding command result failed",
				"request_id", req.ID, "command", req.Command, slogKeyError, err)
			resp.Error = msgCommandFailed
			return resp
		}
		resp.Result = raw
	}
	return resp
}
