package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/marcus/foreman/internal/aggregate"
	"github.com/marcus/foreman/internal/breaker"
	"github.com/marcus/foreman/internal/coordinator"
	"github.com/marcus/foreman/internal/logging"
	"github.com/marcus/foreman/internal/roster"
	"github.com/marcus/foreman/internal/task"
)

// Server dispatches JSON-RPC methods to the coordinator. The same server
// instance backs every transport, so stdio and HTTP agents see one
// consistent state.
type Server struct {
	coord  *coordinator.Coordinator
	logger *logging.Logger
	hub    *Hub
	token  string

	mu     sync.Mutex
	notify func(method string, params any)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithAuthToken sets the bearer token required on the HTTP transport.
func WithAuthToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// New creates a Server over the coordinator.
func New(coord *coordinator.Coordinator, opts ...Option) *Server {
	s := &Server{
		coord: coord,
		hub:   NewHub(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Component("server")
	}
	return s
}

// Hub returns the event fan-out, for wiring into HTTP muxes.
func (s *Server) Hub() *Hub { return s.hub }

// Publish forwards a coordinator event to every live transport: SSE
// clients get an event frame, a connected stdio client gets an "event"
// notification.
func (s *Server) Publish(e coordinator.Event) {
	payload := eventPayload(e)
	s.hub.Publish(payload)

	s.mu.Lock()
	n := s.notify
	s.mu.Unlock()
	if n != nil {
		n("event", payload)
	}
}

// EventPayload is the wire form of a coordinator event.
type EventPayload struct {
	Type        string    `json:"type"`
	Time        time.Time `json:"time"`
	TaskID      int64     `json:"task_id,omitempty"`
	TaskCode    string    `json:"task_code,omitempty"`
	Agent       string    `json:"agent,omitempty"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	FailureType string    `json:"failure_type,omitempty"`
	Action      string    `json:"action,omitempty"`
	Message     string    `json:"message,omitempty"`
}

func eventPayload(e coordinator.Event) EventPayload {
	return EventPayload{
		Type:        e.Type.String(),
		Time:        e.Time,
		TaskID:      e.TaskID,
		TaskCode:    e.TaskCode,
		Agent:       e.Agent,
		From:        string(e.From),
		To:          string(e.To),
		FailureType: string(e.FailureType),
		Action:      string(e.Action),
		Message:     e.Message,
	}
}

// serveRequest runs one request and builds its response. Notifications
// (no ID) produce a nil response.
func (s *Server) serveRequest(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, &Error{Code: InvalidRequest, Message: "jsonrpc must be \"2.0\""})
	}

	result, rpcErr := s.handle(ctx, req.Method, req.Params)
	if req.ID == nil {
		return nil
	}
	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}
	return resultResponse(req.ID, result)
}

// handle dispatches a method and maps failures onto wire errors.
func (s *Server) handle(ctx context.Context, method string, params json.RawMessage) (any, *Error) {
	result, err := s.dispatch(ctx, method, params)
	if err == nil {
		return result, nil
	}

	if rpcErr, ok := err.(*Error); ok {
		return nil, rpcErr
	}

	wire := wireError(err)
	if wire.Code == InternalError {
		s.logger.ErrorCtx("method failed", map[string]any{
			"method": method,
			"error":  err.Error(),
		})
	}
	return nil, wire
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "create_task":
		var p coordinator.CreateTaskParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.coord.CreateTask(ctx, p)

	case "get_task":
		var p taskRefParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.Code != "" {
			return s.coord.GetTaskByCode(ctx, p.Code)
		}
		return s.coord.GetTask(ctx, p.TaskID)

	case "list_tasks":
		var p listTasksParams
		if err := unmarshalOptionalParams(params, &p); err != nil {
			return nil, err
		}
		return s.coord.ListTasks(ctx, task.State(p.State))

	case "discover_work":
		var p discoverParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.coord.DiscoverWork(ctx, p.Agent, p.Capabilities, p.MaxTasks)

	case "claim_task":
		var p ownershipParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.coord.ClaimTask(ctx, p.TaskID, p.Agent)

	case "release_task":
		var p ownershipParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.coord.ReleaseTask(ctx, p.TaskID, p.Agent)

	case "set_state":
		var p setStateParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.coord.SetState(ctx, p.TaskID, task.State(p.State))

	case "archive":
		var p taskRefParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.coord.Archive(ctx, p.TaskID)

	case "requeue":
		var p authorizeParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.coord.Requeue(ctx, p.TaskID, p.AuthorizedBy)

	case "record_failure":
		var p failureParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		out, err := s.coord.RecordFailure(ctx, p.TaskID, breaker.FailureType(p.FailureType))
		if err != nil {
			return nil, err
		}
		return newOutcomePayload(out), nil

	case "record_success":
		var p taskRefParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.coord.RecordSuccess(ctx, p.TaskID)

	case "try_reset":
		var p authorizeParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.coord.TryReset(ctx, p.TaskID, p.AuthorizedBy); err != nil {
			return nil, err
		}
		return map[string]bool{"reset": true}, nil

	case "register_agent":
		var p roster.Registration
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.coord.RegisterAgent(ctx, p)

	case "heartbeat":
		var p agentParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.coord.Heartbeat(ctx, p.Name)

	case "list_agents":
		return s.coord.ListAgents(ctx)

	case "record_artifact":
		var p artifactParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.coord.RecordArtifact(ctx, p.TaskCode, p.Path, p.Kind, p.Agent)

	case "list_artifacts":
		var p artifactParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.coord.ListArtifacts(ctx, p.TaskCode)

	case "get_shared_aggregate":
		var p aggregateParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		rec, err := s.coord.GetAggregate(ctx, p.Key)
		if err != nil {
			return nil, err
		}
		return newAggregatePayload(rec), nil

	case "upsert_shared_aggregate":
		var p aggregateParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		rec, err := s.coord.PutAggregate(ctx, p.Key, p.Body, p.ExpectVersion)
		if err != nil {
			return nil, err
		}
		return newAggregatePayload(rec), nil

	case "status":
		return s.coord.Status(ctx)

	default:
		return nil, &Error{Code: MethodNotFound, Message: fmt.Sprintf("unknown method %q", method)}
	}
}

type taskRefParams struct {
	TaskID int64  `json:"task_id,omitempty"`
	Code   string `json:"code,omitempty"`
}

type listTasksParams struct {
	State string `json:"state,omitempty"`
}

type discoverParams struct {
	Agent        string   `json:"agent"`
	Capabilities []string `json:"capabilities,omitempty"`
	MaxTasks     int      `json:"max_tasks,omitempty"`
}

type ownershipParams struct {
	TaskID int64  `json:"task_id"`
	Agent  string `json:"agent"`
}

type setStateParams struct {
	TaskID int64  `json:"task_id"`
	State  string `json:"state"`
}

type authorizeParams struct {
	TaskID       int64  `json:"task_id"`
	AuthorizedBy string `json:"authorized_by,omitempty"`
}

type failureParams struct {
	TaskID      int64  `json:"task_id"`
	FailureType string `json:"failure_type"`
}

type agentParams struct {
	Name string `json:"name"`
}

type artifactParams struct {
	TaskCode string `json:"task_code"`
	Path     string `json:"path,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Agent    string `json:"agent,omitempty"`
}

type aggregateParams struct {
	Key           string          `json:"key"`
	Body          json.RawMessage `json:"body,omitempty"`
	ExpectVersion int64           `json:"expect_version,omitempty"`
}

// outcomePayload is the wire form of a breaker verdict. Delay travels as
// a duration string so agents do not have to know Go's nanosecond ints.
type outcomePayload struct {
	Action     string     `json:"action"`
	Delay      string     `json:"delay,omitempty"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
	Suggestion string     `json:"suggestion,omitempty"`
	Count      int        `json:"count"`
	State      string     `json:"breaker_state"`
}

func newOutcomePayload(out *breaker.Outcome) outcomePayload {
	p := outcomePayload{
		Action:     string(out.Action),
		Suggestion: out.Suggestion,
		Count:      out.Count,
		State:      out.State.String(),
	}
	if out.Delay > 0 {
		p.Delay = out.Delay.String()
	}
	if !out.RetryAfter.IsZero() {
		t := out.RetryAfter
		p.RetryAfter = &t
	}
	return p
}

// aggregatePayload is the wire form of a shared aggregate: the body rides
// as raw JSON instead of base64 bytes.
type aggregatePayload struct {
	Key       string          `json:"key"`
	Body      json.RawMessage `json:"body"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func newAggregatePayload(rec *aggregate.Record) aggregatePayload {
	return aggregatePayload{
		Key:       rec.Key,
		Body:      json.RawMessage(rec.Body),
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt,
	}
}

func unmarshalParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return &Error{Code: InvalidParams, Message: "params required"}
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &Error{Code: InvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

func unmarshalOptionalParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &Error{Code: InvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}
