package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/marcus/foreman/internal/aggregate"
	"github.com/marcus/foreman/internal/coordinator"
	"github.com/marcus/foreman/internal/db"
	"github.com/marcus/foreman/internal/roster"
	"github.com/marcus/foreman/internal/task"
)

type rig struct {
	srv   *Server
	coord *coordinator.Coordinator
}

func newTestServer(t *testing.T, opts ...Option) *rig {
	t.Helper()

	d, err := db.Open(filepath.Join(t.TempDir(), "foreman.db"))
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	var srv *Server
	mut := aggregate.NewMutator(aggregate.NewStore(d.SQL()))
	coord := coordinator.New(
		coordinator.WithStore(task.NewStore(d.SQL())),
		coordinator.WithRoster(roster.New(mut)),
		coordinator.WithLedger(aggregate.NewLedger(mut)),
		coordinator.WithMutator(mut),
		coordinator.WithEventHandler(func(e coordinator.Event) {
			if srv != nil {
				srv.Publish(e)
			}
		}),
	)
	srv = New(coord, opts...)
	return &rig{srv: srv, coord: coord}
}

func call(t *testing.T, s *Server, method string, params any) *Response {
	t.Helper()

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshaling params: %v", err)
		}
		raw = b
	}
	resp := s.serveRequest(context.Background(), &Request{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  raw,
	})
	if resp == nil {
		t.Fatalf("no response for %s", method)
	}
	return resp
}

func decodeResult(t *testing.T, resp *Response, out any) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	b, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("marshaling result: %v", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		t.Fatalf("unmarshaling result: %v", err)
	}
}

func TestDispatchLifecycle(t *testing.T) {
	r := newTestServer(t)

	var created task.Task
	decodeResult(t, call(t, r.srv, "create_task", map[string]any{
		"code":                  "FRM-1",
		"name":                  "wire the transport",
		"priority_score":        5.0,
		"required_capabilities": []string{"go"},
	}), &created)
	if created.ID == 0 || created.State != task.StateCreated {
		t.Fatalf("created = %+v", created)
	}

	var byCode task.Task
	decodeResult(t, call(t, r.srv, "get_task", map[string]any{"code": "FRM-1"}), &byCode)
	if byCode.ID != created.ID {
		t.Errorf("get_task by code = %+v", byCode)
	}

	var reg roster.Registration
	decodeResult(t, call(t, r.srv, "register_agent", map[string]any{
		"name":         "agent-a",
		"capabilities": []string{"go"},
	}), &reg)
	if reg.SessionID == "" || reg.MaxConcurrent == 0 {
		t.Errorf("registration = %+v", reg)
	}

	var found []struct {
		Task              task.Task `json:"task"`
		EffectivePriority float64   `json:"effective_priority"`
	}
	decodeResult(t, call(t, r.srv, "discover_work", map[string]any{"agent": "agent-a"}), &found)
	if len(found) != 1 || found[0].Task.ID != created.ID {
		t.Fatalf("discovered = %+v", found)
	}

	var claimed task.Task
	decodeResult(t, call(t, r.srv, "claim_task", map[string]any{
		"task_id": created.ID,
		"agent":   "agent-a",
	}), &claimed)
	if claimed.Owner != "agent-a" || claimed.State != task.StateInProgress {
		t.Fatalf("claimed = %+v", claimed)
	}

	var done task.Task
	decodeResult(t, call(t, r.srv, "set_state", map[string]any{
		"task_id": created.ID,
		"state":   "done",
	}), &done)
	if done.State != task.StateDone || done.DoneAt == nil {
		t.Fatalf("done = %+v", done)
	}

	decodeResult(t, call(t, r.srv, "record_success", map[string]any{"task_id": created.ID}), &done)
	if done.FailureCount != 0 {
		t.Errorf("failure_count = %d after success", done.FailureCount)
	}

	var archived task.Task
	decodeResult(t, call(t, r.srv, "archive", map[string]any{"task_id": created.ID}), &archived)
	if archived.State != task.StateArchived {
		t.Errorf("archived = %+v", archived)
	}

	var agents []coordinator.AgentStatus
	decodeResult(t, call(t, r.srv, "list_agents", nil), &agents)
	if len(agents) != 1 || agents[0].Name != "agent-a" {
		t.Errorf("agents = %+v", agents)
	}
}

func TestErrorCodes(t *testing.T) {
	r := newTestServer(t)

	var seeded task.Task
	decodeResult(t, call(t, r.srv, "create_task", map[string]any{
		"code": "FRM-1", "name": "seed", "priority_score": 1,
	}), &seeded)
	decodeResult(t, call(t, r.srv, "claim_task", map[string]any{
		"task_id": seeded.ID, "agent": "agent-a",
	}), &task.Task{})

	tests := []struct {
		name   string
		method string
		params any
		code   int
	}{
		{"unknown method", "open_pod_bay_doors", map[string]any{}, MethodNotFound},
		{"missing params", "claim_task", nil, InvalidParams},
		{"unknown task", "get_task", map[string]any{"task_id": 999}, CodeNotFound},
		{"unknown agent heartbeat", "heartbeat", map[string]any{"name": "ghost"}, CodeNotFound},
		{"invalid create", "create_task", map[string]any{"name": "no code"}, CodeValidation},
		{"bad failure type", "record_failure", map[string]any{"task_id": seeded.ID, "failure_type": "bad_moon"}, CodeValidation},
		{"invalid transition", "set_state", map[string]any{"task_id": seeded.ID, "state": "archived"}, CodeInvalidTransition},
		{"already claimed", "claim_task", map[string]any{"task_id": seeded.ID, "agent": "agent-b"}, CodeAlreadyClaimed},
		{"not owned", "release_task", map[string]any{"task_id": seeded.ID, "agent": "agent-b"}, CodeNotOwned},
		{"duplicate code", "create_task", map[string]any{"code": "FRM-1", "name": "dup"}, CodeConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, r.srv, tt.method, tt.params)
			if resp.Error == nil {
				t.Fatalf("expected error, got result %+v", resp.Result)
			}
			if resp.Error.Code != tt.code {
				t.Errorf("code = %d, want %d (%s)", resp.Error.Code, tt.code, resp.Error.Message)
			}
		})
	}
}

func TestWrongVersionRejected(t *testing.T) {
	r := newTestServer(t)

	resp := r.srv.serveRequest(context.Background(), &Request{JSONRPC: "1.0", ID: 1, Method: "status"})
	if resp == nil || resp.Error == nil || resp.Error.Code != InvalidRequest {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestNotificationGetsNoResponse(t *testing.T) {
	r := newTestServer(t)

	resp := r.srv.serveRequest(context.Background(), &Request{
		JSONRPC: "2.0",
		Method:  "heartbeat",
		Params:  json.RawMessage(`{"name":"ghost"}`),
	})
	if resp != nil {
		t.Fatalf("notifications must not produce responses, got %+v", resp)
	}
}

func TestRecordFailurePayload(t *testing.T) {
	r := newTestServer(t)

	var seeded task.Task
	decodeResult(t, call(t, r.srv, "create_task", map[string]any{
		"code": "FRM-1", "name": "seed",
	}), &seeded)
	decodeResult(t, call(t, r.srv, "claim_task", map[string]any{
		"task_id": seeded.ID, "agent": "agent-a",
	}), &task.Task{})

	var out struct {
		Action string `json:"action"`
		Delay  string `json:"delay"`
		Count  int    `json:"count"`
		State  string `json:"breaker_state"`
	}
	decodeResult(t, call(t, r.srv, "record_failure", map[string]any{
		"task_id":      seeded.ID,
		"failure_type": "context_overflow",
	}), &out)

	if out.Action != "retry" || out.Delay != "30s" || out.Count != 1 {
		t.Errorf("outcome = %+v", out)
	}
}

func TestAggregateRoundTrip(t *testing.T) {
	r := newTestServer(t)

	var rec aggregatePayload
	decodeResult(t, call(t, r.srv, "upsert_shared_aggregate", map[string]any{
		"key":  "leaderboard",
		"body": map[string]int{"agent-a": 1},
	}), &rec)
	if rec.Version != 1 {
		t.Fatalf("version = %d, want 1", rec.Version)
	}

	var got aggregatePayload
	decodeResult(t, call(t, r.srv, "get_shared_aggregate", map[string]any{"key": "leaderboard"}), &got)
	var body map[string]int
	if err := json.Unmarshal(got.Body, &body); err != nil {
		t.Fatalf("unmarshaling body: %v", err)
	}
	if body["agent-a"] != 1 {
		t.Errorf("body = %s", got.Body)
	}

	decodeResult(t, call(t, r.srv, "upsert_shared_aggregate", map[string]any{
		"key":            "leaderboard",
		"body":           map[string]int{"agent-a": 2},
		"expect_version": 1,
	}), &rec)
	if rec.Version != 2 {
		t.Fatalf("version = %d, want 2", rec.Version)
	}

	// A stale expected version is the caller's cue to re-read and retry.
	resp := call(t, r.srv, "upsert_shared_aggregate", map[string]any{
		"key":            "leaderboard",
		"body":           map[string]int{"agent-a": 3},
		"expect_version": 1,
	})
	if resp.Error == nil || resp.Error.Code != CodeConflict {
		t.Fatalf("resp = %+v, want conflict", resp)
	}

	resp = call(t, r.srv, "get_shared_aggregate", map[string]any{"key": "missing"})
	if resp.Error == nil || resp.Error.Code != CodeNotFound {
		t.Fatalf("resp = %+v, want not found", resp)
	}
}

func TestArtifactsOverWire(t *testing.T) {
	r := newTestServer(t)

	decodeResult(t, call(t, r.srv, "create_task", map[string]any{
		"code": "FRM-1", "name": "seed",
	}), &task.Task{})

	var artifacts []aggregate.Artifact
	decodeResult(t, call(t, r.srv, "record_artifact", map[string]any{
		"task_code": "FRM-1",
		"path":      "out/report.md",
		"kind":      "document",
		"agent":     "agent-a",
	}), &artifacts)
	if len(artifacts) != 1 || artifacts[0].Path != "out/report.md" {
		t.Errorf("artifacts = %+v", artifacts)
	}

	decodeResult(t, call(t, r.srv, "list_artifacts", map[string]any{"task_code": "FRM-1"}), &artifacts)
	if len(artifacts) != 1 {
		t.Errorf("listed = %+v", artifacts)
	}
}

func TestStatusOverWire(t *testing.T) {
	r := newTestServer(t)

	decodeResult(t, call(t, r.srv, "create_task", map[string]any{
		"code": "FRM-1", "name": "seed",
	}), &task.Task{})

	var st coordinator.Status
	decodeResult(t, call(t, r.srv, "status", nil), &st)
	if st.Counts[task.StateCreated] != 1 {
		t.Errorf("counts = %+v", st.Counts)
	}
}
