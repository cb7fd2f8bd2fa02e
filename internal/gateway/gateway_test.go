package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/skillbus/internal/audit"
	"github.com/basket/skillbus/internal/bridge"
	"github.com/basket/skillbus/internal/bus"
	"github.com/basket/skillbus/internal/delegation"
	"github.com/basket/skillbus/internal/gateway"
	"github.com/basket/skillbus/internal/persistence"
	"github.com/basket/skillbus/internal/registry"
)

const testToken = "test-token-123"

type testEnv struct {
	store  *persistence.Store
	reg    *registry.Registry
	trail  *audit.Trail
	events *bus.Bus
	bus    *delegation.Bus
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	home := t.TempDir()
	events := bus.New()
	store, err := persistence.Open(filepath.Join(home, "skillbus.db"), events)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	trail, err := audit.New(store, events, "")
	if err != nil {
		t.Fatalf("open trail: %v", err)
	}
	reg := registry.New(store, trail, slog.Default())
	br := bridge.New(store, reg, trail, nil, filepath.Join(home, "archive"), slog.Default())
	dbus := delegation.New(store, reg, br, trail, events, slog.Default(), delegation.Config{
		DefaultQuota:    10,
		DispatchTimeout: 5 * time.Second,
	})
	srv := gateway.New(gateway.Config{
		Store:             store,
		Registry:          reg,
		Bus:               dbus,
		Trail:             trail,
		Events:            events,
		AuthToken:         testToken,
		ConfigFingerprint: "abc123",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		dbus.Drain(2 * time.Second)
		_ = trail.Close()
		_ = store.Close()
	})
	return &testEnv{store: store, reg: reg, trail: trail, events: events, bus: dbus, server: ts}
}

// seedBlocked creates a request that hits the approval gate and is
// dispatched into BLOCKED.
func (e *testEnv) seedBlocked(t *testing.T) *persistence.Request {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"planner", "executor"} {
		if err := e.reg.RegisterAgent(ctx, id, id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if err := e.reg.DeclareSkill(ctx, "delete_record", 9, 9, ""); err != nil {
		t.Fatalf("declare skill: %v", err)
	}
	if err := e.reg.Grant(ctx, "planner", "delete_record", 9); err != nil {
		t.Fatalf("grant: %v", err)
	}
	e.bus.RegisterHandler("executor", "delete_record", delegation.HandlerFunc(
		func(ctx context.Context, r *persistence.Request) (string, error) {
			return `{"deleted":true}`, nil
		}))
	req, err := e.bus.CreateRequest(ctx, "planner", "executor", "delete_record", `{"id":42}`, "")
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if err := e.bus.Dispatch(ctx, req.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return req
}

func (e *testEnv) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.server.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["healthy"] != true {
		t.Fatalf("healthy = %v", body["healthy"])
	}
	if body["config_fingerprint"] != "abc123" {
		t.Fatalf("config_fingerprint = %v", body["config_fingerprint"])
	}
}

func TestAuth_RejectsMissingAndWrongToken(t *testing.T) {
	env := newTestEnv(t)

	for _, token := range []string{"", "wrong-token"} {
		resp := env.get(t, "/v1/requests", token)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q: status = %d, want 401", token, resp.StatusCode)
		}
	}
}

func TestTraceHeader_GeneratedAndEchoed(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/v1/requests", testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Trace-Id") == "" {
		t.Fatal("expected generated X-Trace-Id on response")
	}

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/v1/requests", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-Trace-Id", "trace-from-client")
	echoed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer echoed.Body.Close()
	if got := echoed.Header.Get("X-Trace-Id"); got != "trace-from-client" {
		t.Fatalf("X-Trace-Id = %q, want trace-from-client", got)
	}
}

func TestRequests_ListAndGet(t *testing.T) {
	env := newTestEnv(t)
	req := env.seedBlocked(t)

	resp := env.get(t, "/v1/requests?status=blocked", testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list struct {
		Requests []persistence.Request `json:"requests"`
	}
	decodeBody(t, resp, &list)
	if len(list.Requests) != 1 || list.Requests[0].ID != req.ID {
		t.Fatalf("blocked list = %+v", list.Requests)
	}

	resp = env.get(t, "/v1/requests/"+req.ID, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var got persistence.Request
	decodeBody(t, resp, &got)
	if got.Status != persistence.RequestStatusBlocked {
		t.Fatalf("status = %s, want BLOCKED", got.Status)
	}

	resp = env.get(t, "/v1/requests/no-such-id", testToken)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing request status = %d, want 404", resp.StatusCode)
	}

	resp = env.get(t, "/v1/requests?status=bogus", testToken)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus status filter = %d, want 400", resp.StatusCode)
	}
}

func TestApprove_UnblocksRequest(t *testing.T) {
	env := newTestEnv(t)
	req := env.seedBlocked(t)

	body, _ := json.Marshal(map[string]string{"approver": "ops-oncall", "reason": "reviewed"})
	httpReq, err := http.NewRequest(http.MethodPost, env.server.URL+"/v1/requests/"+req.ID+"/approve", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d", resp.StatusCode)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := env.bus.GetStatus(context.Background(), req.ID)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if got.Status == persistence.RequestStatusCompleted {
			if got.ApprovedBy != "ops-oncall" {
				t.Fatalf("approved_by = %q", got.ApprovedBy)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("request never completed after approval")
}

func TestApprove_NotBlockedConflicts(t *testing.T) {
	env := newTestEnv(t)
	req := env.seedBlocked(t)

	// First approval succeeds; wait for the terminal state, then the
	// second approval must conflict.
	if err := env.bus.Approve(context.Background(), req.ID, "ops", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	env.bus.Drain(2 * time.Second)

	body, _ := json.Marshal(map[string]string{"approver": "ops"})
	httpReq, _ := http.NewRequest(http.MethodPost, env.server.URL+"/v1/requests/"+req.ID+"/approve", bytes.NewReader(body))
	httpReq.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second approve status = %d, want 409", resp.StatusCode)
	}
}

func TestAudit_ExportAfterID(t *testing.T) {
	env := newTestEnv(t)
	env.seedBlocked(t)

	resp := env.get(t, "/v1/audit?after=0&limit=50", testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit status = %d", resp.StatusCode)
	}
	var body struct {
		Audit []persistence.AuditRecord `json:"audit"`
	}
	decodeBody(t, resp, &body)
	if len(body.Audit) == 0 {
		t.Fatal("audit export empty")
	}
	last := body.Audit[len(body.Audit)-1].AuditID

	resp = env.get(t, "/v1/audit?after="+jsonItoa(last), testToken)
	decodeBody(t, resp, &body)
	if len(body.Audit) != 0 {
		t.Fatalf("expected no rows after id %d, got %d", last, len(body.Audit))
	}
}

func jsonItoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestCatalog_AgentsAndSkills(t *testing.T) {
	env := newTestEnv(t)
	env.seedBlocked(t)

	resp := env.get(t, "/v1/agents", testToken)
	var agents struct {
		Agents []persistence.AgentRecord `json:"agents"`
	}
	decodeBody(t, resp, &agents)
	if len(agents.Agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(agents.Agents))
	}

	resp = env.get(t, "/v1/skills", testToken)
	var skills struct {
		Skills []persistence.SkillRecord `json:"skills"`
	}
	decodeBody(t, resp, &skills)
	if len(skills.Skills) != 1 || skills.Skills[0].Name != "delete_record" {
		t.Fatalf("skills = %+v", skills.Skills)
	}
}

func TestEvents_StreamsApprovalRequested(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + env.server.URL[len("http"):] + "/v1/events?topic=approval."
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	req := env.seedBlocked(t)

	var frame struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Topic != bus.TopicApprovalRequested {
		t.Fatalf("topic = %s, want %s", frame.Topic, bus.TopicApprovalRequested)
	}
	var payload bus.ApprovalRequestedEvent
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.RequestID != req.ID {
		t.Fatalf("payload request = %s, want %s", payload.RequestID, req.ID)
	}
}

func TestEvents_RejectsBadToken(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	wsURL := "ws" + env.server.URL[len("http"):] + "/v1/events"
	_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer wrong"}},
	})
	if err == nil {
		t.Fatal("expected dial failure without valid token")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}
