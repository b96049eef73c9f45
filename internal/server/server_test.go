package server_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/throw-if-null/taskrelay/internal/api"
	"github.com/throw-if-null/taskrelay/internal/orchestrator"
	"github.com/throw-if-null/taskrelay/internal/relay"
	"github.com/throw-if-null/taskrelay/internal/runner"
	"github.com/throw-if-null/taskrelay/internal/server"
	"github.com/throw-if-null/taskrelay/internal/store"
	_ "modernc.org/sqlite"
)

// fakeExecutable picks its behavior from the prompt.
const fakeExecutable = `
case "$1" in
  hang*)
    echo "working"
    sleep 30
    ;;
  ask*)
    echo "before"
    printf '[INTERACTION_REQUEST]{"type":"confirmation","message":"proceed?"}[/INTERACTION_REQUEST]\n'
    read line
    echo "got:$line"
    ;;
  cat\ *)
    cat "${1#cat }"
    ;;
  fail*)
    echo "boom" >&2
    exit 3
    ;;
  *)
    echo "line one"
    echo "line two"
    echo '{"success":true,"summary":"done","changes":[{"path":"a.go","operation":"create"}]}'
    ;;
esac
`

func ptr(s string) *string { return &s }

type harness struct {
	srv *httptest.Server
	hub *relay.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	td, err := os.MkdirTemp("", "taskrelay-server-")
	if err != nil {
		t.Fatalf("tmpdir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(td) })

	db, err := sql.Open("sqlite", store.DSN(filepath.Join(td, "taskrelay.db")))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(db)
	if err := st.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	hub := relay.NewHub(nil)
	orch := orchestrator.New(orchestrator.Options{
		Store:     st,
		Launcher:  orchestrator.RunnerLauncher{Runner: runner.New(runner.Config{Command: []string{"/bin/sh", "-c", fakeExecutable, "sh"}})},
		Publisher: hub,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})

	s := server.NewServer(orch, relay.NewHandler(hub, orch, relay.WSConfig{}, nil), nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &harness{srv: ts, hub: hub}
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func (h *harness) create(t *testing.T, req api.CreateTaskRequest) api.CreateTaskResponse {
	t.Helper()
	code, body := h.do(t, http.MethodPost, "/v1/tasks", req)
	if code != http.StatusCreated {
		t.Fatalf("create: %d %s", code, body)
	}
	var resp api.CreateTaskResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	return resp
}

func (h *harness) task(t *testing.T, id string) api.Task {
	t.Helper()
	code, body := h.do(t, http.MethodGet, "/v1/tasks/"+id, nil)
	if code != http.StatusOK {
		t.Fatalf("get %s: %d %s", id, code, body)
	}
	var got api.Task
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return got
}

func (h *harness) waitStatus(t *testing.T, id string, want api.TaskStatus) api.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		got := h.task(t, id)
		if got.Status == want {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s: status %s, want %s", id, got.Status, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func errorText(t *testing.T, body []byte) string {
	t.Helper()
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	return e.Error
}

func TestCreateRunAndOutput(t *testing.T) {
	h := newHarness(t)
	resp := h.create(t, api.CreateTaskRequest{Description: "build it", Type: api.TypeCodeGeneration})
	if resp.ID == "" || resp.Message != "Task created and started successfully" {
		t.Fatalf("unexpected create response %+v", resp)
	}

	done := h.waitStatus(t, resp.ID, api.StatusCompleted)
	if done.CompletedAt == nil {
		t.Fatalf("completedAt not set")
	}
	if len(done.Changes) != 1 || done.Changes[0].Path != "a.go" || done.Changes[0].Status != api.ChangePending {
		t.Fatalf("unexpected changes %+v", done.Changes)
	}
	if done.ApprovalMode != api.ApprovalManual {
		t.Fatalf("default approval mode: %s", done.ApprovalMode)
	}

	code, body := h.do(t, http.MethodGet, "/v1/tasks/"+resp.ID+"/output?tail=2", nil)
	if code != http.StatusOK {
		t.Fatalf("output: %d", code)
	}
	lines := strings.Split(string(body), "\n")
	if len(lines) != 2 || lines[0] != "line two" {
		t.Fatalf("unexpected tail %q", body)
	}

	if code, _ := h.do(t, http.MethodGet, "/v1/tasks/"+resp.ID+"/output?tail=-1", nil); code != http.StatusBadRequest {
		t.Fatalf("negative tail: %d", code)
	}
}

func TestFailedTaskStderrPrefixed(t *testing.T) {
	h := newHarness(t)
	resp := h.create(t, api.CreateTaskRequest{Description: "fail now", Type: api.TypeCustom})
	got := h.waitStatus(t, resp.ID, api.StatusFailed)
	if !strings.Contains(got.Output, "ERROR: boom") {
		t.Fatalf("stderr not prefixed: %q", got.Output)
	}
}

func TestCreate_BadRequests(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name string
		body any
	}{
		{"invalid json", "{nope"},
		{"missing description", api.CreateTaskRequest{Type: api.TypeCustom}},
		{"missing type", api.CreateTaskRequest{Description: "x"}},
		{"unknown type", api.CreateTaskRequest{Description: "x", Type: "poetry"}},
		{"unknown approval", api.CreateTaskRequest{Description: "x", Type: api.TypeCustom, ApprovalMode: "yolo"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := h.do(t, http.MethodPost, "/v1/tasks", tc.body)
			if code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d %s", code, body)
			}
			if errorText(t, body) == "" {
				t.Fatalf("empty error text")
			}
		})
	}
}

func TestNotFoundAndInvalidID(t *testing.T) {
	h := newHarness(t)
	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/v1/tasks/missing"},
		{http.MethodDelete, "/v1/tasks/missing"},
		{http.MethodPost, "/v1/tasks/missing/interrupt"},
		{http.MethodPost, "/v1/tasks/missing/rollback"},
		{http.MethodGet, "/v1/tasks/missing/interactions"},
		{http.MethodGet, "/v1/tasks/missing/output"},
	} {
		if code, body := h.do(t, r.method, r.path, nil); code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d %s", r.method, r.path, code, body)
		}
	}
	if code, _ := h.do(t, http.MethodGet, "/v1/tasks/bad..id", nil); code != http.StatusBadRequest {
		t.Fatalf("invalid id: expected 400, got %d", code)
	}
}

func TestScheduledTaskIsPendingAndNotInterruptible(t *testing.T) {
	h := newHarness(t)
	at := time.Now().Add(time.Hour).UTC()
	resp := h.create(t, api.CreateTaskRequest{Description: "later", Type: api.TypeCustom, ScheduledFor: &at})
	if resp.Status != api.StatusPending || resp.Message != "Task scheduled successfully" || resp.ScheduledFor == nil {
		t.Fatalf("unexpected create response %+v", resp)
	}

	code, body := h.do(t, http.MethodPost, "/v1/tasks/"+resp.ID+"/interrupt", nil)
	if code != http.StatusConflict {
		t.Fatalf("interrupt pending: expected 409, got %d %s", code, body)
	}
	if msg := errorText(t, body); !strings.Contains(msg, "pending") {
		t.Fatalf("reason should name current status: %q", msg)
	}

	if code, _ := h.do(t, http.MethodDelete, "/v1/tasks/"+resp.ID, nil); code != http.StatusOK {
		t.Fatalf("delete: %d", code)
	}
	if code, _ := h.do(t, http.MethodGet, "/v1/tasks/"+resp.ID, nil); code != http.StatusNotFound {
		t.Fatalf("deleted task still visible: %d", code)
	}
}

func TestInterruptThenRollback(t *testing.T) {
	h := newHarness(t)
	resp := h.create(t, api.CreateTaskRequest{Description: "hang please", Type: api.TypeCustom})
	h.waitStatus(t, resp.ID, api.StatusRunning)

	if code, body := h.do(t, http.MethodPost, "/v1/tasks/"+resp.ID+"/interrupt", nil); code != http.StatusOK {
		t.Fatalf("interrupt: %d %s", code, body)
	}
	got := h.task(t, resp.ID)
	if got.Status != api.StatusInterrupted || got.CompletedAt == nil {
		t.Fatalf("after interrupt: %+v", got)
	}

	// interrupted tasks cannot be rolled back or interrupted again
	if code, _ := h.do(t, http.MethodPost, "/v1/tasks/"+resp.ID+"/rollback", nil); code != http.StatusConflict {
		t.Fatalf("rollback interrupted: expected 409, got %d", code)
	}
	if code, _ := h.do(t, http.MethodPost, "/v1/tasks/"+resp.ID+"/interrupt", nil); code != http.StatusConflict {
		t.Fatalf("second interrupt: expected 409, got %d", code)
	}
}

func TestRollbackCompleted(t *testing.T) {
	h := newHarness(t)
	resp := h.create(t, api.CreateTaskRequest{Description: "ok", Type: api.TypeCodeModification})
	h.waitStatus(t, resp.ID, api.StatusCompleted)

	if code, body := h.do(t, http.MethodPost, "/v1/tasks/"+resp.ID+"/rollback", nil); code != http.StatusOK {
		t.Fatalf("rollback: %d %s", code, body)
	}
	if got := h.task(t, resp.ID); got.Status != api.StatusRolledBack {
		t.Fatalf("status after rollback: %s", got.Status)
	}
	if code, _ := h.do(t, http.MethodPost, "/v1/tasks/"+resp.ID+"/rollback", nil); code != http.StatusConflict {
		t.Fatalf("second rollback: expected 409, got %d", code)
	}
}

func TestInteractionRoundTrip(t *testing.T) {
	h := newHarness(t)
	resp := h.create(t, api.CreateTaskRequest{Description: "ask first", Type: api.TypeCustom})

	var items []api.Interaction
	deadline := time.Now().Add(10 * time.Second)
	for len(items) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no interaction recorded")
		}
		code, body := h.do(t, http.MethodGet, "/v1/tasks/"+resp.ID+"/interactions", nil)
		if code != http.StatusOK {
			t.Fatalf("interactions: %d", code)
		}
		if err := json.Unmarshal(body, &items); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	i := items[0]
	if i.Type != api.InteractionConfirmation || i.Message != "proceed?" || i.TaskID != resp.ID {
		t.Fatalf("unexpected interaction %+v", i)
	}

	path := "/v1/tasks/" + resp.ID + "/interact"
	if code, _ := h.do(t, http.MethodPost, path, api.InteractRequest{InteractionID: i.ID}); code != http.StatusBadRequest {
		t.Fatalf("missing response: expected 400, got %d", code)
	}
	if code, _ := h.do(t, http.MethodPost, path, api.InteractRequest{InteractionID: "nope", Response: ptr("yes")}); code != http.StatusNotFound {
		t.Fatalf("unknown interaction: expected 404, got %d", code)
	}
	if code, body := h.do(t, http.MethodPost, path, api.InteractRequest{InteractionID: i.ID, Response: ptr("yes")}); code != http.StatusOK {
		t.Fatalf("interact: %d %s", code, body)
	}

	done := h.waitStatus(t, resp.ID, api.StatusCompleted)
	if !strings.Contains(done.Output, "got:") || !strings.Contains(done.Output, `"response":"yes"`) {
		t.Fatalf("response not delivered: %q", done.Output)
	}

	// finished tasks no longer accept responses
	code, _ := h.do(t, http.MethodPost, path, api.InteractRequest{InteractionID: i.ID, Response: ptr("again")})
	if code != http.StatusConflict {
		t.Fatalf("respond after finish: expected 409, got %d", code)
	}
}

func TestListTasks(t *testing.T) {
	h := newHarness(t)
	at := time.Now().Add(time.Hour).UTC()
	for i := 0; i < 3; i++ {
		h.create(t, api.CreateTaskRequest{Description: fmt.Sprintf("t%d", i), Type: api.TypeCustom, ScheduledFor: &at})
	}

	code, body := h.do(t, http.MethodGet, "/v1/tasks?limit=2", nil)
	if code != http.StatusOK {
		t.Fatalf("list: %d", code)
	}
	var tasks []api.Task
	if err := json.Unmarshal(body, &tasks); err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if !tasks[0].CreatedAt.After(tasks[1].CreatedAt) && !tasks[0].CreatedAt.Equal(tasks[1].CreatedAt) {
		t.Fatalf("not newest first: %v then %v", tasks[0].CreatedAt, tasks[1].CreatedAt)
	}

	if code, _ := h.do(t, http.MethodGet, "/v1/tasks?limit=abc", nil); code != http.StatusBadRequest {
		t.Fatalf("invalid limit: expected 400, got %d", code)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, http.MethodGet, "/healthz", nil)
	if code != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("healthz: %d %s", code, body)
	}
}

func TestWebsocketReceivesLifecycle(t *testing.T) {
	h := newHarness(t)
	at := time.Now().Add(300 * time.Millisecond).UTC()
	resp := h.create(t, api.CreateTaskRequest{Description: "scheduled run", Type: api.TypeCodeAnalysis, ScheduledFor: &at})

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/ws?taskId=" + resp.ID
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	var statuses []api.TaskStatus
	var output strings.Builder
	_ = c.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var ev api.Event
		if err := c.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v (statuses so far %v)", err, statuses)
		}
		if ev.TaskID != resp.ID {
			t.Fatalf("event for another task: %+v", ev)
		}
		switch ev.Type {
		case api.EventOutputUpdate:
			output.WriteString(ev.Output)
		case api.EventStatusUpdate:
			statuses = append(statuses, ev.Status)
			if ev.Status == api.StatusCompleted {
				if ev.Result == nil || !ev.Result.Success || ev.Result.Summary != "done" {
					t.Fatalf("unexpected result %+v", ev.Result)
				}
				if len(statuses) != 2 || statuses[0] != api.StatusRunning {
					t.Fatalf("unexpected status sequence %v", statuses)
				}
				if !strings.Contains(output.String(), "line one") {
					t.Fatalf("missing output: %q", output.String())
				}
				return
			}
		}
	}
}

func TestInteractEmptyResponse(t *testing.T) {
	h := newHarness(t)
	resp := h.create(t, api.CreateTaskRequest{Description: "ask first", Type: api.TypeCustom})

	var items []api.Interaction
	deadline := time.Now().Add(10 * time.Second)
	for len(items) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no interaction recorded")
		}
		_, body := h.do(t, http.MethodGet, "/v1/tasks/"+resp.ID+"/interactions", nil)
		if err := json.Unmarshal(body, &items); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	path := "/v1/tasks/" + resp.ID + "/interact"
	if code, _ := h.do(t, http.MethodPost, path, `{"interactionId":"`+items[0].ID+`"}`); code != http.StatusBadRequest {
		t.Fatalf("absent response: expected 400, got %d", code)
	}
	if code, body := h.do(t, http.MethodPost, path, api.InteractRequest{InteractionID: items[0].ID, Response: ptr("")}); code != http.StatusOK {
		t.Fatalf("empty response: %d %s", code, body)
	}
	done := h.waitStatus(t, resp.ID, api.StatusCompleted)
	if !strings.Contains(done.Output, `"response":""`) {
		t.Fatalf("empty response not delivered: %q", done.Output)
	}
}

func TestWebsocketOutputKeepsMultibyteText(t *testing.T) {
	h := newHarness(t)

	// the first read boundary falls inside "é"
	payload := strings.Repeat("a", 4095) + strings.Repeat("héllo wörld ✓\n", 2000)
	file := filepath.Join(t.TempDir(), "out.txt")
	if err := os.WriteFile(file, []byte(payload), 0o644); err != nil {
		t.Fatal(err)
	}
	at := time.Now().Add(300 * time.Millisecond).UTC()
	resp := h.create(t, api.CreateTaskRequest{Description: "cat " + file, Type: api.TypeCustom, ScheduledFor: &at})

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/ws?taskId=" + resp.ID
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	var output strings.Builder
	_ = c.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var ev api.Event
		if err := c.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev.Type == api.EventOutputUpdate {
			if strings.ContainsRune(ev.Output, utf8.RuneError) {
				t.Fatalf("output update carries a replacement character")
			}
			output.WriteString(ev.Output)
		}
		if ev.Type == api.EventStatusUpdate && ev.Status.IsTerminal() {
			if ev.Status != api.StatusCompleted {
				t.Fatalf("task ended %s", ev.Status)
			}
			break
		}
	}
	if output.String() != payload {
		t.Fatalf("streamed output differs: got %d bytes want %d", output.Len(), len(payload))
	}
	if got := h.task(t, resp.ID); got.Output != payload {
		t.Fatalf("stored output differs: got %d bytes want %d", len(got.Output), len(payload))
	}
}
