package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/ingest"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("proj-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn)
	e := engine.New(conn, r, cfg)
	m := ingest.New(conn, r, e.Hub, cfg)
	if _, err := e.CreateProject(context.Background(), engine.CreateProjectParams{ID: "proj-1", ActorID: "tester"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	handler, err := New(Config{Engine: e, Ingest: m, Hub: e.Hub, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{Timeout: 5 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			m.Close()
			e.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", "tester")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestBoardFlow(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	base := srv.URL + "/v0/projects/proj-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/items", map[string]any{
		"id": "feed-3", "title": "Rate limiter idea",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/items/feed-3/move", map[string]any{"to_stage": "inbox"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("move status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/items/feed-3/move", map[string]any{"to_stage": "think"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second move status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/board", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("board status %d: %s", res.StatusCode, string(data))
	}
	var board BoardResponse
	if err := json.Unmarshal(data, &board); err != nil {
		t.Fatalf("unmarshal board: %v", err)
	}
	if len(board.Stages["think"]) != 1 || board.Stages["think"][0] != "feed-3" {
		t.Fatalf("board think bucket = %v", board.Stages["think"])
	}
	if len(board.Stages["inbox"]) != 0 {
		t.Fatalf("feed-3 still in inbox: %v", board.Stages["inbox"])
	}

	// Unknown stage: the move is a logged no-op but the transition is
	// still recorded, so the call succeeds and the item leaves the board.
	res, data = doJSON(t, client, http.MethodPost, base+"/items/feed-3/move", map[string]any{"to_stage": "warehouse"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unknown stage status %d: %s", res.StatusCode, string(data))
	}
	var tr TransitionResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("unmarshal transition: %v", err)
	}
	if tr.ToStage != "warehouse" {
		t.Fatalf("transition to %q", tr.ToStage)
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/board", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("board status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &board); err != nil {
		t.Fatalf("unmarshal board: %v", err)
	}
	if len(board.Stages["think"]) != 0 {
		t.Fatalf("feed-3 still bucketed after unknown-stage move: %v", board.Stages["think"])
	}
}

func TestTaskDependencyGateOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	base := srv.URL + "/v0/projects/proj-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{"id": "t1", "title": "Schema"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create t1: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
		"id": "t2", "title": "Handlers", "depends_on": []string{"t1"},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create t2: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/tasks/t2/start", nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("blocked start status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				Blocking []string `json:"blocking"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "dependency_unmet" || len(envelope.Error.Details.Blocking) != 1 {
		t.Fatalf("envelope = %+v", envelope)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/tasks/t2/blockers", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("blockers status %d: %s", res.StatusCode, string(data))
	}
}

func TestBriefFreezeOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	base := srv.URL + "/v0/projects/proj-1"

	if res, data := doJSON(t, client, http.MethodPost, base+"/items", map[string]any{"id": "feed-7", "title": "Exports"}); res.StatusCode != http.StatusCreated {
		t.Fatalf("create item: %d %s", res.StatusCode, string(data))
	}
	res, data := doJSON(t, client, http.MethodPost, base+"/items/feed-7/brief", nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create brief: %d %s", res.StatusCode, string(data))
	}
	var brief BriefResponse
	if err := json.Unmarshal(data, &brief); err != nil {
		t.Fatalf("unmarshal brief: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/briefs/"+brief.ID+"/freeze", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("freeze: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, base+"/briefs/"+brief.ID, map[string]any{"goals": []string{"csv"}})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("frozen update status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "immutable_document" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/briefs/"+brief.ID+"/draft", nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("new draft: %d %s", res.StatusCode, string(data))
	}
	var draft BriefResponse
	if err := json.Unmarshal(data, &draft); err != nil {
		t.Fatal(err)
	}
	if draft.Version != 2 {
		t.Fatalf("draft version %d", draft.Version)
	}
}

func TestSessionFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	base := srv.URL + "/v0/projects/proj-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/sessions", nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create session: %d %s", res.StatusCode, string(data))
	}
	var session SessionResponse
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/sessions/"+session.ID+"/files", map[string]any{
		"name": "notes.md", "data": []byte("# notes"),
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add file: %d %s", res.StatusCode, string(data))
	}
	var file FileResponse
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatal(err)
	}
	if file.SourceTag != "S1" {
		t.Fatalf("source tag %s", file.SourceTag)
	}

	// Analyze fails while the file is still processing.
	res, data = doJSON(t, client, http.MethodPost, base+"/sessions/"+session.ID+"/analyze", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("premature analyze status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, base+"/sessions/"+session.ID+"/files/"+file.ID, map[string]any{"status": "complete"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set file status: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/sessions/"+session.ID+"/analyze", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("analyze: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/sessions/"+session.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get session: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatal(err)
	}
	if session.Status != "ready" {
		t.Fatalf("session status %s, want ready", session.Status)
	}
}

func TestEventLogEndpoint(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	base := srv.URL + "/v0/projects/proj-1"

	if res, data := doJSON(t, client, http.MethodPost, base+"/items", map[string]any{"id": "feed-1", "title": "Idea"}); res.StatusCode != http.StatusCreated {
		t.Fatalf("create item: %d %s", res.StatusCode, string(data))
	}
	res, data := doJSON(t, client, http.MethodGet, base+"/events", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatal(err)
	}
	if len(events) < 2 {
		t.Fatalf("expected project.created and item.created, got %d events", len(events))
	}
}
