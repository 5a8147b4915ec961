package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"airp/internal/config"
)

type testEnv struct {
	t   *testing.T
	srv *Server
	ts  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	homeDir := filepath.Join(t.TempDir(), "home")
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	cfgYAML := fmt.Sprintf(`home_dir: %s
server:
  addr: "127.0.0.1:0"
llm:
  base_url: "http://127.0.0.1:1/v1"
  api_key: test-key
  max_retries: 1
  retry_delay_seconds: 0
embedding:
  base_url: "http://127.0.0.1:1/v1"
  api_key: test-key
  max_retries: 1
  retry_delay_seconds: 0
pipeline:
  min_chapter_length: 20
`, homeDir)
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	mgr, err := config.NewManager(cfgPath)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	srv, err := New(Config{
		ConfigManager: mgr,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.sched.Wait()
		srv.rpCache.Close()
		srv.database.Close()
	})
	return &testEnv{t: t, srv: srv, ts: ts}
}

// client returns an HTTP client with its own cookie jar, one per actor.
func (e *testEnv) client() *http.Client {
	jar, err := cookiejar.New(nil)
	if err != nil {
		e.t.Fatalf("cookiejar: %v", err)
	}
	return &http.Client{Jar: jar, Timeout: 30 * time.Second}
}

func (e *testEnv) do(c *http.Client, method, path string, body any) (int, map[string]any) {
	e.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatalf("read response: %v", err)
	}
	var decoded map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			e.t.Fatalf("decode %s %s response %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, decoded
}

func (e *testEnv) register(c *http.Client, username string) map[string]any {
	e.t.Helper()
	code, body := e.do(c, http.MethodPost, "/auth/register", map[string]string{
		"username": username,
		"password": "secret12345",
	})
	if code != http.StatusCreated {
		e.t.Fatalf("register %s: status %d body %v", username, code, body)
	}
	return body
}

func (e *testEnv) createNovel(c *http.Client, title string) string {
	e.t.Helper()
	code, body := e.do(c, http.MethodPost, "/novels", map[string]string{"title": title})
	if code != http.StatusCreated {
		e.t.Fatalf("create novel: status %d body %v", code, body)
	}
	id, _ := body["novel_id"].(string)
	if id == "" {
		e.t.Fatalf("create novel: no novel_id in %v", body)
	}
	return id
}

func (e *testEnv) upload(c *http.Client, novelID, filename string, content []byte) (int, map[string]any) {
	e.t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		e.t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		e.t.Fatalf("write form file: %v", err)
	}
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/novels/"+novelID+"/upload", &buf)
	if err != nil {
		e.t.Fatalf("new upload request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.Do(req)
	if err != nil {
		e.t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		e.t.Fatalf("decode upload response: %v", err)
	}
	return resp.StatusCode, decoded
}

func sampleSource() []byte {
	body1 := strings.Repeat("许七安在打更人衙门当差，夜里巡街查案。", 4)
	body2 := strings.Repeat("次日清晨他去县衙公堂递交卷宗，遇见朱县令。", 4)
	return []byte("第一章 夜巡\n" + body1 + "\n第二章 公堂\n" + body2 + "\n")
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t)
	code, body := e.do(e.client(), http.MethodGet, "/health", nil)
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: status %d body %v", code, body)
	}
}

func TestAuthLifecycle(t *testing.T) {
	e := newTestEnv(t)
	c := e.client()

	user := e.register(c, "bob")
	if user["username"] != "bob" {
		t.Fatalf("register body = %v", user)
	}

	code, me := e.do(c, http.MethodGet, "/auth/me", nil)
	if code != http.StatusOK || me["username"] != "bob" || me["is_guest"] != false {
		t.Fatalf("me: status %d body %v", code, me)
	}

	if code, _ := e.do(c, http.MethodPost, "/auth/logout", nil); code != http.StatusOK {
		t.Fatalf("logout: status %d", code)
	}
	if code, _ := e.do(c, http.MethodGet, "/auth/me", nil); code != http.StatusUnauthorized {
		t.Fatalf("me after logout: status %d", code)
	}

	code, _ = e.do(c, http.MethodPost, "/auth/login", map[string]string{
		"username": "bob", "password": "secret12345",
	})
	if code != http.StatusOK {
		t.Fatalf("login: status %d", code)
	}
	if code, _ := e.do(c, http.MethodGet, "/auth/me", nil); code != http.StatusOK {
		t.Fatalf("me after login: status %d", code)
	}

	code, _ = e.do(e.client(), http.MethodPost, "/auth/register", map[string]string{
		"username": "bob", "password": "another12345",
	})
	if code != http.StatusConflict {
		t.Fatalf("duplicate register: status %d", code)
	}

	code, _ = e.do(e.client(), http.MethodPost, "/auth/login", map[string]string{
		"username": "bob", "password": "wrong-password",
	})
	if code != http.StatusUnauthorized {
		t.Fatalf("bad login: status %d", code)
	}
}

func TestGuestSession(t *testing.T) {
	e := newTestEnv(t)
	c := e.client()

	code, body := e.do(c, http.MethodPost, "/auth/guest", nil)
	if code != http.StatusCreated || body["guest_id"] == "" {
		t.Fatalf("guest: status %d body %v", code, body)
	}
	code, me := e.do(c, http.MethodGet, "/auth/me", nil)
	if code != http.StatusOK || me["is_guest"] != true {
		t.Fatalf("guest me: status %d body %v", code, me)
	}

	// Guests cannot own novels.
	if code, _ := e.do(c, http.MethodGet, "/novels", nil); code != http.StatusUnauthorized {
		t.Fatalf("guest novels list: status %d", code)
	}
}

func TestNovelLifecycle(t *testing.T) {
	e := newTestEnv(t)
	alice := e.client()
	e.register(alice, "alice")

	if code, _ := e.do(e.client(), http.MethodGet, "/novels", nil); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list: expected 401")
	}

	novelID := e.createNovel(alice, "大奉打更人")

	code, list := e.do(alice, http.MethodGet, "/novels", nil)
	if code != http.StatusOK {
		t.Fatalf("list: status %d", code)
	}
	if items, _ := list["novels"].([]any); len(items) != 1 {
		t.Fatalf("list novels = %v", list)
	}

	code, rec := e.do(alice, http.MethodGet, "/novels/"+novelID, nil)
	if code != http.StatusOK || rec["status"] != "created" || rec["visibility"] != "private" {
		t.Fatalf("get: status %d body %v", code, rec)
	}

	// Private novels stay off the public listing.
	code, pub := e.do(e.client(), http.MethodGet, "/public/novels", nil)
	if code != http.StatusOK {
		t.Fatalf("public list: status %d", code)
	}
	if items, _ := pub["novels"].([]any); len(items) != 0 {
		t.Fatalf("public list leaked private novel: %v", pub)
	}
	if code, _ := e.do(e.client(), http.MethodGet, "/public/novels/"+novelID, nil); code != http.StatusNotFound {
		t.Fatalf("public get of private novel: status %d", code)
	}

	title := "大奉打更人（修订）"
	visibility := "public"
	code, rec = e.do(alice, http.MethodPatch, "/novels/"+novelID, map[string]any{
		"title": title, "visibility": visibility,
	})
	if code != http.StatusOK || rec["title"] != title || rec["visibility"] != "public" {
		t.Fatalf("update: status %d body %v", code, rec)
	}

	code, pub = e.do(e.client(), http.MethodGet, "/public/novels", nil)
	if items, _ := pub["novels"].([]any); code != http.StatusOK || len(items) != 1 {
		t.Fatalf("public list after publish: status %d body %v", code, pub)
	}
	if code, _ := e.do(e.client(), http.MethodGet, "/public/novels/"+novelID, nil); code != http.StatusOK {
		t.Fatalf("public get: status %d", code)
	}

	carol := e.client()
	e.register(carol, "carol")
	if code, _ := e.do(carol, http.MethodGet, "/novels/"+novelID, nil); code != http.StatusForbidden {
		t.Fatalf("cross-owner get: status %d", code)
	}
	if code, _ := e.do(carol, http.MethodDelete, "/novels/"+novelID, nil); code != http.StatusForbidden {
		t.Fatalf("cross-owner delete: status %d", code)
	}
	if code, _ := e.do(alice, http.MethodGet, "/novels/no-such-novel", nil); code != http.StatusNotFound {
		t.Fatalf("unknown novel: status %d", code)
	}

	code, body := e.do(alice, http.MethodDelete, "/novels/"+novelID, nil)
	if code != http.StatusOK || body["status"] != "deleted" {
		t.Fatalf("delete: status %d body %v", code, body)
	}
	if code, _ := e.do(alice, http.MethodGet, "/novels/"+novelID, nil); code != http.StatusNotFound {
		t.Fatalf("get after delete: status %d", code)
	}
}

func TestUploadValidation(t *testing.T) {
	e := newTestEnv(t)
	alice := e.client()
	e.register(alice, "alice")
	novelID := e.createNovel(alice, "upload test")

	code, rec := e.upload(alice, novelID, "novel.txt", sampleSource())
	if code != http.StatusOK || rec["status"] != "uploaded" {
		t.Fatalf("upload: status %d body %v", code, rec)
	}
	source, _ := rec["source"].(map[string]any)
	if source["filename"] != "novel.txt" {
		t.Fatalf("source meta = %v", rec["source"])
	}

	if code, _ := e.upload(alice, novelID, "novel.pdf", sampleSource()); code != http.StatusBadRequest {
		t.Fatalf("non-txt upload: status %d", code)
	}

	stranger := e.client()
	e.register(stranger, "stranger")
	if code, _ := e.upload(stranger, novelID, "novel.txt", sampleSource()); code != http.StatusForbidden {
		t.Fatalf("cross-owner upload: status %d", code)
	}
}

func TestPipelineJobFlow(t *testing.T) {
	e := newTestEnv(t)
	alice := e.client()
	e.register(alice, "alice")
	novelID := e.createNovel(alice, "pipeline test")

	if code, _ := e.upload(alice, novelID, "novel.txt", sampleSource()); code != http.StatusOK {
		t.Fatalf("upload failed")
	}

	if code, _ := e.do(alice, http.MethodPost, "/novels/"+novelID+"/pipeline/run",
		map[string]int{"step": 9}); code != http.StatusBadRequest {
		t.Fatalf("invalid step: status %d", code)
	}

	// Chapter split alone runs without any model endpoint.
	code, job := e.do(alice, http.MethodPost, "/novels/"+novelID+"/pipeline/run", map[string]int{"step": 1})
	if code != http.StatusAccepted {
		t.Fatalf("run: status %d body %v", code, job)
	}
	jobID, _ := job["job_id"].(string)
	if jobID == "" {
		t.Fatalf("run body = %v", job)
	}

	e.srv.sched.Wait()

	code, job = e.do(alice, http.MethodGet, "/jobs/"+jobID, nil)
	if code != http.StatusOK || job["status"] != "succeeded" {
		t.Fatalf("job: status %d body %v", code, job)
	}
	if job["progress"] != 1.0 {
		t.Fatalf("job progress = %v", job["progress"])
	}
	result, _ := job["result"].(map[string]any)
	if result["total_chapters"] != 2.0 {
		t.Fatalf("job result = %v", job["result"])
	}

	code, rec := e.do(alice, http.MethodGet, "/novels/"+novelID, nil)
	if code != http.StatusOK || rec["status"] != "ready" || rec["last_job_id"] != jobID {
		t.Fatalf("novel after job: status %d body %v", code, rec)
	}

	code, logs := e.do(alice, http.MethodGet, "/jobs/"+jobID+"/logs?lines=50", nil)
	if code != http.StatusOK || logs["job_id"] != jobID {
		t.Fatalf("logs: status %d body %v", code, logs)
	}
	if lines, _ := logs["lines"].([]any); len(lines) == 0 {
		t.Fatalf("logs empty: %v", logs)
	}
	if code, _ := e.do(alice, http.MethodGet, "/jobs/"+jobID+"/logs?lines=5000", nil); code != http.StatusBadRequest {
		t.Fatalf("oversized lines: status %d", code)
	}
	if code, _ := e.do(alice, http.MethodGet, "/jobs/"+jobID+"/logs?lines=abc", nil); code != http.StatusBadRequest {
		t.Fatalf("bad lines: status %d", code)
	}

	other := e.client()
	e.register(other, "other")
	if code, _ := e.do(other, http.MethodGet, "/jobs/"+jobID, nil); code != http.StatusForbidden {
		t.Fatalf("cross-owner job get: status %d", code)
	}
	if code, _ := e.do(alice, http.MethodGet, "/jobs/no-such-job", nil); code != http.StatusNotFound {
		t.Fatalf("unknown job: status %d", code)
	}

	// Session state is readable once the novel is ready, no model needed.
	code, state := e.do(alice, http.MethodGet, "/rp/session/s1?novel_id="+novelID, nil)
	if code != http.StatusOK || state["session_id"] != "s1" {
		t.Fatalf("session: status %d body %v", code, state)
	}
}

func TestRPEndpointGuards(t *testing.T) {
	e := newTestEnv(t)
	alice := e.client()
	e.register(alice, "alice")
	novelID := e.createNovel(alice, "rp guard test")
	if code, _ := e.upload(alice, novelID, "novel.txt", sampleSource()); code != http.StatusOK {
		t.Fatalf("upload failed")
	}

	query := map[string]any{"message": "你好", "session_id": "s1"}

	if code, _ := e.do(e.client(), http.MethodPost, "/rp/query-context", query); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated query: status %d", code)
	}

	code, body := e.do(alice, http.MethodPost, "/rp/query-context", query)
	if code != http.StatusBadRequest {
		t.Fatalf("query without novel_id: status %d body %v", code, body)
	}

	query["novel_id"] = novelID
	if code, _ := e.do(alice, http.MethodPost, "/rp/query-context", query); code != http.StatusConflict {
		t.Fatalf("query against unprocessed novel: status %d", code)
	}
	if code, _ := e.do(alice, http.MethodPost, "/rp/respond", query); code != http.StatusConflict {
		t.Fatalf("respond against unprocessed novel: status %d", code)
	}

	// Guests see public novels only.
	guest := e.client()
	if code, _ := e.do(guest, http.MethodPost, "/auth/guest", nil); code != http.StatusCreated {
		t.Fatalf("guest session failed")
	}
	if code, _ := e.do(guest, http.MethodPost, "/rp/query-context", query); code != http.StatusForbidden {
		t.Fatalf("guest query on private novel: status %d", code)
	}
	if code, _ := e.do(guest, http.MethodGet, "/rp/session/s1?novel_id="+novelID, nil); code != http.StatusForbidden {
		t.Fatalf("guest session on private novel: status %d", code)
	}

	if code, _ := e.do(alice, http.MethodGet, "/rp/session/s1", nil); code != http.StatusBadRequest {
		t.Fatalf("session without novel_id: status %d", code)
	}
}
