package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flashly/internal/auth"
	"flashly/internal/db"
	"flashly/internal/services"
)

type stubProvider struct {
	response string
	calls    int
}

func (p *stubProvider) Complete(ctx context.Context, prompt string, params services.GenerationParams) (string, error) {
	p.calls++
	return p.response, nil
}

type stubExtractor struct{ text string }

func (e *stubExtractor) Extract([]byte) (string, int) { return e.text, 1 }

type testServer struct {
	*httptest.Server
	provider *stubProvider
	extract  *stubExtractor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	database, err := db.Open("sqlite", filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	tokens, err := auth.NewTokenManager("test-secret", time.Hour, false)
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}

	provider := &stubProvider{response: `[{"question":"What is the capital of France?","answer":"Paris"},{"question":"What river runs through Paris?","answer":"The Seine"}]`}
	extract := &stubExtractor{text: "Paris is the capital of France. The Seine runs through it."}

	users := services.NewUserService(database, nil)
	sets := services.NewStudySetService(database, nil)
	cards := services.NewFlashcardService(database, sets, nil)
	generator := services.NewGenerator(provider, services.DefaultGenerationParams(), nil)

	srv := NewServer(Services{
		Users:      users,
		StudySets:  sets,
		Flashcards: cards,
		Ingestion:  services.NewIngestionService(extract, generator, sets, cards, nil),
		Tokens:     tokens,
		OAuth:      auth.NewOAuthManager("http://api.test", false, auth.ProviderConfig{}, auth.ProviderConfig{}),
	}, Options{FrontendURL: "http://app.test/", MaxUploadBytes: 1 << 20, GenerationTimeout: time.Minute}, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, provider: provider, extract: extract}
}

func (ts *testServer) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (ts *testServer) do(t *testing.T, c *http.Client, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return send(t, c, req)
}

func send(t *testing.T, c *http.Client, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&raw)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '[' {
		var list []any
		_ = json.Unmarshal(raw, &list)
		out["items"] = list
	} else if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

func (ts *testServer) login(t *testing.T, username string) *http.Client {
	t.Helper()
	c := ts.client(t)
	creds := map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "secret-password",
	}
	if status, body := ts.do(t, c, http.MethodPost, "/auth/register", creds); status != http.StatusCreated {
		t.Fatalf("register: %d %v", status, body)
	}
	if status, body := ts.do(t, c, http.MethodPost, "/auth/login", creds); status != http.StatusOK || body["msg"] != "Login successful" {
		t.Fatalf("login: %d %v", status, body)
	}
	return c
}

func (ts *testServer) createSet(t *testing.T, c *http.Client, title string) string {
	t.Helper()
	status, body := ts.do(t, c, http.MethodPost, "/studysets", map[string]string{"title": title})
	if status != http.StatusCreated {
		t.Fatalf("create set: %d %v", status, body)
	}
	return body["id"].(string)
}

func (ts *testServer) upload(t *testing.T, c *http.Client, setID, field, filename string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = part.Write([]byte("%PDF-1.4 fake"))
	_ = mw.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/studysets/"+setID+"/flashcards/preview", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return send(t, c, req)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(t, ts.client(t), http.MethodGet, "/api/health", nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", status, body)
	}
}

func TestAuthFlow(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client(t)

	if status, _ := ts.do(t, c, http.MethodGet, "/auth/me", nil); status != http.StatusUnauthorized {
		t.Fatalf("me without cookie: %d", status)
	}

	c = ts.login(t, "alice")
	status, body := ts.do(t, c, http.MethodGet, "/auth/me", nil)
	if status != http.StatusOK || body["username"] != "alice" || body["email"] != "alice@example.com" {
		t.Fatalf("me: %d %v", status, body)
	}

	status, body = ts.do(t, c, http.MethodPost, "/auth/register", map[string]string{
		"username": "other",
		"email":    "alice@example.com",
		"password": "secret-password",
	})
	if status != http.StatusConflict || body["error"] != "Email already registered" {
		t.Fatalf("duplicate register: %d %v", status, body)
	}

	status, body = ts.do(t, c, http.MethodPost, "/auth/login", map[string]string{"email": "alice@example.com", "password": "wrong"})
	if status != http.StatusUnauthorized || body["error"] != "Invalid credentials" {
		t.Fatalf("bad login: %d %v", status, body)
	}

	if status, _ := ts.do(t, c, http.MethodPost, "/auth/logout", nil); status != http.StatusOK {
		t.Fatalf("logout: %d", status)
	}
	if status, _ := ts.do(t, c, http.MethodGet, "/auth/me", nil); status != http.StatusUnauthorized {
		t.Fatalf("me after logout: %d", status)
	}
}

func TestStudySetCRUD(t *testing.T) {
	ts := newTestServer(t)
	c := ts.login(t, "alice")

	if status, body := ts.do(t, c, http.MethodPost, "/studysets", map[string]string{"title": "  "}); status != http.StatusBadRequest || body["error"] != "title is required" {
		t.Fatalf("blank title: %d %v", status, body)
	}

	id := ts.createSet(t, c, "Geography")

	status, body := ts.do(t, c, http.MethodPut, "/studysets/"+id, map[string]string{"description": "Capitals"})
	if status != http.StatusOK || body["title"] != "Geography" || body["description"] != "Capitals" {
		t.Fatalf("update: %d %v", status, body)
	}

	status, body = ts.do(t, c, http.MethodGet, "/studysets", nil)
	if status != http.StatusOK || len(body["items"].([]any)) != 1 {
		t.Fatalf("list: %d %v", status, body)
	}

	status, body = ts.do(t, c, http.MethodGet, "/studysets/"+id, nil)
	if status != http.StatusOK || body["studyset"] == nil || len(body["flashcards"].([]any)) != 0 {
		t.Fatalf("get: %d %v", status, body)
	}

	status, body = ts.do(t, c, http.MethodDelete, "/studysets/"+id, nil)
	if status != http.StatusOK || body["message"] != "Study set "+id+" deleted successfully" {
		t.Fatalf("delete: %d %v", status, body)
	}
	if status, _ := ts.do(t, c, http.MethodGet, "/studysets/"+id, nil); status != http.StatusNotFound {
		t.Fatalf("get deleted: %d", status)
	}
}

func TestStudySetOwnership(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.login(t, "alice")
	bob := ts.login(t, "bob")
	id := ts.createSet(t, alice, "Private")

	for _, tc := range []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, "/studysets/" + id, nil},
		{http.MethodDelete, "/studysets/" + id, nil},
		{http.MethodPost, "/studysets/" + id + "/flashcards/save-preview", map[string]any{
			"flashcards": []map[string]string{{"question": "Q", "answer": "A"}},
		}},
	} {
		if status, body := ts.do(t, bob, tc.method, tc.path, tc.body); status != http.StatusForbidden {
			t.Fatalf("%s %s as other user: %d %v", tc.method, tc.path, status, body)
		}
	}
}

func TestPreviewThenSave(t *testing.T) {
	ts := newTestServer(t)
	c := ts.login(t, "alice")
	id := ts.createSet(t, c, "Geography")

	status, body := ts.upload(t, c, id, "file", "france.pdf")
	if status != http.StatusOK {
		t.Fatalf("preview: %d %v", status, body)
	}
	if body["count"] != float64(2) || body["source_file_name"] != "france.pdf" {
		t.Fatalf("unexpected preview: %v", body)
	}
	cards := body["flashcards"].([]any)
	if first := cards[0].(map[string]any); first["id"] != nil || first["question"] != "What is the capital of France?" {
		t.Fatalf("preview card should carry no id: %v", first)
	}

	_, set := ts.do(t, c, http.MethodGet, "/studysets/"+id, nil)
	if n := len(set["flashcards"].([]any)); n != 0 {
		t.Fatalf("preview persisted %d cards", n)
	}

	status, body = ts.do(t, c, http.MethodPost, "/studysets/"+id+"/flashcards/save-preview", map[string]any{
		"flashcards":       cards,
		"source_file_name": "france.pdf",
	})
	if status != http.StatusCreated || len(body["flashcards"].([]any)) != 2 {
		t.Fatalf("save-preview: %d %v", status, body)
	}

	_, set = ts.do(t, c, http.MethodGet, "/studysets/"+id, nil)
	meta := set["studyset"].(map[string]any)
	if meta["is_ai_generated"] != true || meta["source_file_name"] != "france.pdf" {
		t.Fatalf("study set metadata not updated: %v", meta)
	}
	if n := len(set["flashcards"].([]any)); n != 2 {
		t.Fatalf("expected 2 saved cards, got %d", n)
	}
}

func TestPreviewErrors(t *testing.T) {
	ts := newTestServer(t)
	c := ts.login(t, "alice")
	id := ts.createSet(t, c, "Geography")

	if status, body := ts.upload(t, c, id, "document", "france.pdf"); status != http.StatusBadRequest || body["error"] != "No file uploaded" {
		t.Fatalf("wrong field: %d %v", status, body)
	}

	ts.provider.response = "I cannot help with that."
	status, body := ts.upload(t, c, id, "file", "france.pdf")
	if status != http.StatusUnprocessableEntity || !strings.Contains(body["error"].(string), "No flashcards") {
		t.Fatalf("unusable model output: %d %v", status, body)
	}

	ts.extract.text = "   "
	status, body = ts.upload(t, c, id, "file", "scan.pdf")
	if status != http.StatusUnprocessableEntity || !strings.Contains(body["error"].(string), "No text") {
		t.Fatalf("empty extraction: %d %v", status, body)
	}

	if status, body := ts.do(t, c, http.MethodPost, "/studysets/"+id+"/flashcards/save-preview", map[string]any{"flashcards": []any{}}); status != http.StatusBadRequest || body["error"] != "No flashcards data to save" {
		t.Fatalf("empty save: %d %v", status, body)
	}
}

func TestManualFlashcardsAndReview(t *testing.T) {
	ts := newTestServer(t)
	c := ts.login(t, "alice")
	id := ts.createSet(t, c, "Spanish")

	if status, body := ts.do(t, c, http.MethodPost, "/studysets/"+id+"/flashcards", map[string]any{"flashcards": []any{}}); status != http.StatusBadRequest || body["error"] != "No flashcards data provided" {
		t.Fatalf("empty create: %d %v", status, body)
	}

	status, body := ts.do(t, c, http.MethodPost, "/studysets/"+id+"/flashcards", map[string]any{
		"flashcards": []map[string]string{{"question": "hola", "answer": "hello"}, {"question": "adios", "answer": "goodbye"}},
	})
	if status != http.StatusCreated || body["message"] != "Created 2 flashcards" {
		t.Fatalf("create: %d %v", status, body)
	}
	created := body["flashcards"].([]any)
	firstID := created[0].(map[string]any)["id"].(string)
	secondID := created[1].(map[string]any)["id"].(string)

	status, body = ts.do(t, c, http.MethodPut, "/studysets/"+id+"/flashcards", map[string]any{
		"flashcards": []map[string]string{{"id": firstID, "question": "hola", "answer": "hi"}, {"question": "gracias", "answer": "thanks"}},
		"delete_ids": []string{secondID},
	})
	if status != http.StatusOK || len(body["flashcards"].([]any)) != 2 {
		t.Fatalf("bulk update: %d %v", status, body)
	}

	status, body = ts.do(t, c, http.MethodGet, "/studysets/"+id+"/review/next", nil)
	next, _ := body["flashcard"].(map[string]any)
	if status != http.StatusOK || next == nil || next["id"] != firstID || next["answer"] != "hi" {
		t.Fatalf("next: %d %v", status, body)
	}

	if status, _ := ts.do(t, c, http.MethodPost, "/flashcards/"+firstID+"/review", map[string]string{"rating": "meh"}); status != http.StatusBadRequest {
		t.Fatalf("bad rating: %d", status)
	}
	status, body = ts.do(t, c, http.MethodPost, "/flashcards/"+firstID+"/review", map[string]string{"rating": "Good"})
	if status != http.StatusOK || body["review"] == nil {
		t.Fatalf("review: %d %v", status, body)
	}

	status, body = ts.do(t, c, http.MethodGet, "/studysets/"+id+"/review/stats", nil)
	if status != http.StatusOK || body["total"] != float64(2) || body["new"] != float64(1) {
		t.Fatalf("stats: %d %v", status, body)
	}

	if status, _ := ts.do(t, c, http.MethodDelete, "/flashcards/"+firstID, nil); status != http.StatusOK {
		t.Fatalf("delete card: %d", status)
	}
	if status, _ := ts.do(t, c, http.MethodDelete, "/flashcards/"+firstID, nil); status != http.StatusNotFound {
		t.Fatalf("delete missing card: %d", status)
	}
}

func TestOAuthRoutes(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client(t)

	if status, _ := ts.do(t, c, http.MethodGet, "/oauth/authorize/github", nil); status != http.StatusNotFound {
		t.Fatalf("unconfigured provider: %d", status)
	}

	resp, err := c.Get(ts.URL + "/oauth/callback/github?error=access_denied")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("callback status: %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "http://app.test/auth/login?error=") {
		t.Fatalf("callback redirect: %s", loc)
	}
}

func TestPublicMessage(t *testing.T) {
	tests := []struct {
		err    error
		marker error
		want   string
	}{
		{services.Wrap(services.ErrValidation, "", "", "title is required", nil), services.ErrValidation, "title is required"},
		{services.Wrap(services.ErrValidation, "", "", "invalid JSON payload", context.Canceled), services.ErrValidation, "invalid JSON payload"},
		{services.Wrap(services.ErrPersistence, "flashcards", "insert", "", context.Canceled), services.ErrPersistence, "Changes could not be saved"},
		{context.Canceled, nil, "Changes could not be saved"},
	}
	for _, tt := range tests {
		if got := publicMessage(tt.err, tt.marker); got != tt.want {
			t.Errorf("publicMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
