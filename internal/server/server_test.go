package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"testing"

	"modelbay/internal/blob"
	"modelbay/internal/db"
	"modelbay/internal/domain"
	"modelbay/internal/migrate"
	"modelbay/internal/service"
	"modelbay/internal/store/sqlite"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	svc := service.New(sqlite.New(conn), blob.NewMemory())
	handler, err := New(Config{Service: svc, BasePath: "/v0", Auth: auth})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
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
	for k, v := range headers {
		req.Header.Set(k, v)
	}
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

func doUpload(t *testing.T, client *http.Client, url, filename string, content []byte) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
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

func createTestProject(t *testing.T, srv *testServer) domain.Project {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"title":        "Gearbox housing",
		"amount":       250,
		"buyer_email":  "buyer@example.com",
		"seller_email": "seller@example.com",
		"created_by":   "buyer",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	p := createTestProject(t, srv)

	if p.Status != "created" || p.PaymentStatus != "pending" {
		t.Fatalf("fresh project: status=%s payment=%s", p.Status, p.PaymentStatus)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/deposit", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deposit status %d: %s", res.StatusCode, string(data))
	}

	content := []byte("solid gearbox housing")
	res, data = doUpload(t, client, srv.URL+"/v0/projects/"+p.ID+"/upload", "part.stl", content)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upload status %d: %s", res.StatusCode, string(data))
	}
	var uploaded domain.Project
	if err := json.Unmarshal(data, &uploaded); err != nil {
		t.Fatalf("unmarshal uploaded: %v", err)
	}
	if uploaded.Status != "file_uploaded" || uploaded.FileName == nil || *uploaded.FileName != "part.stl" {
		t.Fatalf("uploaded project: %s", string(data))
	}

	// Download is forbidden until both sides approve.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/file?download=true", nil, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("premature download status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "forbidden" {
		t.Fatalf("error envelope = %s", string(data))
	}

	// Metadata preview is not gated.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/file", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("file info status %d: %s", res.StatusCode, string(data))
	}
	var info struct {
		Name         string `json:"file_name"`
		Downloadable bool   `json:"downloadable"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("unmarshal info: %v", err)
	}
	if info.Name != "part.stl" || info.Downloadable {
		t.Fatalf("file info = %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/buyer-action", map[string]any{"action": "approve"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("buyer approve status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/seller-approve", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("seller approve status %d: %s", res.StatusCode, string(data))
	}
	var done domain.Project
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal done: %v", err)
	}
	if done.Status != "completed" || done.PaymentStatus != "released" {
		t.Fatalf("final project: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/file?download=true", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("download status %d: %s", res.StatusCode, string(data))
	}
	if !bytes.Equal(data, content) {
		t.Fatalf("downloaded %d bytes, want %d", len(data), len(content))
	}
	if cd := res.Header.Get("Content-Disposition"); cd == "" {
		t.Error("missing Content-Disposition on download")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/activities", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activities status %d: %s", res.StatusCode, string(data))
	}
	var acts []domain.Activity
	if err := json.Unmarshal(data, &acts); err != nil {
		t.Fatalf("unmarshal activities: %v", err)
	}
	if len(acts) != 5 {
		t.Fatalf("got %d activities, want 5: %s", len(acts), string(data))
	}
	if acts[0].Type != "completion" || acts[len(acts)-1].Type != "created" {
		t.Fatalf("activity order: %s", string(data))
	}
}

func TestUploadRejectsDisallowedExtension(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	p := createTestProject(t, srv)

	res, data := doUpload(t, srv.Client(), srv.URL+"/v0/projects/"+p.ID+"/upload", "virus.exe", []byte("MZ"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+p.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project status %d", res.StatusCode)
	}
	var got domain.Project
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != "created" || got.FileName != nil {
		t.Fatalf("rejected upload mutated project: %s", string(data))
	}
}

func TestUnknownProjectReturns404(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/8b9cf8f2-0000-4000-8000-000000000000", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "not_found" {
		t.Fatalf("error envelope = %s", string(data))
	}
}

func TestRecentActivitiesFeed(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	p := createTestProject(t, srv)
	createTestProject(t, srv)

	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/deposit", nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("deposit status %d: %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/activities/recent?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("recent status %d: %s", res.StatusCode, string(data))
	}
	var acts []domain.Activity
	if err := json.Unmarshal(data, &acts); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(acts) != 2 {
		t.Fatalf("got %d entries, want 2: %s", len(acts), string(data))
	}
	if acts[0].ProjectID != p.ID || acts[0].Type != "payment" {
		t.Fatalf("most recent = %+v", acts[0])
	}
}

func TestAuthRequiredWhenEnabled(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Enabled: true, JWTSecret: "test-secret"})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list status %d: %s", res.StatusCode, string(data))
	}

	// Health stays open.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/register", map[string]any{
		"username": "ada", "password": "hunter2",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"username": "ada", "password": "wrong",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"username": "ada", "password": "hunter2",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var tok TokenResponse
	if err := json.Unmarshal(data, &tok); err != nil || tok.Token == "" {
		t.Fatalf("token response = %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer " + tok.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authenticated list status %d: %s", res.StatusCode, string(data))
	}
}
