package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kalambet/meirobo/internal/api"
	"github.com/kalambet/meirobo/internal/config"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			if resp == "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"entry not found","type":"not_found_error"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useTestServer points the CLI commands at ts for the duration of the test.
func useTestServer(t *testing.T, ts *testServer) *[]string {
	t.Helper()
	var tenants []string
	old := newAPIClient
	newAPIClient = func(tenant string) (*apiClient, error) {
		tenants = append(tenants, tenant)
		return ts.client(), nil
	}
	t.Cleanup(func() { newAPIClient = old })
	return &tenants
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

var ctx = context.Background()

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/tenants/salao/quota": `{"usedBytes":10,"quotaBytes":100}`,
	})

	resp, err := ts.client().get(ctx, tenantPath("salao", "/quota"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var u map[string]int64
	if err := decodeJSON(resp, &u); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if u["usedBytes"] != 10 {
		t.Errorf("usedBytes = %d, want 10", u["usedBytes"])
	}
	if got := ts.requests[0].Auth; got != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", got)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/v1/tenants/salao/acervo/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = decodeJSON(resp, &map[string]any{})
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "entry not found") {
		t.Errorf("error = %q, want status and message", err.Error())
	}
}

func TestDecodeJSON_NoContent(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /v1/tenants/salao/acervo/e1": "",
	})
	resp, err := ts.client().delete(ctx, "/v1/tenants/salao/acervo/e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := decodeJSON(resp, nil); err != nil {
		t.Fatalf("decode error: %v", err)
	}
}

func TestClientNotReachable(t *testing.T) {
	c := &apiClient{baseURL: "http://127.0.0.1:1", token: "x", httpClient: &http.Client{Timeout: time.Second}}
	_, err := c.get(ctx, "/health")
	if err == nil || !strings.Contains(err.Error(), "is meirobo running") {
		t.Fatalf("error = %v", err)
	}
}

func TestAcervoList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/tenants/salao/acervo": `{"entries":[{"id":"0f8e7d6c-aaaa","title":"Preços","type":"prices","tags":["preco"],"enabled":true,"sizeBytes":2048}]}`,
	})
	tenants := useTestServer(t, ts)

	if err := execute(t, "acervo", "list", "--tenant", "salao", "--tags", "preco", "--limit", "5"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if got, want := ts.requests[0].Path, "/v1/tenants/salao/acervo?limit=5&tags=preco"; got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
	if len(*tenants) != 1 || (*tenants)[0] != "salao" {
		t.Errorf("client tenants = %v", *tenants)
	}
}

func TestAcervoAdd(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/tenants/salao/acervo": `{"id":"e1","title":"Horários","sizeBytes":21}`,
	})
	useTestServer(t, ts)

	err := execute(t, "acervo", "add", "--tenant", "salao", "--title", "Horários", "--text", "Seg a sex, 9h às 19h", "--tags", "horario, agenda")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := ts.requests[0]
	if r.Method != http.MethodPost || r.ContentType != "application/json" {
		t.Errorf("request = %s %s", r.Method, r.ContentType)
	}
	var body struct {
		Title   string   `json:"title"`
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body.Content != "Seg a sex, 9h às 19h" || body.Title != "Horários" {
		t.Errorf("body = %+v", body)
	}
	if len(body.Tags) != 2 || body.Tags[1] != "agenda" {
		t.Errorf("tags = %v, want [horario agenda]", body.Tags)
	}
}

func TestAcervoAdd_MissingArgs(t *testing.T) {
	useTestServer(t, newTestServer(t, nil))

	for _, args := range [][]string{
		{"acervo", "add", "--tenant", "salao", "--text", ""},
		{"acervo", "add", "--tenant", "", "--text", "x"},
	} {
		err := execute(t, args...)
		if err == nil {
			t.Fatalf("%v: expected error", args)
		}
		if !strings.Contains(err.Error(), "required") {
			t.Errorf("error = %q, want it to mention 'required'", err.Error())
		}
	}
}

func TestClientUpload(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/tenants/salao/acervo/upload": `{"id":"e2","title":"tabela.csv"}`,
	})

	resp, err := ts.client().upload(ctx, tenantPath("salao", "/acervo/upload"), "/tmp/tabela.csv", "text/csv",
		[]byte("servico,preco\ncorte,80\n"), map[string]string{"tags": "preco", "title": ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := decodeJSON(resp, &acervoEntry{}); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	r := ts.requests[0]
	if !strings.HasPrefix(r.ContentType, "multipart/form-data; boundary=") {
		t.Errorf("content type = %q", r.ContentType)
	}
	for _, want := range []string{`filename="tabela.csv"`, "Content-Type: text/csv", "corte,80", `name="tags"`} {
		if !strings.Contains(r.Body, want) {
			t.Errorf("body missing %q", want)
		}
	}
	if strings.Contains(r.Body, `name="title"`) {
		t.Error("empty fields should be omitted")
	}
}

func TestAcervoEnable(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PATCH /v1/tenants/salao/acervo/e1": `{"id":"e1","enabled":false}`,
	})
	useTestServer(t, ts)

	if err := execute(t, "acervo", "enable", "e1", "--tenant", "salao", "--off"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.requests[0].Body; !strings.Contains(got, `"enabled":false`) {
		t.Errorf("body = %s", got)
	}
}

func TestIssueTenantToken(t *testing.T) {
	var cfg config.Config
	if _, err := issueTenantToken(cfg, "salao", time.Hour); err == nil {
		t.Fatal("expected error without a JWT secret")
	}

	cfg.Auth.JWTSecret = "segredo"
	if _, err := issueTenantToken(cfg, "salao", 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}

	tok, err := issueTenantToken(cfg, "salao", time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var claims api.TenantClaims
	_, err = jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) {
		return []byte("segredo"), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		t.Fatalf("parsing token: %v", err)
	}
	if claims.Tenant != "salao" {
		t.Errorf("tenant = %q, want salao", claims.Tenant)
	}
}

func TestSplitTags(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want int
	}{
		{"", 0},
		{"faq", 1},
		{" faq , preco ,, ", 2},
	} {
		if got := splitTags(tc.in); len(got) != tc.want {
			t.Errorf("splitTags(%q) = %v, want %d tags", tc.in, got, tc.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	for in, want := range map[int64]string{
		0:       "0 B",
		1023:    "1023 B",
		2048:    "2.0 KiB",
		5 << 20: "5.0 MiB",
	} {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestRedactDSN(t *testing.T) {
	got := redactDSN("postgres://meirobo:s3cret@db:5432/meirobo?sslmode=disable")
	if strings.Contains(got, "s3cret") || !strings.Contains(got, "meirobo:****@db:5432") {
		t.Errorf("redactDSN = %q", got)
	}
	if got := redactDSN("/var/lib/meirobo"); got != "/var/lib/meirobo" {
		t.Errorf("redactDSN(path) = %q", got)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}
