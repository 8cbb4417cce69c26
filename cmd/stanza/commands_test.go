package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
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
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
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

var ctx = context.Background()

func TestCreateProfile(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /profiles": `{"id":"prof-123","slug":"support-agent"}`,
	})

	client := ts.client()

	req := map[string]any{
		"name":     "Support Agent",
		"identity": "You are a support agent.",
	}

	resp, err := client.post(ctx, "/profiles", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var created struct {
		ID   string `json:"id"`
		Slug string `json:"slug"`
	}
	if err := decodeJSON(resp, &created); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if created.ID != "prof-123" {
		t.Errorf("id = %q, want prof-123", created.ID)
	}
	if created.Slug != "support-agent" {
		t.Errorf("slug = %q, want support-agent", created.Slug)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}

	r := ts.requests[0]
	if r.Method != "POST" {
		t.Errorf("method = %q, want POST", r.Method)
	}
	if r.Path != "/profiles" {
		t.Errorf("path = %q, want /profiles", r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["name"] != "Support Agent" {
		t.Errorf("body.name = %v, want Support Agent", body["name"])
	}
}

func TestPreviewRequestShape(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /profiles/prof-1/preview": `{"text":"You are helpful.","size":16,"units":"chars","included":[],"excluded":[]}`,
	})

	client := ts.client()

	body := map[string]any{
		"context":  map[string]any{"request": "help me debug", "keywords": []string{"debug"}},
		"assembly": map[string]any{"max_budget": 4000},
	}

	resp, err := client.post(ctx, "/profiles/prof-1/preview", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var prompt struct {
		Text  string `json:"text"`
		Size  int    `json:"size"`
		Units string `json:"units"`
	}
	if err := decodeJSON(resp, &prompt); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if prompt.Text != "You are helpful." {
		t.Errorf("text = %q", prompt.Text)
	}
	if prompt.Units != "chars" {
		t.Errorf("units = %q, want chars", prompt.Units)
	}

	var sent map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	sc, ok := sent["context"].(map[string]any)
	if !ok {
		t.Fatal("request body missing context object")
	}
	if sc["request"] != "help me debug" {
		t.Errorf("context.request = %v", sc["request"])
	}
}

func TestDecodeJSONErrorIncludesBody(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	client := ts.client()

	resp, err := client.get(ctx, "/profiles/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to mention status 404", err.Error())
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q, want it to include the response body", err.Error())
	}
}

func TestSectionsAddCommand_MissingTemplate(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"sections", "add", "prof-1", "greeting"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing template")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestSectionsImportCommand_MissingSource(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"sections", "import", "prof-1", "style-guide"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing source flag")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" a, b ,c ")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("part %d = %q, want %q", i, got[i], want[i])
		}
	}
	if splitCSV("") != nil {
		t.Error("splitCSV(\"\") should be nil")
	}
}
