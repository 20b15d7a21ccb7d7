package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pinwork/enrichd/internal/infra/proxy"
)

func testTimeouts() Timeouts {
	return Timeouts{Connect: time.Second, Read: 2 * time.Second, Total: 3 * time.Second}
}

func newTestClient(url string) *Client {
	return NewClient(Config{
		BaseURL:    url,
		Discovery:  testTimeouts(),
		Extraction: testTimeouts(),
	})
}

func stage1Body(text, retrievalStatus string) string {
	type m = map[string]any
	cand := m{
		"content": m{"parts": []m{{"text": text}}},
	}
	if retrievalStatus != "" {
		cand["urlContextMetadata"] = m{
			"urlMetadata": []m{{"urlRetrievalStatus": retrievalStatus}},
		}
	}
	raw, _ := json.Marshal(m{"candidates": []m{cand}})
	return string(raw)
}

func TestStage1Success(t *testing.T) {
	var gotPath string
	var gotReq generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(stage1Body("summary of the site", GroundingSuccess)))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	out, err := c.Stage1(context.Background(), "model-a", "key-1", proxy.Endpoint{}, "shop.example.com", "describe the business")
	if err != nil {
		t.Fatalf("Stage1 failed: %v", err)
	}

	if gotPath != "/v1beta/models/model-a:generateContent" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if len(gotReq.Tools) != 2 {
		t.Errorf("expected urlContext and googleSearch tools, got %d", len(gotReq.Tools))
	}
	if !out.OK() {
		t.Fatalf("expected grounded success, got status=%d grounding=%q", out.StatusCode, out.GroundingStatus)
	}
	if out.Text != "summary of the site" {
		t.Errorf("unexpected text %q", out.Text)
	}
}

func TestStage1GroundingStatuses(t *testing.T) {
	tests := []struct {
		name     string
		respBody string
		want     string
	}{
		{"no candidates", `{"candidates":[]}`, GroundingNoResults},
		{"no url metadata", stage1Body("text", ""), GroundingNoMeta},
		{"retrieval error", stage1Body("", GroundingError), GroundingError},
		{"html instead of json", "<html>service unavailable</html>", GroundingNonJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.respBody))
			}))
			defer srv.Close()

			out, err := newTestClient(srv.URL).Stage1(context.Background(), "m", "k", proxy.Endpoint{}, "a.example.com", "p")
			if err != nil {
				t.Fatalf("Stage1 failed: %v", err)
			}
			if out.GroundingStatus != tt.want {
				t.Errorf("grounding status = %q, want %q", out.GroundingStatus, tt.want)
			}
			if out.OK() {
				t.Error("outcome should not be OK")
			}
		})
	}
}

func TestStage1HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","message":"Quota exceeded"}}`))
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).Stage1(context.Background(), "m", "k", proxy.Endpoint{}, "a.example.com", "p")
	if err != nil {
		t.Fatalf("Stage1 failed: %v", err)
	}
	if out.StatusCode != 429 {
		t.Errorf("status = %d, want 429", out.StatusCode)
	}
	if out.ErrorBody != "429 RESOURCE_EXHAUSTED: Quota exceeded" {
		t.Errorf("unexpected error body %q", out.ErrorBody)
	}
}

func TestStage1TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := newTestClient(srv.URL).Stage1(context.Background(), "m", "k", proxy.Endpoint{}, "a.example.com", "p")
	if err == nil {
		t.Fatal("expected a transport error")
	}
}

func TestStage2Success(t *testing.T) {
	payload := `{"segments_full":"shop example","segments_language":"en","summary":"An online shop."}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.SystemInstruction == nil {
			t.Error("expected a system instruction")
		}
		if req.GenerationConfig.ResponseMimeType != "application/json" {
			t.Errorf("unexpected mime type %q", req.GenerationConfig.ResponseMimeType)
		}
		w.Write([]byte(stage1Body(payload, "")))
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).Stage2(context.Background(), "m", "k", proxy.Endpoint{}, "shop.example.com", "stage1 text", "system prompt")
	if err != nil {
		t.Fatalf("Stage2 failed: %v", err)
	}
	if out.StatusCode != 200 || out.Payload == nil {
		t.Fatalf("expected parsed payload, got status=%d payload=%v", out.StatusCode, out.Payload)
	}
	if got := out.Field("segments_full"); got != "shop example" {
		t.Errorf("segments_full = %q", got)
	}
	if got := out.Field("missing"); got != "" {
		t.Errorf("missing field = %q, want empty", got)
	}
}

func TestStage2MalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(stage1Body("not json at all", "")))
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).Stage2(context.Background(), "m", "k", proxy.Endpoint{}, "a.example.com", "t", "s")
	if err != nil {
		t.Fatalf("Stage2 failed: %v", err)
	}
	if out.Payload != nil {
		t.Errorf("expected nil payload, got %v", out.Payload)
	}
	if out.ErrorBody == "" {
		t.Error("expected the raw payload text in ErrorBody")
	}
}

func TestFormatAPIError(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			"structured error",
			`{"error":{"code":503,"status":"UNAVAILABLE","message":"try later"}}`,
			"503 UNAVAILABLE: try later",
		},
		{
			"structured without message",
			`{"error":{"code":400,"status":"INVALID_ARGUMENT"}}`,
			"400 INVALID_ARGUMENT: No message",
		},
		{"plain text passthrough", "bad gateway", "bad gateway"},
		{"long body truncated", string(long), string(long[:200]) + "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatAPIError(tt.raw); got != tt.want {
				t.Errorf("FormatAPIError() = %q, want %q", got, tt.want)
			}
		})
	}
}
