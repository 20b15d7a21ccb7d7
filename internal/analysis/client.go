package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pinwork/enrichd/internal/infra/proxy"
)

// maxErrorBody caps how much of a failed response body is kept for
// classification and logging.
const maxErrorBody = 512

// Timeouts are the per-stage network limits. Connect bounds the dial and TLS
// handshake, Read bounds the wait for response headers, Total bounds the
// whole exchange.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Total   time.Duration
}

// Config wires the client to the analysis service.
type Config struct {
	BaseURL    string
	Discovery  Timeouts
	Extraction Timeouts
}

// Client talks to the analysis service. Every call goes out through the
// credential's proxy endpoint, so the HTTP client is built per request.
type Client struct {
	cfg Config
}

// NewClient creates an analysis service client.
func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg}
}

type requestPart struct {
	Text string `json:"text"`
}

type requestContent struct {
	Role  string        `json:"role,omitempty"`
	Parts []requestPart `json:"parts"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type generateRequest struct {
	Contents          []requestContent `json:"contents"`
	Tools             []map[string]any `json:"tools,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
	SystemInstruction *requestContent  `json:"systemInstruction,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		URLContextMetadata struct {
			URLMetadata []struct {
				URLRetrievalStatus string `json:"urlRetrievalStatus"`
			} `json:"urlMetadata"`
		} `json:"urlContextMetadata"`
	} `json:"candidates"`
}

// Stage1 runs the discovery call: the service fetches the target site via its
// URL context tooling and returns a text summary plus a grounding status.
// Transport failures come back as an error for the caller to classify; HTTP
// errors come back as an outcome with the status code and formatted body.
func (c *Client) Stage1(ctx context.Context, model, apiKey string, ep proxy.Endpoint, domainFull, prompt string) (Stage1Outcome, error) {
	body := generateRequest{
		Contents: []requestContent{{
			Role:  "user",
			Parts: []requestPart{{Text: fmt.Sprintf("Analyze website https://%s\n\n%s", domainFull, prompt)}},
		}},
		Tools: []map[string]any{
			{"urlContext": map[string]any{}},
			{"googleSearch": map[string]any{}},
		},
		GenerationConfig: generationConfig{Temperature: 0.3},
	}

	start := time.Now()
	status, raw, err := c.post(ctx, model, apiKey, ep, c.cfg.Discovery, body)
	elapsed := time.Since(start)
	if err != nil {
		return Stage1Outcome{Elapsed: elapsed}, err
	}

	out := Stage1Outcome{StatusCode: status, Elapsed: elapsed}
	if status != http.StatusOK {
		out.ErrorBody = FormatAPIError(string(raw))
		return out, nil
	}

	var resp generateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		out.GroundingStatus = GroundingNonJSON
		out.ErrorBody = truncate(string(raw), maxErrorBody)
		return out, nil
	}
	if len(resp.Candidates) == 0 {
		out.GroundingStatus = GroundingNoResults
		return out, nil
	}

	cand := resp.Candidates[0]
	if len(cand.Content.Parts) > 0 {
		out.Text = cand.Content.Parts[0].Text
	}
	if len(cand.URLContextMetadata.URLMetadata) == 0 {
		out.GroundingStatus = GroundingNoMeta
		return out, nil
	}
	out.GroundingStatus = cand.URLContextMetadata.URLMetadata[0].URLRetrievalStatus
	return out, nil
}

// Stage2 runs the extraction call: stage-1 text goes in, a structured JSON
// profile comes out. The service is asked for JSON output directly.
func (c *Client) Stage2(ctx context.Context, model, apiKey string, ep proxy.Endpoint, domainFull, text, systemPrompt string) (Stage2Outcome, error) {
	body := generateRequest{
		Contents: []requestContent{{
			Role:  "user",
			Parts: []requestPart{{Text: fmt.Sprintf("Analyze content review of website %s: %s", domainFull, text)}},
		}},
		GenerationConfig: generationConfig{
			Temperature:      0.3,
			ResponseMimeType: "application/json",
		},
		SystemInstruction: &requestContent{Parts: []requestPart{{Text: systemPrompt}}},
	}

	start := time.Now()
	status, raw, err := c.post(ctx, model, apiKey, ep, c.cfg.Extraction, body)
	elapsed := time.Since(start)
	if err != nil {
		return Stage2Outcome{Elapsed: elapsed}, err
	}

	out := Stage2Outcome{StatusCode: status, Elapsed: elapsed}
	if status != http.StatusOK {
		out.ErrorBody = FormatAPIError(string(raw))
		return out, nil
	}

	var resp generateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		out.ErrorBody = truncate(string(raw), maxErrorBody)
		return out, nil
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		out.ErrorBody = "empty response: no candidates"
		return out, nil
	}

	payloadText := resp.Candidates[0].Content.Parts[0].Text
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadText), &payload); err != nil {
		out.ErrorBody = truncate(payloadText, maxErrorBody)
		return out, nil
	}
	out.Payload = payload
	return out, nil
}

func (c *Client) post(ctx context.Context, model, apiKey string, ep proxy.Endpoint, t Timeouts, body generateRequest) (int, []byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		c.cfg.BaseURL, model, url.QueryEscape(apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient(ep, t).Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// httpClient builds a transport routed through the given proxy with the
// stage's timeouts applied.
func httpClient(ep proxy.Endpoint, t Timeouts) *http.Client {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: t.Connect}).DialContext,
		TLSHandshakeTimeout:   t.Connect,
		ResponseHeaderTimeout: t.Read,
		MaxIdleConnsPerHost:   1,
		IdleConnTimeout:       time.Minute,
	}
	if ep.Host != "" {
		transport.Proxy = http.ProxyURL(ep.URL())
	}
	return &http.Client{
		Timeout:   t.Total,
		Transport: transport,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...[truncated]"
}
