// Package llm provides a thin REST client for a Gemini-style generative
// language API. It sends a role-tagged message sequence plus a generation
// configuration (temperature, top-k, top-p, max output tokens) and returns
// the generated text together with the token usage reported by the API.
//
// The client is deliberately small: no retries, no streaming, no response
// caching. Timeouts come from the injected http.Client, and all failures
// (transport errors, non-2xx statuses, empty candidate lists) surface as
// errors so the caller can decide what reaches the end user.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nlamprou/go-chat-rewards/internal/domain"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gemini-1.5-flash"

// Turn is one element of the role-tagged message sequence sent to the API.
// Role is "user" or "assistant" (the wire format's "model" role is mapped
// internally).
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationConfig mirrors the API's sampling parameters.
type GenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

// Reply is the outcome of one generation call.
type Reply struct {
	// Text is the generated assistant response.
	Text string
	// TokensUsed is the total token count reported by the API (0 when the
	// API omits usage metadata).
	TokensUsed int
}

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, e.g. "https://generativelanguage.googleapis.com".
	BaseURL string
	// APIKey authenticates every request (sent as a query parameter).
	APIKey string
	// Model selects the generation model; DefaultModel when empty.
	Model string
	// Timeout bounds each request when no HTTPClient is supplied.
	Timeout time.Duration
	// HTTPClient overrides the default client (useful for tests).
	HTTPClient *http.Client
}

// Client calls the generative language API. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// New constructs a Client. BaseURL and APIKey are required.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("llm: base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm: API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   model,
		http:    hc,
	}, nil
}

// --- wire format ---

type wirePart struct {
	Text string `json:"text"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wireRequest struct {
	Contents         []wireContent `json:"contents"`
	GenerationConfig struct {
		Temperature     float64 `json:"temperature"`
		TopK            int     `json:"topK"`
		TopP            float64 `json:"topP"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

type wireResponse struct {
	Candidates []struct {
		Content wireContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends the message sequence and returns the first candidate's text.
// An empty candidate list or a candidate without text is an error: the caller
// must not treat it as a valid (empty) reply.
func (c *Client) Generate(ctx context.Context, turns []Turn, gen GenerationConfig) (*Reply, error) {
	if len(turns) == 0 {
		return nil, fmt.Errorf("llm: no messages to send")
	}

	req := wireRequest{Contents: make([]wireContent, 0, len(turns))}
	for _, t := range turns {
		role := "user"
		if t.Role == domain.RoleAssistant {
			role = "model"
		}
		req.Contents = append(req.Contents, wireContent{
			Role:  role,
			Parts: []wirePart{{Text: t.Content}},
		})
	}
	req.GenerationConfig.Temperature = gen.Temperature
	req.GenerationConfig.TopK = gen.TopK
	req.GenerationConfig.TopP = gen.TopP
	req.GenerationConfig.MaxOutputTokens = gen.MaxOutputTokens

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llm: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	// Cap the body read; generation responses are small relative to this.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}

	var out wireResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("llm: decode response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Error.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("llm: api error (status %d): %s", resp.StatusCode, msg)
	}

	if len(out.Candidates) == 0 {
		return nil, fmt.Errorf("llm: empty candidate list")
	}
	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return nil, fmt.Errorf("llm: candidate contained no text")
	}

	return &Reply{Text: text, TokensUsed: out.UsageMetadata.TotalTokenCount}, nil
}
