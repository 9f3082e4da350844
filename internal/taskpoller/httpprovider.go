package taskpoller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/NoPKT/AgentIM-sub003/internal/ssrf"
	"github.com/NoPKT/AgentIM-sub003/internal/store"
)

// providerPollRate bounds outbound poll requests per second across all
// active tasks (spec §4.10, §9): an openai-compatible provider with a
// user-supplied BaseUrl is just another outbound HTTP destination, so it
// gets the same SSRF filtering and rate limiting as the router LLM call.
const providerPollRate = 5

// taskConfig is the opaque per-task Config blob (spec §3 "Config (opaque)")
// decoded just enough to make the poll HTTP call. Providers that need more
// than a poll URL and bearer token store it in AGENTIM-specific fields; a
// gateway is free to carry richer state through the same JSON object.
type taskConfig struct {
	PollURL string `json:"poll_url"`
	APIKey  string `json:"api_key,omitempty"`
}

// providerPollResponse is the openai-compatible poll response shape: a
// status string plus either inline text, a media URL, or an error message.
type providerPollResponse struct {
	Status   string `json:"status"` // "processing" | "succeeded" | "failed"
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Error    string `json:"error,omitempty"`
}

// HTTPProviderClient implements ProviderClient by polling a provider's
// status endpoint over SSRF-filtered HTTP (spec §4.9, §4.10). The poll URL
// and credentials travel in the task's opaque Config, set by whichever
// component invoked the provider in the first place.
type HTTPProviderClient struct {
	client *http.Client
	filter *ssrf.Filter
}

// NewHTTPProviderClient creates an HTTPProviderClient.
func NewHTTPProviderClient(filter *ssrf.Filter) *HTTPProviderClient {
	return &HTTPProviderClient{
		client: ssrf.NewRateLimitedClient(providerPollRate, providerPollRate*2, 30*time.Second),
		filter: filter,
	}
}

// Poll implements ProviderClient.
func (c *HTTPProviderClient) Poll(ctx context.Context, task store.AsyncTask) (PollResult, error) {
	var cfg taskConfig
	if err := json.Unmarshal([]byte(task.Config), &cfg); err != nil {
		return PollResult{}, fmt.Errorf("taskpoller: decoding task config: %w", err)
	}
	if cfg.PollURL == "" {
		return PollResult{}, fmt.Errorf("taskpoller: task config missing poll_url")
	}

	if err := c.filter.Check(ctx, cfg.PollURL); err != nil {
		return PollResult{}, fmt.Errorf("taskpoller: poll url rejected: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.PollURL, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("taskpoller: building poll request: %w", err)
	}
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return PollResult{}, fmt.Errorf("taskpoller: poll request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return PollResult{}, fmt.Errorf("taskpoller: reading poll response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return PollResult{}, fmt.Errorf("taskpoller: poll returned status %d", resp.StatusCode)
	}

	var parsed providerPollResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return PollResult{}, fmt.Errorf("taskpoller: decoding poll response: %w", err)
	}

	switch parsed.Status {
	case "processing", "":
		return PollResult{Status: StatusAsync}, nil
	case "succeeded":
		if parsed.MediaURL != "" {
			return PollResult{Status: StatusMedia, MediaURL: parsed.MediaURL, MimeType: parsed.MimeType}, nil
		}
		return PollResult{Status: StatusText, Text: parsed.Text}, nil
	case "failed":
		if parsed.Error == "" {
			parsed.Error = "provider reported failure"
		}
		return PollResult{}, fmt.Errorf("taskpoller: %s", parsed.Error)
	default:
		return PollResult{}, fmt.Errorf("taskpoller: unrecognized provider status %q", parsed.Status)
	}
}
