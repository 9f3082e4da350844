package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/NoPKT/AgentIM-sub003/internal/ssrf"
	"github.com/NoPKT/AgentIM-sub003/internal/store"
)

// chatCompletionRequest is an OpenAI-compatible chat-completion request body.
type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// LLMSelector invokes a room's Router LLM over HTTP to choose a subset of
// eligible agents for broadcast routing (spec §4.7 "Router-LLM selection").
// The endpoint is SSRF-filtered the same as any other user-configured URL
// (spec §4.10) since LlmBaseUrl is operator-supplied, not hardcoded.
type LLMSelector struct {
	client  *http.Client
	filter  *ssrf.Filter
	timeout time.Duration
}

// routerCallRate bounds outbound router-LLM calls per second, so a single
// broadcast-heavy room cannot itself become a thundering herd against the
// configured LLM endpoint (spec §4.7, §9).
const routerCallRate = 5

// NewLLMSelector creates an LLMSelector. timeout is the configured
// RouterTestTimeout (spec §4.7); a response that doesn't arrive within it is
// treated the same as a malformed one — route nowhere.
func NewLLMSelector(filter *ssrf.Filter, timeout time.Duration) *LLMSelector {
	return &LLMSelector{
		client:  ssrf.NewRateLimitedClient(routerCallRate, routerCallRate*2, timeout),
		filter:  filter,
		timeout: timeout,
	}
}

// SelectAgents sends a chat-completion request enumerating agents (id, name,
// type, capabilities) and the user's message, and parses the response as a
// JSON array of agent ids. Any error, empty, null, or malformed response is
// surfaced as an error — Engine.Route treats a Selector error as "route
// nowhere" so callers here need not special-case those outcomes.
func (s *LLMSelector) SelectAgents(ctx context.Context, router *store.Router, agents []EligibleAgent, userMessage string) ([]string, error) {
	endpoint := strings.TrimRight(router.LlmBaseUrl, "/") + "/chat/completions"

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.filter.Check(ctx, endpoint); err != nil {
		return nil, fmt.Errorf("routing: router endpoint rejected: %w", err)
	}

	prompt := buildSelectionPrompt(agents, userMessage)
	reqBody, err := json.Marshal(chatCompletionRequest{
		Model: router.LlmModel,
		Messages: []chatMessage{
			{Role: "system", Content: "You select which agents should respond. Reply with a JSON array of agent ids only."},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("routing: marshaling router request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("routing: building router request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if router.LlmApiKey != "" {
		req.Header.Set("Authorization", "Bearer "+string(router.LlmApiKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("routing: router request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("routing: router returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("routing: reading router response: %w", err)
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, fmt.Errorf("routing: malformed router response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("routing: router returned no choices")
	}

	var ids []string
	if err := json.Unmarshal([]byte(completion.Choices[0].Message.Content), &ids); err != nil {
		return nil, fmt.Errorf("routing: router choice is not a JSON array of ids: %w", err)
	}

	return ids, nil
}

func buildSelectionPrompt(agents []EligibleAgent, userMessage string) string {
	var b strings.Builder
	b.WriteString("Eligible agents:\n")
	for _, a := range agents {
		fmt.Fprintf(&b, "- id=%s name=%s type=%s capabilities=%s\n", a.ID, a.Name, a.Type, strings.Join(a.Capabilities, ","))
	}
	b.WriteString("\nUser message:\n")
	b.WriteString(userMessage)
	return b.String()
}
