package routing

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoPKT/AgentIM-sub003/internal/ssrf"
	"github.com/NoPKT/AgentIM-sub003/internal/store"
)

func TestLLMSelector_RejectsPrivateEndpoint(t *testing.T) {
	selector := NewLLMSelector(ssrf.New(), 2*time.Second)
	router := &store.Router{LlmBaseUrl: "http://127.0.0.1:9999", LlmModel: "gpt-4"}

	_, err := selector.SelectAgents(context.Background(), router, []EligibleAgent{{ID: "beta"}}, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "router endpoint rejected")
}

func TestBuildSelectionPrompt_EnumeratesAgentsAndMessage(t *testing.T) {
	prompt := buildSelectionPrompt([]EligibleAgent{
		{ID: "beta-id", Name: "beta", Type: "cli", Capabilities: []string{"code", "search"}},
	}, "status?")

	assert.True(t, strings.Contains(prompt, "id=beta-id"))
	assert.True(t, strings.Contains(prompt, "name=beta"))
	assert.True(t, strings.Contains(prompt, "capabilities=code,search"))
	assert.True(t, strings.Contains(prompt, "status?"))
}
