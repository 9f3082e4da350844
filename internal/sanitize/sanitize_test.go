package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContent_StripsScriptBlock(t *testing.T) {
	got := Content(`hello <script>alert(1)</script> world`)
	assert.NotContains(t, got, "<script")
	assert.NotContains(t, got, "alert(1)")
	assert.Contains(t, got, "hello")
	assert.Contains(t, got, "world")
}

func TestContent_StripsEventHandler(t *testing.T) {
	got := Content(`<img src=x onerror="alert(1)">hi`)
	assert.NotContains(t, strings.ToLower(got), "onerror")
}

func TestContent_NeutralisesJavascriptScheme(t *testing.T) {
	got := Content(`<a href="javascript:alert(1)">click</a>`)
	assert.NotContains(t, got, "javascript:")
}

func TestContent_PreservesProseMentioningKeywords(t *testing.T) {
	got := Content("I was reading about the script tag and iframe embedding today")
	assert.Contains(t, got, "script tag")
	assert.Contains(t, got, "iframe embedding")
}

func TestContent_DecodesEntities(t *testing.T) {
	got := Content("AT&amp;T makes &lt;great&gt; routers")
	// &lt;great&gt; decodes to tag syntax, which the generic-tag stage strips.
	assert.Equal(t, "AT&T makes  routers", got)
}

func TestParseMentions_ResolvesRegisteredAgents(t *testing.T) {
	mentions := ParseMentions("@alpha please do X, not @ghost", []string{"alpha", "beta"})
	assert.Equal(t, []string{"alpha"}, mentions)
}

func TestParseMentions_CaseInsensitiveFirstMatchWins(t *testing.T) {
	mentions := ParseMentions("@ALPHA status?", []string{"alpha", "Alpha"})
	assert.Equal(t, []string{"alpha"}, mentions)
}

func TestParseMentions_DedupesRepeatedMentions(t *testing.T) {
	mentions := ParseMentions("@alpha @alpha @beta", []string{"alpha", "beta"})
	assert.Equal(t, []string{"alpha", "beta"}, mentions)
}

func TestParseMentions_IgnoresEmailLikeText(t *testing.T) {
	mentions := ParseMentions("email me @ 5pm", []string{"alpha"})
	assert.Empty(t, mentions)
}
