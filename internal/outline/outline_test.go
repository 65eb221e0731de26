package outline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/codewiki/internal/errors"
	"git.home.luguber.info/inful/codewiki/internal/llm"
	"git.home.luguber.info/inful/codewiki/internal/retry"
)

func TestSlugify(t *testing.T) {
	assert.Equal(t, "getting-started", Slugify("Getting Started"))
	assert.Equal(t, "api-v2-reference", Slugify("API v2: Reference!"))
	assert.Equal(t, "urun-kilavuzu", Slugify("Ürün Kılavuzu"))
	assert.Equal(t, "", Slugify("!!!"))
}

const validPlan = `Here is the plan.
<documentation_structure>
[
  {"title": "Getting Started", "slug": "getting-started", "prompt": "Install and run.", "children": []},
  {"title": "Architecture", "prompt": "Describe the design.", "children": [
    {"title": "Core", "slug": "core", "prompt": "Core internals."}
  ]}
]
</documentation_structure>`

func TestParseForestValid(t *testing.T) {
	nodes, err := ParseForest(validPlan)
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	assert.Equal(t, "getting-started", nodes[0].Slug)
	assert.Equal(t, 0, nodes[0].OrderIndex)
	assert.Empty(t, nodes[0].ParentID)

	assert.Equal(t, "architecture", nodes[1].Slug, "missing slugs derive from the title")
	assert.Equal(t, 1, nodes[1].OrderIndex)

	assert.Equal(t, "core", nodes[2].Slug)
	assert.Equal(t, nodes[1].ID, nodes[2].ParentID)
	assert.Equal(t, 0, nodes[2].OrderIndex, "sibling order restarts per parent")
}

func TestParseForestMissingTag(t *testing.T) {
	_, err := ParseForest("I think the documentation should cover installation first.")
	require.Error(t, err)
}

func TestParseForestBadJSON(t *testing.T) {
	_, err := ParseForest("<documentation_structure>not json</documentation_structure>")
	require.Error(t, err)
}

func TestParseForestDuplicateSiblingSlug(t *testing.T) {
	_, err := ParseForest(`<documentation_structure>
[{"title": "A", "slug": "same"}, {"title": "B", "slug": "same"}]
</documentation_structure>`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate sibling slug")
}

func TestParseForestDepthCap(t *testing.T) {
	deep := `{"title": "L6", "slug": "l6"}`
	for i := 5; i >= 1; i-- {
		deep = `{"title": "L` + string(rune('0'+i)) + `", "slug": "l` + string(rune('0'+i)) + `", "children": [` + deep + `]}`
	}
	_, err := ParseForest("<documentation_structure>[" + deep + "]</documentation_structure>")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depth")
}

func TestParseForestQualifiesRepeatedSlugs(t *testing.T) {
	nodes, err := ParseForest(`<documentation_structure>
[
  {"title": "Client", "slug": "client", "children": [{"title": "Usage", "slug": "usage"}]},
  {"title": "Server", "slug": "server", "children": [{"title": "Usage", "slug": "usage"}]}
]
</documentation_structure>`)
	require.NoError(t, err)
	require.Len(t, nodes, 4)
	assert.Equal(t, "usage", nodes[1].Slug)
	assert.Equal(t, "server-usage", nodes[3].Slug, "repeated slugs qualify with the parent")
}

type scriptedProvider struct {
	replies []string
	calls   int
}

func (s *scriptedProvider) Name() string { return "scripted" }
func (s *scriptedProvider) Chat(context.Context, *llm.Request) (*llm.Response, error) {
	reply := s.replies[len(s.replies)-1]
	if s.calls < len(s.replies) {
		reply = s.replies[s.calls]
	}
	s.calls++
	return &llm.Response{Content: reply, StopReason: llm.StopReasonStop}, nil
}
func (s *scriptedProvider) ChatStream(ctx context.Context, req *llm.Request, fn llm.StreamFunc) (*llm.Response, error) {
	return s.Chat(ctx, req)
}

func newPlanner(p llm.Provider) *Planner {
	g := llm.NewWithProvider(p, retry.Policy{Mode: retry.BackoffFixed, Initial: time.Millisecond, MaxRetries: 0}, time.Minute)
	return New(g, "gpt-4o")
}

func TestPlanRetriesWithPriorOutputThenSucceeds(t *testing.T) {
	p := &scriptedProvider{replies: []string{"free prose, no structure", validPlan}}
	planner := newPlanner(p)

	nodes, err := planner.Plan(context.Background(), &Request{Organization: "acme", Name: "toy"})
	require.NoError(t, err)
	assert.Len(t, nodes, 3)
	assert.Equal(t, 2, p.calls)
}

func TestPlanFailsWithPlanInvalidAfterThreeAttempts(t *testing.T) {
	p := &scriptedProvider{replies: []string{"prose", "more prose", "still prose"}}
	planner := newPlanner(p)

	_, err := planner.Plan(context.Background(), &Request{Organization: "acme", Name: "toy"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), FailureReason)
	assert.True(t, errors.IsCategory(err, errors.CategoryPlan))
	assert.Equal(t, 3, p.calls)
}

func TestPlanUserPromptAppended(t *testing.T) {
	var seen string
	p := &capturingProvider{reply: validPlan, capture: func(req *llm.Request) {
		for _, m := range req.Messages {
			if m.Role == llm.RoleUser {
				seen = m.Content
			}
		}
	}}
	planner := newPlanner(p)
	_, err := planner.Plan(context.Background(), &Request{
		Organization: "acme", Name: "toy", UserPrompt: "Document the plugin API in depth.",
	})
	require.NoError(t, err)
	assert.True(t, strings.Contains(seen, "Document the plugin API in depth."))
}

type capturingProvider struct {
	reply   string
	capture func(*llm.Request)
}

func (c *capturingProvider) Name() string { return "capturing" }
func (c *capturingProvider) Chat(_ context.Context, req *llm.Request) (*llm.Response, error) {
	c.capture(req)
	return &llm.Response{Content: c.reply, StopReason: llm.StopReasonStop}, nil
}
func (c *capturingProvider) ChatStream(ctx context.Context, req *llm.Request, fn llm.StreamFunc) (*llm.Response, error) {
	return c.Chat(ctx, req)
}
