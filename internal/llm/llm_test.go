package llm

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/lucasnoah/infrafactory/internal/config"
	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/stage"
)

// fakeModel returns canned replies and records the prompts it saw.
type fakeModel struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (m *fakeModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		for _, p := range msg.Parts {
			if tc, ok := p.(llms.TextContent); ok {
				m.prompts = append(m.prompts, tc.Text)
			}
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func newClient(reply string) (*Client, *fakeModel) {
	m := &fakeModel{reply: reply}
	return NewWithModel(m, Options{}), m
}

func TestClassify(t *testing.T) {
	tests := []struct {
		reply string
		want  contract.Route
	}{
		{"CHANGE", contract.RouteFullPipeline},
		{"query.", contract.RouteDirectQuery},
		{"**CONVERSATION**\n", contract.RouteNoop},
	}
	for _, tt := range tests {
		c, m := newClient(tt.reply)
		got, err := c.Classify(context.Background(), "make the api faster")
		require.NoError(t, err, tt.reply)
		assert.Equal(t, tt.want, got, tt.reply)
		assert.Contains(t, m.prompts[0], "make the api faster")
	}

	c, _ := newClient("I think this is a change request")
	_, err := c.Classify(context.Background(), "x")
	assert.Error(t, err)
}

const draftYAML = "```yaml\nsummary: Add redis\nrequirements:\n  - id: REQ-001\n    description: redis runs\n    kind: functional\n    priority: high\nacceptance_criteria:\n  - id: AC-001\n    requirement_id: REQ-001\n    description: pod running\n    check: kubectl get pods -l app=redis -o name\n    expected: pod/redis-0\nfile_targets:\n  - path: k8s/redis.yaml\n    kind: kubernetes\n    operation: create\n    resource: redis\n    description: statefulset\nestimated_monthly_cost: 45\nrequires_approval: true\n```\n"

func TestDraft(t *testing.T) {
	c, m := newClient(draftYAML)
	draft, err := c.Draft(context.Background(), contract.Request{ID: "req-1", Description: "add redis", Environment: contract.EnvTst})
	require.NoError(t, err)

	assert.Equal(t, "Add redis", draft.Summary)
	require.Len(t, draft.Requirements, 1)
	assert.Equal(t, contract.PriorityHigh, draft.Requirements[0].Priority)
	require.Len(t, draft.FileTargets, 1)
	assert.Equal(t, contract.KindKubernetes, draft.FileTargets[0].Kind)
	assert.Equal(t, 45.0, draft.EstimatedMonthlyCost)
	assert.True(t, draft.RequiresApproval)
	assert.Contains(t, m.prompts[0], "Environment: tst")
}

func TestDraft_InvalidYAML(t *testing.T) {
	c, _ := newClient("requirements: [unclosed")
	_, err := c.Draft(context.Background(), contract.Request{Description: "x", Environment: contract.EnvDev})
	assert.ErrorContains(t, err, "parse plan draft")
}

func TestGenerate(t *testing.T) {
	c, m := newClient("```yaml\nkind: Deployment\n```")
	plan := &contract.Plan{Summary: "scale api", Requirements: []contract.Requirement{{ID: "REQ-001", Description: "3 replicas"}}}
	out, err := c.Generate(context.Background(), stage.GenerateRequest{
		Request: contract.Request{Environment: contract.EnvDev},
		Plan:    plan,
		Target:  contract.FileTarget{Path: "k8s/api.yaml", Kind: contract.KindKubernetes, Operation: contract.OpModify},
		Current: "kind: Deployment\nreplicas: 1\n",
		Feedback: []contract.Finding{
			{Validator: "schema", Path: "k8s/api.yaml", Line: 4, Message: "missing limits", Remediation: "set resources.limits"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "kind: Deployment\n", out)

	p := m.prompts[0]
	assert.Contains(t, p, "- REQ-001: 3 replicas")
	assert.Contains(t, p, "Current content:\nkind: Deployment")
	assert.Contains(t, p, "[schema] k8s/api.yaml:4 missing limits (fix: set resources.limits)")
	assert.NotContains(t, p, "Resource:", "empty resource block should be omitted")
}

func TestAnswer(t *testing.T) {
	c, _ := newClient("  three pods are running \n")
	out, err := c.Answer(context.Background(), contract.Request{Description: "how many pods", Environment: contract.EnvPrd})
	require.NoError(t, err)
	assert.Equal(t, "three pods are running", out)
}

func TestModelError(t *testing.T) {
	c, m := newClient("")
	m.err = errors.New("429 too many requests")
	_, err := c.Answer(context.Background(), contract.Request{Description: "x", Environment: contract.EnvDev})
	assert.ErrorContains(t, err, "429")
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, "a: 1\n", StripFences("```yaml\na: 1\n```"))
	assert.Equal(t, "a: 1\n", StripFences("a: 1"))
	assert.Equal(t, "x\ny\n", StripFences("\n```\nx\ny\n```\n"))
}

func TestNew_ProviderNone(t *testing.T) {
	c, err := New(config.LLM{Provider: "none"}, Options{})
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = New(config.LLM{Provider: "bard"}, Options{})
	assert.Error(t, err)
}

func TestPromptOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeFile(dir+"/query.md", "custom {{environment}}: {{request}}"))
	m := &fakeModel{reply: "ok"}
	c := NewWithModel(m, Options{PromptsDir: dir})
	_, err := c.Answer(context.Background(), contract.Request{Description: "q", Environment: contract.EnvDev})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(m.prompts[0], "custom dev: q"))
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
