package kb

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hurttlocker/owlbee/internal/llm"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	resp   string
	err    error
	prompt string
	opts   llm.CompletionOpts
}

func (m *mockProvider) Complete(_ context.Context, prompt string, opts llm.CompletionOpts) (string, error) {
	m.prompt, m.opts = prompt, opts
	return m.resp, m.err
}

func (m *mockProvider) Name() string { return "mock/kb" }

const starterPlanJSON = "```json\n" + `{
  "brand": {"name": "", "mission": "Simple invoicing for freelancers", "target_audience": "freelancers"},
  "routing_hints": {"global_keywords": ["Pricing", "plans", "pricing"], "urls": {"pricing": "/pricing"}},
  "kb_facts": [
    {"id": "starter_plan", "title": "Starter Plan", "keywords": ["Starter", "plan", "price", "$10"], "answer_short": "Starter Plan costs $10/month.", "answer_long": "The Starter Plan — $10/month — includes unlimited invoices for one user."},
    {"id": "starter_plan", "title": "Team Plan", "keywords": ["team"], "answer_short": "Team Plan costs $25/month.", "answer_long": ""}
  ],
  "qa_patterns": [
    {"intent_id": "", "triggers": ["How much is the starter plan?", "starter plan price"], "response_inline": "The Starter Plan is $10/month.", "response_ref": "starter_plan"},
    {"intent_id": "ghost", "triggers": ["anything"], "response_inline": "", "response_ref": "missing_fact"}
  ]
}` + "\n```"

func TestGenerateStarterPlan(t *testing.T) {
	mp := &mockProvider{resp: starterPlanJSON}
	g := NewGenerator(mp, 0, zerolog.Nop())

	got, err := g.Generate(context.Background(), "Starter Plan — $10/month. Unlimited invoices for one user.", Metadata{Name: "InvoiceOwl", Description: "Invoicing help"})
	require.NoError(t, err)

	assert.Contains(t, mp.prompt, "Starter Plan — $10/month")
	assert.Contains(t, mp.prompt, "InvoiceOwl")
	assert.Equal(t, "json", mp.opts.Format)
	assert.NotEmpty(t, mp.opts.System)

	assert.Equal(t, "InvoiceOwl", got.Brand.Name)
	assert.Equal(t, []string{"pricing", "plans"}, got.RoutingHints.GlobalKeywords)

	require.Len(t, got.Facts, 2)
	starter := got.Facts[0]
	assert.Contains(t, starter.AnswerLong, "$10")
	assert.True(t, containsAny(starter.Keywords, "plan", "price", "$10"))
	assert.Equal(t, "starter_plan_2", got.Facts[1].ID)
	assert.Equal(t, "Team Plan costs $25/month.", got.Facts[1].AnswerLong)

	require.Len(t, got.Patterns, 1)
	assert.Equal(t, "intent_1", got.Patterns[0].IntentID)
	assert.Equal(t, "starter_plan", got.Patterns[0].ResponseRef)
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name  string
		p     llm.Provider
		stage string
	}{
		{"no provider", nil, "llm"},
		{"llm error", &mockProvider{err: errors.New("quota exceeded")}, "llm"},
		{"not json", &mockProvider{resp: "Sure! Here is your knowledge base."}, "parse"},
		{"empty kb", &mockProvider{resp: `{"brand":{"name":"x"},"kb_facts":[],"qa_patterns":[]}`}, "validate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGenerator(tt.p, 0, zerolog.Nop()).Generate(context.Background(), "text", Metadata{})
			var genErr *GenerationError
			require.True(t, errors.As(err, &genErr), "got %v", err)
			assert.Equal(t, tt.stage, genErr.Stage)
		})
	}
}

func TestGenerateTruncates(t *testing.T) {
	mp := &mockProvider{resp: `{"kb_facts":[{"title":"a","answer_short":"b"}]}`}
	_, err := NewGenerator(mp, 10, zerolog.Nop()).Generate(context.Background(), strings.Repeat("x", 50), Metadata{})
	require.NoError(t, err)
	assert.Contains(t, mp.prompt, strings.Repeat("x", 10)+"\n---")
	assert.NotContains(t, mp.prompt, strings.Repeat("x", 11))
}

func TestParseFences(t *testing.T) {
	for _, in := range []string{
		`{"kb_facts":[{"id":"a","title":"A"}]}`,
		"```\n{\"kb_facts\":[{\"id\":\"a\",\"title\":\"A\"}]}\n```",
		"```json {\"kb_facts\":[{\"id\":\"a\",\"title\":\"A\"}]} ```",
	} {
		got, err := Parse(in)
		require.NoError(t, err, in)
		require.Len(t, got.Facts, 1)
		assert.Equal(t, "a", got.Facts[0].ID)
	}
	_, err := Parse("   ")
	assert.Error(t, err)
}

func sampleKB() *KnowledgeBase {
	k := &KnowledgeBase{
		Facts: []Fact{
			{ID: "refunds", Title: "Refund Policy", Keywords: []string{"refund", "money back", "return"}, AnswerShort: "30-day refunds.", AnswerLong: "We offer a 30-day money-back guarantee."},
			{ID: "hours", Title: "Support Hours", Keywords: []string{"hours", "open", "support"}, AnswerShort: "Mon-Fri.", AnswerLong: "Support is available Monday through Friday."},
		},
		Patterns: []QAPattern{
			{IntentID: "refund_policy", Triggers: []string{"What is your refund policy?", "can I get my money back"}, ResponseInline: "You can get a full refund within 30 days."},
			{IntentID: "contact", Triggers: []string{"how do I contact support"}, ResponseRef: "hours"},
		},
	}
	k.Normalize(Metadata{})
	return k
}

func TestMatchExactTrigger(t *testing.T) {
	got := Match("What is your refund policy?", sampleKB(), 1)
	require.Len(t, got, 1)
	assert.Equal(t, MatchPattern, got[0].Type)
	assert.Equal(t, "refund_policy", got[0].Pattern.IntentID)
	assert.Equal(t, 1.0, got[0].Score)
	assert.Equal(t, "You can get a full refund within 30 days.", got[0].Answer)
}

func TestTriggerScore(t *testing.T) {
	q := func(s string) (string, map[string]bool) {
		toks := tokenize(s)
		return strings.Join(toks, " "), toSet(toks)
	}
	tests := []struct {
		name, query, trigger string
		want                 float64
	}{
		{"query inside trigger", "refund policy", "what is your refund policy", 1.0},
		{"trigger inside query", "hello what is your refund policy today", "refund policy", 1.0},
		{"high overlap", "refund policy details", "policy on refund", 0.7 + 0.3*2.0/3.0},
		{"low overlap", "how long does shipping take overall", "shipping costs", 1.0 / 6.0},
		{"no overlap", "opening hours", "refund policy", 0},
		{"no partial words", "refunding", "refund", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			norm, set := q(tt.query)
			assert.InDelta(t, tt.want, triggerScore(norm, set, tt.trigger), 1e-9)
		})
	}
}

func TestMatchFactsAndOrdering(t *testing.T) {
	k := sampleKB()

	got := Match("what are your support hours", k, 5)
	require.NotEmpty(t, got)
	assert.Equal(t, MatchFact, got[0].Type)
	assert.Equal(t, "hours", got[0].Fact.ID)
	// title phrase 0.5 + 2 of 3 keywords
	assert.InDelta(t, 0.5+0.5*2.0/3.0, got[0].Score, 1e-9)

	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}

	got = Match("how do I contact support", k, 5)
	require.NotEmpty(t, got)
	assert.Equal(t, MatchPattern, got[0].Type)
	assert.Equal(t, "Support is available Monday through Friday.", got[0].Answer)

	assert.Empty(t, Match("zebra migration", k, 5))
	assert.Empty(t, Match("   ", k, 5))
	assert.Nil(t, Match("refund", nil, 5))
}

func TestMatchDropsWeakFacts(t *testing.T) {
	k := &KnowledgeBase{Facts: []Fact{{ID: "f", Title: "Enterprise customer onboarding program overview", Keywords: []string{"sso", "saml", "audit", "seats", "contract", "sla", "dpa", "invoice", "msa", "security"}}}}
	// one title word out of five: 0.1, not above the cutoff
	assert.Empty(t, Match("program fees and pricing", k, 5))
}

func TestNormalizeIDs(t *testing.T) {
	k := &KnowledgeBase{Facts: []Fact{{Title: "A", AnswerShort: "x"}, {ID: "fact_1", Title: "B", AnswerShort: "y"}, {Title: "  "}}}
	k.Normalize(Metadata{Name: "Acme"})
	require.Len(t, k.Facts, 2)
	assert.Equal(t, "fact_1", k.Facts[0].ID)
	assert.Equal(t, "fact_1_2", k.Facts[1].ID)
	assert.Equal(t, "Acme", k.Brand.Name)
	assert.NotNil(t, k.RoutingHints.URLs)
}

func containsAny(list []string, want ...string) bool {
	for _, l := range list {
		for _, w := range want {
			if l == w {
				return true
			}
		}
	}
	return false
}
