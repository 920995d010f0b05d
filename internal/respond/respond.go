// Package respond turns ranked passages into a single reply string.
//
// Selection is an ordered table of named rules. Each rule inspects the
// candidates and either produces a reply or passes; the first reply wins.
// The last rule always answers, so Select never returns an empty string.
package respond

import (
	"math/rand"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/hurttlocker/owlbee/internal/search"
	"github.com/hurttlocker/owlbee/internal/segment"
)

// Thresholds are the similarity cut-offs used by the rules.
type Thresholds struct {
	Candidate float64 // minimum similarity for a usable statement (0.15)
	Persona   float64 // below this the persona answers instead (0.2)
	Question  float64 // a question match must beat this to walk to its answer (0.3)
	Verbatim  float64 // above this content is returned as-is (0.8)
	Rephrase  float64 // above this a question match gets the direct rephrase (0.9)
	MinLength int     // minimum answer length in characters (20)
}

// DefaultThresholds returns the stock cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Candidate: 0.15,
		Persona:   0.2,
		Question:  0.3,
		Verbatim:  0.8,
		Rephrase:  0.9,
		MinLength: 20,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.Candidate <= 0 {
		t.Candidate = d.Candidate
	}
	if t.Persona <= 0 {
		t.Persona = d.Persona
	}
	if t.Question <= 0 {
		t.Question = d.Question
	}
	if t.Verbatim <= 0 {
		t.Verbatim = d.Verbatim
	}
	if t.Rephrase <= 0 {
		t.Rephrase = d.Rephrase
	}
	if t.MinLength <= 0 {
		t.MinLength = d.MinLength
	}
	return t
}

// Neighbors looks up stored passages by index. search.Corpus implements it.
type Neighbors interface {
	Passage(i int) (string, bool)
}

// Input is everything a rule may look at.
type Input struct {
	Candidates []search.Result // ranked, best first
	Query      string
	Persona    string    // chatbot system prompt, may be empty
	Neighbors  Neighbors // may be nil
}

func (in Input) top() search.Result { return in.Candidates[0] }

// Decision is a reply plus the name of the rule that produced it.
type Decision struct {
	Text string
	Rule string
}

// Rule is one predicate/action row of the table.
type Rule struct {
	Name  string
	Apply func(s *Selector, in Input) (string, bool)
}

// Rule names, also used as answer source labels.
const (
	RuleNoCandidates = "no_candidates"
	RuleQuestionWalk = "question_walk"
	RuleStatement    = "statement"
	RulePersona      = "persona"
	RuleFallback     = "fallback"
)

// Rules is the decision table in evaluation order.
var Rules = []Rule{
	{Name: RuleNoCandidates, Apply: noCandidates},
	{Name: RuleQuestionWalk, Apply: questionWalk},
	{Name: RuleStatement, Apply: bestStatement},
	{Name: RulePersona, Apply: personaFallback},
	{Name: RuleFallback, Apply: finalFormat},
}

// Options configures a Selector.
type Options struct {
	Thresholds Thresholds
	// SuggestTopics makes canned replies list a few stored passages.
	SuggestTopics bool
	// Intn picks among phrasings. Defaults to math/rand.
	Intn func(n int) int
}

// Selector applies the rule table.
type Selector struct {
	th      Thresholds
	suggest bool
	intn    func(n int) int
	log     zerolog.Logger
}

// New builds a Selector.
func New(opts Options, log zerolog.Logger) *Selector {
	intn := opts.Intn
	if intn == nil {
		intn = rand.Intn
	}
	return &Selector{
		th:      opts.Thresholds.withDefaults(),
		suggest: opts.SuggestTopics,
		intn:    intn,
		log:     log,
	}
}

// Select runs the rules in order and returns the first reply.
func (s *Selector) Select(in Input) Decision {
	for _, r := range Rules {
		if text, ok := r.Apply(s, in); ok && strings.TrimSpace(text) != "" {
			s.log.Debug().Str("rule", r.Name).Int("candidates", len(in.Candidates)).Msg("response selected")
			return Decision{Text: text, Rule: r.Name}
		}
	}
	return Decision{Text: s.canned(in), Rule: RuleFallback}
}

// noCandidates answers when search found nothing at all.
func noCandidates(s *Selector, in Input) (string, bool) {
	if len(in.Candidates) > 0 {
		return "", false
	}
	if strings.TrimSpace(in.Persona) != "" {
		return s.Persona(in.Persona, in.Query), true
	}
	return s.canned(in), true
}

// questionWalk handles a top match that is itself a question. A "Q:" match
// takes an "A:" candidate or another candidate before the passages stored
// after it. A bare question tries the next passages first, then only a
// strong and substantial candidate.
func questionWalk(s *Selector, in Input) (string, bool) {
	top := in.top()
	content := strings.TrimSpace(top.Content)
	if !segment.LooksLikeQuestion(content) || top.Similarity <= s.th.Question {
		return "", false
	}

	if strings.HasPrefix(content, "Q:") {
		if text, ok := answerCandidate(in); ok {
			return text, true
		}
		if text, ok := otherCandidate(in, s.th.Candidate, s.th.MinLength); ok {
			return text, true
		}
		return s.nextPassage(in)
	}

	if text, ok := s.nextPassage(in); ok {
		return text, true
	}
	if text, ok := otherCandidate(in, s.th.Question, minWalkAnswer); ok {
		return text, true
	}
	return answerCandidate(in)
}

// minWalkAnswer is the length a bare question's answer candidate must beat.
const minWalkAnswer = 30

func answerCandidate(in Input) (string, bool) {
	for _, c := range in.Candidates {
		if content := strings.TrimSpace(c.Content); strings.HasPrefix(content, "A:") {
			return stripPrefix(content), true
		}
	}
	return "", false
}

func otherCandidate(in Input, floor float64, minLen int) (string, bool) {
	top := in.top()
	for _, c := range in.Candidates[1:] {
		content := strings.TrimSpace(c.Content)
		if c.Index == top.Index || segment.LooksLikeQuestion(content) {
			continue
		}
		if c.Similarity > floor && utf8.RuneCountInString(content) > minLen {
			return stripPrefix(content), true
		}
	}
	return "", false
}

func (s *Selector) nextPassage(in Input) (string, bool) {
	top := in.top()
	if in.Neighbors == nil || top.Index < 0 {
		return "", false
	}
	for offset := 1; offset <= 3; offset++ {
		next, ok := in.Neighbors.Passage(top.Index + offset)
		if !ok {
			break
		}
		next = strings.TrimSpace(next)
		if s.longEnough(next) && !segment.LooksLikeQuestion(next) {
			return stripPrefix(next), true
		}
	}
	return "", false
}

// bestStatement returns the best non-question candidate that is strong and
// long enough. A match at or below the question cut-off is left to the
// persona and fallback rules.
func bestStatement(s *Selector, in Input) (string, bool) {
	for _, c := range in.Candidates {
		content := strings.TrimSpace(c.Content)
		if segment.LooksLikeQuestion(content) {
			continue
		}
		if c.Similarity > s.th.Candidate && s.longEnough(content) {
			content = stripPrefix(content)
			switch {
			case c.Similarity > s.th.Verbatim:
				return content, true
			case c.Similarity > s.th.Question:
				return s.contextual(content), true
			default:
				return "", false
			}
		}
	}
	return "", false
}

// personaFallback lets the persona answer when the documents only offer
// questions or weak matches.
func personaFallback(s *Selector, in Input) (string, bool) {
	if strings.TrimSpace(in.Persona) == "" {
		return "", false
	}
	allQuestions := true
	for _, c := range in.Candidates {
		if !segment.LooksLikeQuestion(strings.TrimSpace(c.Content)) {
			allQuestions = false
			break
		}
	}
	if allQuestions || in.top().Similarity < s.th.Persona {
		return s.Persona(in.Persona, in.Query), true
	}
	return "", false
}

// finalFormat formats the top candidate by similarity band.
func finalFormat(s *Selector, in Input) (string, bool) {
	top := in.top()
	content := stripPrefix(strings.TrimSpace(top.Content))

	if segment.LooksLikeQuestion(content) {
		return s.rephrase(content, top.Similarity), true
	}
	switch {
	case top.Similarity > s.th.Verbatim:
		return content, true
	case top.Similarity > s.th.Question:
		return s.contextual(content), true
	default:
		return s.canned(in), true
	}
}

func (s *Selector) longEnough(text string) bool {
	return utf8.RuneCountInString(text) > s.th.MinLength
}

func stripPrefix(text string) string {
	if strings.HasPrefix(text, "A:") || strings.HasPrefix(text, "Q:") {
		return strings.TrimSpace(text[2:])
	}
	return text
}
