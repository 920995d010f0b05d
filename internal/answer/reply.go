package answer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hurttlocker/owlbee/internal/kb"
	"github.com/hurttlocker/owlbee/internal/respond"
	"github.com/hurttlocker/owlbee/internal/search"
	"github.com/hurttlocker/owlbee/internal/store"
)

// Reply sources besides the respond rule names.
const (
	SourceLLM        = "llm"
	SourceKB         = "kb"
	SourceNotTrained = "not_trained"
)

const notTrainedReply = "I haven't been trained yet. Please upload some documents and train me first!"

// Request is one visitor message. An empty ConversationID starts a new
// conversation.
type Request struct {
	ChatbotID      string
	Message        string
	Persona        string
	ConversationID string
}

// Reply is the answer to a Request. Text is never empty.
type Reply struct {
	Text           string          `json:"response"`
	Source         string          `json:"source"`
	ConversationID string          `json:"conversation_id"`
	Method         search.Method   `json:"method,omitempty"`
	Candidates     []search.Result `json:"candidates,omitempty"`
	Matches        []kb.Result     `json:"matches,omitempty"`
}

// Answer replies to message using the chatbot's store and, when given, the
// persona prompt. Missing data is answered in words, never as an error;
// only a cancelled context fails.
func (e *Engine) Answer(ctx context.Context, chatbotID, message, persona string) (Reply, error) {
	return e.Converse(ctx, Request{ChatbotID: chatbotID, Message: message, Persona: persona})
}

// Converse is Answer with a conversation id, logging the exchange when
// conversation logging is enabled.
func (e *Engine) Converse(ctx context.Context, req Request) (Reply, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	log := e.log.With().Str("chatbot_id", req.ChatbotID).Logger()

	reply := e.reply(ctx, req, log)
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	if strings.TrimSpace(reply.Text) == "" {
		reply.Text = notTrainedReply
	}

	reply.ConversationID = req.ConversationID
	if reply.ConversationID == "" {
		reply.ConversationID = e.opts.NewID()
	}
	e.deps.Metrics.Answer(reply.Source, time.Since(start))

	if e.opts.LogConversations && reply.Source != SourceNotTrained {
		err := e.deps.Store.LogConversation(ctx, store.Conversation{
			ChatbotID:      req.ChatbotID,
			ConversationID: reply.ConversationID,
			Message:        req.Message,
			Response:       reply.Text,
			Source:         reply.Source,
			CreatedAt:      e.opts.Now().UTC(),
		})
		if err != nil {
			log.Warn().Err(err).Msg("could not log conversation")
		}
	}
	return reply, nil
}

func (e *Engine) reply(ctx context.Context, req Request, log zerolog.Logger) Reply {
	snap, err := e.deps.Store.Load(ctx, req.ChatbotID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Msg("could not load chatbot store, answering as untrained")
		}
		if strings.TrimSpace(req.Persona) != "" {
			return Reply{Text: e.deps.Selector.Persona(req.Persona, req.Message), Source: respond.RulePersona}
		}
		return Reply{Text: notTrainedReply, Source: SourceNotTrained}
	}

	if snap.Kind == store.KindKnowledgeBase {
		return e.replyKB(ctx, req, snap.KnowledgeBase, log)
	}
	return e.replyPassages(ctx, req, corpusOf(snap), log)
}

func (e *Engine) replyPassages(ctx context.Context, req Request, corpus search.Corpus, log zerolog.Logger) Reply {
	candidates, method := e.deps.Searcher.Search(ctx, corpus, req.Message, e.opts.TopK)
	log.Debug().Str("method", string(method)).Int("candidates", len(candidates)).Msg("passages searched")

	if len(candidates) > 0 && e.deps.LLM != nil {
		contexts := make([]contextEntry, len(candidates))
		for i, c := range candidates {
			contexts[i] = contextEntry{Content: c.Content, Relevance: c.Similarity}
		}
		if text, ok := e.synthesize(ctx, req, contexts, log); ok {
			return Reply{Text: text, Source: SourceLLM, Method: method, Candidates: candidates}
		}
	}

	d := e.deps.Selector.Select(respond.Input{
		Candidates: candidates,
		Query:      req.Message,
		Persona:    req.Persona,
		Neighbors:  corpus,
	})
	return Reply{Text: d.Text, Source: d.Rule, Method: method, Candidates: candidates}
}

func (e *Engine) replyKB(ctx context.Context, req Request, k *kb.KnowledgeBase, log zerolog.Logger) Reply {
	matches := kb.Match(req.Message, k, e.opts.TopK)
	log.Debug().Int("matches", len(matches)).Msg("knowledge base matched")

	if len(matches) > 0 && e.deps.LLM != nil {
		contexts := make([]contextEntry, len(matches))
		for i, m := range matches {
			contexts[i] = contextEntry{Content: matchContext(m), Relevance: m.Score}
		}
		if text, ok := e.synthesize(ctx, req, contexts, log); ok {
			return Reply{Text: text, Source: SourceLLM, Matches: matches}
		}
	}

	if len(matches) > 0 && matches[0].Score >= e.opts.KBFloor && strings.TrimSpace(matches[0].Answer) != "" {
		return Reply{Text: matches[0].Answer, Source: SourceKB, Matches: matches}
	}

	// Nothing usable: persona reply or a canned one.
	d := e.deps.Selector.Select(respond.Input{Query: req.Message, Persona: req.Persona})
	return Reply{Text: d.Text, Source: d.Rule, Matches: matches}
}

// matchContext renders a KB entry as one context passage.
func matchContext(m kb.Result) string {
	switch {
	case m.Pattern != nil:
		return "Q: " + m.Trigger + " A: " + m.Answer
	case m.Fact != nil && m.Fact.Title != "":
		return m.Fact.Title + ": " + m.Answer
	default:
		return m.Answer
	}
}

func newConversationID() string {
	return uuid.NewString()
}
