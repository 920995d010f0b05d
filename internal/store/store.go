// Package store persists the trained representation of each chatbot.
//
// A chatbot has exactly one active Snapshot, either a passage index
// (sentences plus optional embeddings) or a generated knowledge base.
// Snapshots are replaced wholesale on retraining and never merged.
//
// Two backends:
// - FileStore: one chatbot_{id}.json per chatbot, written atomically
// - SQLiteStore: snapshots and the conversation log in one database
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/hurttlocker/owlbee/internal/kb"
)

// ErrNotFound means the chatbot has no stored snapshot (not trained).
var ErrNotFound = errors.New("chatbot not trained")

// ErrInvalidID rejects chatbot ids that cannot be used as storage keys.
var ErrInvalidID = errors.New("invalid chatbot id")

// Kind discriminates the snapshot variants.
type Kind string

const (
	KindPassages      Kind = "passages"
	KindKnowledgeBase Kind = "knowledge_base"
)

// Passages is the sentence index: ordered passages and, when an embedding
// model was available, one vector per passage.
type Passages struct {
	Sentences  []string    `json:"sentences"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Snapshot is the stored representation of one chatbot. Exactly one of
// Passages and KnowledgeBase is set, matching Kind.
type Snapshot struct {
	Kind          Kind
	ChatbotID     string
	TrainedAt     time.Time
	Metadata      kb.Metadata
	Passages      *Passages
	KnowledgeBase *kb.KnowledgeBase
}

// NewPassages builds a passage snapshot.
func NewPassages(chatbotID string, meta kb.Metadata, sentences []string, embeddings [][]float32) *Snapshot {
	return &Snapshot{
		Kind:      KindPassages,
		ChatbotID: chatbotID,
		TrainedAt: time.Now().UTC(),
		Metadata:  meta,
		Passages:  &Passages{Sentences: sentences, Embeddings: embeddings},
	}
}

// NewKnowledgeBase builds a knowledge base snapshot.
func NewKnowledgeBase(chatbotID string, meta kb.Metadata, k *kb.KnowledgeBase) *Snapshot {
	return &Snapshot{
		Kind:          KindKnowledgeBase,
		ChatbotID:     chatbotID,
		TrainedAt:     time.Now().UTC(),
		Metadata:      meta,
		KnowledgeBase: k,
	}
}

// Validate checks the variant invariants.
func (s *Snapshot) Validate() error {
	switch s.Kind {
	case KindPassages:
		if s.Passages == nil || s.KnowledgeBase != nil {
			return fmt.Errorf("passages snapshot must carry only passages")
		}
		if len(s.Passages.Sentences) == 0 {
			return fmt.Errorf("passages snapshot has no sentences")
		}
		if e := s.Passages.Embeddings; e != nil && len(e) != len(s.Passages.Sentences) {
			return fmt.Errorf("embeddings length %d does not match %d sentences", len(e), len(s.Passages.Sentences))
		}
	case KindKnowledgeBase:
		if s.KnowledgeBase == nil || s.Passages != nil {
			return fmt.Errorf("knowledge base snapshot must carry only a knowledge base")
		}
		if s.KnowledgeBase.Empty() {
			return fmt.Errorf("knowledge base snapshot is empty")
		}
	default:
		return fmt.Errorf("unknown snapshot kind %q", s.Kind)
	}
	return nil
}

// header holds the fields shared by both on-disk shapes.
type header struct {
	Type      Kind        `json:"type"`
	ChatbotID string      `json:"chatbot_id,omitempty"`
	TrainedAt time.Time   `json:"trained_at,omitzero"`
	Metadata  kb.Metadata `json:"metadata,omitzero"`
}

type passagesDoc struct {
	header
	Passages
}

type knowledgeDoc struct {
	header
	kb.KnowledgeBase
}

// MarshalJSON writes the flat shape: a "type" field plus either
// sentences/embeddings or brand/routing_hints/kb_facts/qa_patterns.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	h := header{Type: s.Kind, ChatbotID: s.ChatbotID, TrainedAt: s.TrainedAt, Metadata: s.Metadata}
	switch s.Kind {
	case KindPassages:
		if s.Passages == nil {
			return nil, fmt.Errorf("passages snapshot without passages")
		}
		return json.Marshal(passagesDoc{header: h, Passages: *s.Passages})
	case KindKnowledgeBase:
		if s.KnowledgeBase == nil {
			return nil, fmt.Errorf("knowledge base snapshot without knowledge base")
		}
		return json.Marshal(knowledgeDoc{header: h, KnowledgeBase: *s.KnowledgeBase})
	default:
		return nil, fmt.Errorf("unknown snapshot kind %q", s.Kind)
	}
}

// UnmarshalJSON reads either shape. Documents without a "type" field are
// classified by whether they carry kb_facts or sentences.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var probe struct {
		header
		Sentences json.RawMessage `json:"sentences"`
		Facts     json.RawMessage `json:"kb_facts"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	kind := probe.Type
	if kind == "" {
		switch {
		case probe.Facts != nil:
			kind = KindKnowledgeBase
		case probe.Sentences != nil:
			kind = KindPassages
		default:
			return fmt.Errorf("snapshot has neither sentences nor kb_facts")
		}
	}

	*s = Snapshot{
		Kind:      kind,
		ChatbotID: probe.ChatbotID,
		TrainedAt: probe.TrainedAt,
		Metadata:  probe.Metadata,
	}
	switch kind {
	case KindPassages:
		var doc passagesDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		s.Passages = &doc.Passages
	case KindKnowledgeBase:
		var doc knowledgeDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		s.KnowledgeBase = &doc.KnowledgeBase
	default:
		return fmt.Errorf("unknown snapshot kind %q", kind)
	}
	return nil
}

// Conversation is one answered chat message.
type Conversation struct {
	ChatbotID      string    `json:"chatbot_id"`
	ConversationID string    `json:"conversation_id"`
	Message        string    `json:"message"`
	Response       string    `json:"response"`
	Source         string    `json:"source"`
	CreatedAt      time.Time `json:"created_at"`
}

// Backend is per-chatbot snapshot persistence plus the conversation log.
type Backend interface {
	Save(ctx context.Context, s *Snapshot) error
	Load(ctx context.Context, chatbotID string) (*Snapshot, error)
	Delete(ctx context.Context, chatbotID string) error
	List(ctx context.Context) ([]string, error)

	LogConversation(ctx context.Context, c Conversation) error
	Conversations(ctx context.Context, chatbotID string, limit int) ([]Conversation, error)

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string // "file" (default) or "sqlite"
	DataDir string // file backend directory
	DBPath  string // sqlite database path
}

// DefaultDataDir is where the file backend keeps snapshots.
const DefaultDataDir = "~/.owlbee/training_data"

// DefaultDBPath is the default sqlite database location.
const DefaultDBPath = "~/.owlbee/owlbee.db"

// Open returns the configured backend.
func Open(cfg Config) (Backend, error) {
	switch cfg.Backend {
	case "", "file":
		dir := cfg.DataDir
		if dir == "" {
			dir = DefaultDataDir
		}
		return NewFileStore(expandPath(dir))
	case "sqlite":
		return NewSQLiteStore(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unknown store backend %q (expected file or sqlite)", cfg.Backend)
	}
}

var idRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateID checks that a chatbot id is a safe storage key.
func ValidateID(id string) error {
	if !idRe.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
