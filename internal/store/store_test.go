package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/owlbee/internal/kb"
)

func sampleKB() *kb.KnowledgeBase {
	return &kb.KnowledgeBase{
		Brand: kb.Brand{Name: "Acme", Mission: "Tools for everyone"},
		RoutingHints: kb.RoutingHints{
			GlobalKeywords: []string{"pricing"},
			URLs:           map[string]string{"pricing": "https://acme.example/pricing"},
		},
		Facts: []kb.Fact{{
			ID: "fact_1", Title: "Pricing", Keywords: []string{"price"},
			AnswerShort: "From $10.", AnswerLong: "Plans start at $10 per month.",
		}},
		Patterns: []kb.QAPattern{{
			IntentID: "intent_1", Triggers: []string{"how much"}, ResponseRef: "fact_1",
			ResponseInline: "Plans start at $10 per month.",
		}},
	}
}

// backends returns every backend implementation rooted in a fresh location.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	sq, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Backend{"file": fs, "sqlite": sq}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	meta := kb.Metadata{Name: "Acme Bot", Description: "Support"}

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			passages := NewPassages("bot_1", meta,
				[]string{"What is your refund policy", "We offer a 30-day money-back guarantee"},
				[][]float32{{0.1, 0.2}, {0.3, 0.4}})
			require.NoError(t, b.Save(ctx, passages))

			got, err := b.Load(ctx, "bot_1")
			require.NoError(t, err)
			assert.Equal(t, KindPassages, got.Kind)
			assert.Nil(t, got.KnowledgeBase)
			assert.Equal(t, passages.Passages.Sentences, got.Passages.Sentences)
			assert.Equal(t, passages.Passages.Embeddings, got.Passages.Embeddings)
			assert.Equal(t, meta, got.Metadata)

			// Retraining replaces the variant wholesale.
			require.NoError(t, b.Save(ctx, NewKnowledgeBase("bot_1", meta, sampleKB())))
			got, err = b.Load(ctx, "bot_1")
			require.NoError(t, err)
			assert.Equal(t, KindKnowledgeBase, got.Kind)
			assert.Nil(t, got.Passages)
			assert.Equal(t, sampleKB(), got.KnowledgeBase)

			ids, err := b.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"bot_1"}, ids)
		})
	}
}

func TestNotFoundAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Load(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, b.Delete(ctx, "missing"), ErrNotFound)

			require.NoError(t, b.Save(ctx, NewPassages("bot_2", kb.Metadata{}, []string{"Hello there friend"}, nil)))
			require.NoError(t, b.LogConversation(ctx, Conversation{ChatbotID: "bot_2", ConversationID: "c1", Message: "hi", Response: "hello", Source: "passages"}))
			require.NoError(t, b.Delete(ctx, "bot_2"))

			_, err = b.Load(ctx, "bot_2")
			assert.ErrorIs(t, err, ErrNotFound)
			convs, err := b.Conversations(ctx, "bot_2", 0)
			require.NoError(t, err)
			assert.Empty(t, convs)
		})
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, b.Save(ctx, NewPassages("../etc", kb.Metadata{}, []string{"x"}, nil)), ErrInvalidID)
			assert.Error(t, b.Save(ctx, NewPassages("bot", kb.Metadata{}, nil, nil)))
			assert.Error(t, b.Save(ctx, NewPassages("bot", kb.Metadata{}, []string{"a", "b"}, [][]float32{{1}})))
			assert.Error(t, b.Save(ctx, NewKnowledgeBase("bot", kb.Metadata{}, &kb.KnowledgeBase{})))
		})
	}
}

func TestConversationsNewestFirst(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			for i, msg := range []string{"first", "second", "third"} {
				require.NoError(t, b.LogConversation(ctx, Conversation{
					ChatbotID: "bot", ConversationID: "c", Message: msg, Response: "ok",
					Source: "kb", CreatedAt: base.Add(time.Duration(i) * time.Minute),
				}))
			}
			got, err := b.Conversations(ctx, "bot", 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "third", got[0].Message)
			assert.Equal(t, "second", got[1].Message)

			all, err := b.Conversations(ctx, "bot", 0)
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestLoadUntypedFiles(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	legacy := `{"sentences": ["Hello world today"], "embeddings": null}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chatbot_old.json"), []byte(legacy), 0o644))
	got, err := fs.Load(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, KindPassages, got.Kind)
	assert.Equal(t, "old", got.ChatbotID)
	assert.Nil(t, got.Passages.Embeddings)

	raw, err := json.Marshal(sampleKB())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chatbot_kbonly.json"), raw, 0o644))
	got, err = fs.Load(context.Background(), "kbonly")
	require.NoError(t, err)
	assert.Equal(t, KindKnowledgeBase, got.Kind)
	assert.Equal(t, "Acme", got.KnowledgeBase.Brand.Name)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "chatbot_junk.json"), []byte(`{"foo": 1}`), 0o644))
	_, err = fs.Load(context.Background(), "junk")
	assert.Error(t, err)
}

func TestFileStoreFlatShape(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, fs.Save(context.Background(), NewKnowledgeBase("acme", kb.Metadata{Name: "Acme"}, sampleKB())))

	raw, err := os.ReadFile(filepath.Join(dir, "chatbot_acme.json"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "knowledge_base", doc["type"])
	assert.Contains(t, doc, "kb_facts")
	assert.Contains(t, doc, "qa_patterns")
	assert.NotContains(t, doc, "sentences")

	// No temp files are left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOpen(t *testing.T) {
	b, err := Open(Config{Backend: "file", DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, b)

	b, err = Open(Config{Backend: "sqlite", DBPath: filepath.Join(t.TempDir(), "owlbee.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, b)
	b.Close()

	_, err = Open(Config{Backend: "redis"})
	assert.Error(t, err)
}

func TestSQLiteSchema(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"meta", "snapshots", "conversations"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		assert.NoError(t, err, "table %q", table)
	}
	var version string
	require.NoError(t, s.db.QueryRow("SELECT value FROM meta WHERE key='schema_version'").Scan(&version))
	assert.Equal(t, schemaVersion, version)
}
