package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	snapshotPrefix = "chatbot_"
	snapshotSuffix = ".json"
	convSuffix     = ".conversations.jsonl"
)

// FileStore keeps one JSON document per chatbot in a directory. Saves go
// through a temp file and rename, so readers see the old snapshot or the
// new one and never a partial write.
type FileStore struct {
	dir string

	mu sync.Mutex // serialises conversation appends
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the data directory.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) snapshotPath(id string) string {
	return filepath.Join(f.dir, snapshotPrefix+id+snapshotSuffix)
}

func (f *FileStore) conversationPath(id string) string {
	return filepath.Join(f.dir, snapshotPrefix+id+convSuffix)
}

// Save atomically replaces the chatbot's snapshot.
func (f *FileStore) Save(ctx context.Context, s *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateID(s.ChatbotID); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, ".chatbot-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpName, f.snapshotPath(s.ChatbotID)); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// Load reads the chatbot's snapshot. Missing files return ErrNotFound.
func (f *FileStore) Load(ctx context.Context, chatbotID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateID(chatbotID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.snapshotPath(chatbotID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot for %s: %w", chatbotID, err)
	}
	if s.ChatbotID == "" {
		s.ChatbotID = chatbotID
	}
	return &s, nil
}

// Delete removes the snapshot and conversation log. Deleting an untrained
// chatbot returns ErrNotFound.
func (f *FileStore) Delete(ctx context.Context, chatbotID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateID(chatbotID); err != nil {
		return err
	}
	err := os.Remove(f.snapshotPath(chatbotID))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.conversationPath(chatbotID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting conversations: %w", err)
	}
	return nil
}

// List returns the ids of trained chatbots, sorted.
func (f *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("listing data directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		if strings.HasSuffix(name, convSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix)
		if ValidateID(id) == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// LogConversation appends one line to the chatbot's JSONL log.
func (f *FileStore) LogConversation(ctx context.Context, c Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateID(c.ChatbotID); err != nil {
		return err
	}
	line, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding conversation: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	fh, err := os.OpenFile(f.conversationPath(c.ChatbotID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening conversation log: %w", err)
	}
	defer fh.Close()
	if _, err := fh.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending conversation: %w", err)
	}
	return nil
}

// Conversations returns the most recent entries, newest first. limit <= 0
// returns everything.
func (f *FileStore) Conversations(ctx context.Context, chatbotID string, limit int) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateID(chatbotID); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	fh, err := os.Open(f.conversationPath(chatbotID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening conversation log: %w", err)
	}
	defer fh.Close()

	var all []Conversation
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var c Conversation
		if err := json.Unmarshal(sc.Bytes(), &c); err != nil {
			continue // skip a torn trailing line
		}
		all = append(all, c)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading conversation log: %w", err)
	}

	out := make([]Conversation, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op for the file backend.
func (f *FileStore) Close() error { return nil }
