// Package chatstore keeps conversations and their messages in a JSON
// snapshot on disk. Every mutation rewrites the snapshot atomically; a
// mutation whose snapshot cannot be written is rolled back in memory.
package chatstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"manimatic/internal/domain"
)

const (
	DefaultTitle    = "New Chat"
	titleLimit      = 50
	snapshotVersion = 1
)

var (
	ErrConversationNotFound = errors.New("chatstore: conversation not found")
	ErrMessageNotFound      = errors.New("chatstore: message not found")
	ErrInvalidRole          = errors.New("chatstore: invalid role")
)

type snapshot struct {
	Version       int                   `json:"version"`
	Conversations []domain.Conversation `json:"conversations"`
	Messages      []domain.Message      `json:"messages"`
}

// Store is safe for concurrent use.
type Store struct {
	fs    afero.Fs
	path  string
	now   func() time.Time
	newID func() string

	mu            sync.RWMutex
	conversations map[string]domain.Conversation
	messages      map[string]domain.Message
	// last is the most recent timestamp handed out; timestamps never repeat.
	last time.Time
}

// Open loads the snapshot at path, or starts empty if there is none yet.
func Open(fs afero.Fs, path string) (*Store, error) {
	if fs == nil {
		return nil, errors.New("chatstore: filesystem must not be nil")
	}
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("chatstore: path must not be empty")
	}
	s := &Store{
		fs:            fs,
		path:          filepath.Clean(path),
		now:           time.Now,
		newID:         uuid.NewString,
		conversations: map[string]domain.Conversation{},
		messages:      map[string]domain.Message{},
	}

	data, err := afero.ReadFile(fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chatstore: read snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("chatstore: decode snapshot %s: %w", s.path, err)
	}
	if snap.Version > snapshotVersion {
		return nil, fmt.Errorf("chatstore: snapshot version %d is newer than supported %d", snap.Version, snapshotVersion)
	}
	for _, c := range snap.Conversations {
		s.conversations[c.ID] = c
		s.observe(c.UpdatedAt)
	}
	for _, m := range snap.Messages {
		if _, ok := s.conversations[m.ConversationID]; !ok {
			continue
		}
		s.messages[m.ID] = m
		s.observe(m.CreatedAt)
	}
	return s, nil
}

func (s *Store) CreateConversation(ctx context.Context, title string) (domain.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var conv domain.Conversation
	err := s.mutate(ctx, func() error {
		ts := s.tick()
		conv = domain.Conversation{ID: "chat_" + s.newID(), Title: title, CreatedAt: ts, UpdatedAt: ts}
		s.conversations[conv.ID] = conv
		return nil
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Conversation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return domain.Conversation{}, fmt.Errorf("%w: %q", ErrConversationNotFound, id)
	}
	return conv, nil
}

// ListConversations returns every conversation, most recently updated first.
func (s *Store) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) RenameConversation(ctx context.Context, id, title string) (domain.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Conversation{}, errors.New("chatstore: title must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var conv domain.Conversation
	err := s.mutate(ctx, func() error {
		var ok bool
		conv, ok = s.conversations[id]
		if !ok {
			return fmt.Errorf("%w: %q", ErrConversationNotFound, id)
		}
		conv.Title = title
		conv.UpdatedAt = s.tick()
		s.conversations[id] = conv
		return nil
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

// DeleteConversation removes the conversation and all of its messages.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutate(ctx, func() error {
		if _, ok := s.conversations[id]; !ok {
			return fmt.Errorf("%w: %q", ErrConversationNotFound, id)
		}
		delete(s.conversations, id)
		for msgID, m := range s.messages {
			if m.ConversationID == id {
				delete(s.messages, msgID)
			}
		}
		return nil
	})
}

// AppendMessage stores msg under its conversation, assigning ID and
// CreatedAt. The first user message of a conversation still carrying the
// default title also names the conversation.
func (s *Store) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if !msg.Role.Valid() {
		return domain.Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return domain.Message{}, errors.New("chatstore: content must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.mutate(ctx, func() error {
		conv, ok := s.conversations[msg.ConversationID]
		if !ok {
			return fmt.Errorf("%w: %q", ErrConversationNotFound, msg.ConversationID)
		}
		if msg.Role == domain.RoleUser && conv.Title == DefaultTitle && !s.hasUserMessage(conv.ID) {
			if title := titleFrom(msg.Content); title != "" {
				conv.Title = title
			}
		}

		msg.ID = "msg_" + s.newID()
		msg.CreatedAt = s.tick()
		s.messages[msg.ID] = msg

		conv.UpdatedAt = msg.CreatedAt
		s.conversations[conv.ID] = conv
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return domain.Message{}, fmt.Errorf("%w: %q", ErrMessageNotFound, id)
	}
	return msg, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutate(ctx, func() error {
		if _, ok := s.messages[id]; !ok {
			return fmt.Errorf("%w: %q", ErrMessageNotFound, id)
		}
		delete(s.messages, id)
		return nil
	})
}

// ListMessages returns the conversation's messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrConversationNotFound, conversationID)
	}
	out := make([]domain.Message, 0)
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sortMessages(out)
	return out, nil
}

// mutate applies fn and persists the result. Callers hold s.mu.
func (s *Store) mutate(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	convs, msgs, last := maps.Clone(s.conversations), maps.Clone(s.messages), s.last
	rollback := func() {
		s.conversations, s.messages, s.last = convs, msgs, last
	}
	if err := fn(); err != nil {
		rollback()
		return err
	}
	if err := s.persist(); err != nil {
		rollback()
		return err
	}
	return nil
}

// persist writes the snapshot to a temp file beside path and renames it
// into place.
func (s *Store) persist() error {
	snap := snapshot{
		Version:       snapshotVersion,
		Conversations: make([]domain.Conversation, 0, len(s.conversations)),
		Messages:      make([]domain.Message, 0, len(s.messages)),
	}
	for _, c := range s.conversations {
		snap.Conversations = append(snap.Conversations, c)
	}
	sort.Slice(snap.Conversations, func(i, j int) bool {
		return snap.Conversations[i].CreatedAt.Before(snap.Conversations[j].CreatedAt)
	})
	for _, m := range s.messages {
		snap.Messages = append(snap.Messages, m)
	}
	sortMessages(snap.Messages)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("chatstore: encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("chatstore: create dir: %w", err)
	}
	tmp, err := afero.TempFile(s.fs, dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("chatstore: create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = s.fs.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chatstore: write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chatstore: sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("chatstore: close snapshot: %w", err)
	}
	if err := s.fs.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("chatstore: replace snapshot: %w", err)
	}
	committed = true
	return nil
}

// tick returns a timestamp strictly after every one handed out before.
func (s *Store) tick() time.Time {
	ts := s.now().UTC()
	if !ts.After(s.last) {
		ts = s.last.Add(time.Microsecond)
	}
	s.last = ts
	return ts
}

func (s *Store) observe(ts time.Time) {
	if ts.After(s.last) {
		s.last = ts.UTC()
	}
}

func (s *Store) hasUserMessage(conversationID string) bool {
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.Role == domain.RoleUser {
			return true
		}
	}
	return false
}

func sortMessages(msgs []domain.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// titleFrom derives a conversation title from content with whitespace collapsed.
func titleFrom(content string) string {
	text := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(text) <= titleLimit {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:titleLimit])) + "..."
}
