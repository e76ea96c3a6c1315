package chat

import (
	"context"

	"github.com/alania-chat/alania/internal/proto"
)

// Store is the persistence collaborator. The orchestration layer never owns
// message history; it hands every message and attachment payload over and
// keeps only a bounded in-memory window for the UI.
type Store interface {
	SaveMessage(ctx context.Context, conversationID string, msg *proto.Message) error
	SaveFile(ctx context.Context, conversationID string, att *proto.Attachment) error
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	MarkRead(ctx context.Context, conversationID, messageID string, readAt int64) error
}

// NullStore discards everything. Used in tests and headless runs.
type NullStore struct{}

func (NullStore) SaveMessage(context.Context, string, *proto.Message) error { return nil }
func (NullStore) SaveFile(context.Context, string, *proto.Attachment) error { return nil }
func (NullStore) DeleteMessage(context.Context, string, string) error { return nil }
func (NullStore) MarkRead(context.Context, string, string, int64) error { return nil }
