package ports

import (
	"context"

	"github.com/vetlab/catalog-search/internal/core/domain"
)

// SearchEngine is the inbound contract the chat transport drives.
type SearchEngine interface {
	HandleMessage(ctx context.Context, chatID string, user domain.UserRef, text string) (domain.Reply, error)
	HandleCallback(ctx context.Context, chatID string, payload string) (domain.Reply, error)
	HandleDeepLink(ctx context.Context, chatID string, user domain.UserRef, payload string) (domain.Reply, error)
	EndDialog(chatID string)
}
