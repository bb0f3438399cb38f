package sync

import (
	"context"
	"time"
)

// MessagePage is one page of remote message ids.
type MessagePage struct {
	IDs           []string
	NextPageToken string
}

// MessageMeta is normalized email metadata as extracted from the remote
// payload, ready for upsert.
type MessageMeta struct {
	GmailID        string
	ThreadID       string
	Subject        string
	Sender         string
	SenderName     string
	Recipients     []string
	Snippet        string
	ReceivedAt     time.Time
	IsRead         bool
	IsStarred      bool
	HasAttachments bool
	Priority       string
	Labels         []string
	SizeEstimate   int64
}

// Provider abstracts the remote mail API. The access token is an explicit
// argument on every call; providers hold no per-user state.
type Provider interface {
	// ListMessages returns a page of message ids matching the query.
	ListMessages(ctx context.Context, accessToken, query, pageToken string, maxResults int64) (*MessagePage, error)

	// GetMessage fetches and normalizes one message's metadata.
	GetMessage(ctx context.Context, accessToken, id string) (*MessageMeta, error)
}
