package sync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Martian-dev/mail-mirror/internal/apperr"
	"github.com/Martian-dev/mail-mirror/internal/events"
	"github.com/Martian-dev/mail-mirror/internal/store"
)

const (
	defaultQuery      = "in:inbox"
	defaultMaxResults = 20
	maxMaxResults     = 100
)

// TokenEnsurer yields a currently-valid access token for a user.
type TokenEnsurer interface {
	EnsureValid(ctx context.Context, userID string) (string, error)
}

// Engine pulls remote message state into local storage, one staged
// invocation at a time. Syncs for the same user are serialized by a per-user
// lock so concurrent triggers (two browser tabs) run back-to-back instead of
// racing upserts.
type Engine struct {
	store     *store.Store
	tokens    TokenEnsurer
	provider  Provider
	publisher *events.Publisher

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewEngine creates the sync engine. publisher may be nil.
func NewEngine(st *store.Store, tokens TokenEnsurer, provider Provider, publisher *events.Publisher) *Engine {
	return &Engine{
		store:     st,
		tokens:    tokens,
		provider:  provider,
		publisher: publisher,
		userLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockFor(userID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		e.userLocks[userID] = l
	}
	return l
}

// Options scope one sync invocation.
type Options struct {
	Query      string
	PageToken  string
	MaxResults int64
}

// Result reports one completed sync. Messages holds the locally-stored rows
// for the just-synced ids so the caller can render without a second query.
type Result struct {
	Synced        int                  `json:"synced"`
	Failed        int                  `json:"failed"`
	NextPageToken string               `json:"nextPageToken,omitempty"`
	Messages      []store.EmailMessage `json:"messages"`
}

// Sync runs the staged pipeline: ensure credential, list a page of remote
// ids, fetch per-message metadata in parallel, upsert each row
// independently. A single message failing to fetch or persist drops that
// message and nothing else.
func (e *Engine) Sync(ctx context.Context, user *store.User, opts Options) (*Result, error) {
	lock := e.lockFor(user.ID)
	lock.Lock()
	defer lock.Unlock()

	token, err := e.tokens.EnsureValid(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	query := opts.Query
	if query == "" {
		query = defaultQuery
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	if maxResults > maxMaxResults {
		maxResults = maxMaxResults
	}

	page, err := e.provider.ListMessages(ctx, token, query, opts.PageToken, maxResults)
	if err != nil {
		return nil, err
	}

	metas, failed := e.fetchAll(ctx, token, user.ID, page.IDs)

	synced := 0
	gmailIDs := make([]string, 0, len(metas))
	for _, meta := range metas {
		row := toRow(user.ID, meta)
		if err := e.store.UpsertMessage(ctx, row); err != nil {
			slog.Warn("failed to upsert message", "user_id", user.ID, "gmail_id", meta.GmailID, "error", err)
			failed++
			continue
		}
		synced++
		gmailIDs = append(gmailIDs, meta.GmailID)
	}

	messages, err := e.store.GetMessagesByGmailIDs(ctx, user.ID, gmailIDs)
	if err != nil {
		return nil, err
	}

	if err := e.publisher.PublishSynced(user.ID, synced, gmailIDs); err != nil {
		slog.Warn("failed to publish sync event", "user_id", user.ID, "error", err)
	}

	if failed > 0 {
		// Partial failure is not an error to the caller; the count that
		// succeeded is the result.
		slog.Warn("sync completed with per-message failures",
			"kind", apperr.KindPartialSyncFailure, "user_id", user.ID, "synced", synced, "failed", failed)
	}

	return &Result{
		Synced:        synced,
		Failed:        failed,
		NextPageToken: page.NextPageToken,
		Messages:      messages,
	}, nil
}

// fetchAll fetches message metadata concurrently; order among fetches is not
// guaranteed and individual failures only shrink the batch.
func (e *Engine) fetchAll(ctx context.Context, token, userID string, ids []string) ([]*MessageMeta, int) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		metas  []*MessageMeta
		failed int
	)

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			meta, err := e.provider.GetMessage(ctx, token, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("failed to fetch message, dropping from batch",
					"user_id", userID, "gmail_id", id, "error", err)
				failed++
				return
			}
			metas = append(metas, meta)
		}(id)
	}
	wg.Wait()

	return metas, failed
}

func toRow(userID string, meta *MessageMeta) *store.EmailMessage {
	priority := meta.Priority
	if !store.ValidPriority(priority) {
		priority = store.PriorityMedium
	}
	return &store.EmailMessage{
		UserID:         userID,
		GmailID:        meta.GmailID,
		ThreadID:       meta.ThreadID,
		Subject:        meta.Subject,
		Sender:         meta.Sender,
		SenderName:     meta.SenderName,
		Recipients:     meta.Recipients,
		Snippet:        meta.Snippet,
		ReceivedAt:     meta.ReceivedAt,
		IsRead:         meta.IsRead,
		IsStarred:      meta.IsStarred,
		HasAttachments: meta.HasAttachments,
		Priority:       priority,
		Labels:         meta.Labels,
		SizeEstimate:   meta.SizeEstimate,
	}
}

// SearchResult reports a search, including whether the lazy remote sync ran.
type SearchResult struct {
	Messages     []store.EmailMessage `json:"messages"`
	Total        int                  `json:"total"`
	RemoteSynced bool                 `json:"remoteSynced"`
}

// Search matches locally first; when the local hit count falls short of the
// page size and a remote query was supplied, one scoped sync refreshes the
// cache before re-querying. The local mirror is never purged.
func (e *Engine) Search(ctx context.Context, user *store.User, localQuery, remoteQuery string, page, pageSize int) (*SearchResult, error) {
	messages, total, err := e.store.SearchMessages(ctx, user.ID, localQuery, page, pageSize)
	if err != nil {
		return nil, err
	}

	remoteSynced := false
	if total < pageSize && remoteQuery != "" {
		_, syncErr := e.Sync(ctx, user, Options{Query: remoteQuery, MaxResults: int64(pageSize)})
		switch {
		case syncErr == nil:
			remoteSynced = true
			messages, total, err = e.store.SearchMessages(ctx, user.ID, localQuery, page, pageSize)
			if err != nil {
				return nil, err
			}
		case apperr.IsKind(syncErr, apperr.KindReauthRequired):
			// The caller has to restart the OAuth flow; stale local results
			// would mask that.
			return nil, syncErr
		default:
			slog.Warn("remote search sync failed, returning local results",
				"user_id", user.ID, "error", syncErr)
		}
	}

	return &SearchResult{Messages: messages, Total: total, RemoteSynced: remoteSynced}, nil
}

// Stats returns count aggregations for the user's mirror.
func (e *Engine) Stats(ctx context.Context, user *store.User) (*store.MessageStats, error) {
	return e.store.GetMessageStats(ctx, user.ID)
}
