package sync

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-mirror/internal/apperr"
	"github.com/Martian-dev/mail-mirror/internal/store"
)

type fakeTokens struct {
	token string
	err   error
}

func (f *fakeTokens) EnsureValid(ctx context.Context, userID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

type fakeProvider struct {
	listCalls atomic.Int32
	getCalls  atomic.Int32

	ids           []string
	nextPageToken string
	listErr       error
	failIDs       map[string]error
}

func (f *fakeProvider) ListMessages(ctx context.Context, accessToken, query, pageToken string, maxResults int64) (*MessagePage, error) {
	f.listCalls.Add(1)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &MessagePage{IDs: f.ids, NextPageToken: f.nextPageToken}, nil
}

func (f *fakeProvider) GetMessage(ctx context.Context, accessToken, id string) (*MessageMeta, error) {
	f.getCalls.Add(1)
	if err, ok := f.failIDs[id]; ok {
		return nil, err
	}
	return &MessageMeta{
		GmailID:    id,
		ThreadID:   "t-" + id,
		Subject:    "subject " + id,
		Sender:     "jane@x.com",
		SenderName: "Jane Smith",
		Snippet:    "snippet " + id,
		ReceivedAt: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC),
		Priority:   store.PriorityMedium,
		Labels:     []string{"INBOX"},
	}, nil
}

func newEngineFixture(t *testing.T, provider *fakeProvider) (*Engine, *store.Store, *store.User) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	user, err := st.UpsertUserByGoogleID(context.Background(), store.UpsertUserParams{
		GoogleID:     "google-1",
		Email:        "jane@example.com",
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenExpiry:  time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	engine := NewEngine(st, &fakeTokens{token: "access"}, provider, nil)
	return engine, st, user
}

func TestSyncStoresAllMessages(t *testing.T) {
	provider := &fakeProvider{ids: []string{"a", "b", "c"}, nextPageToken: "next-1"}
	engine, st, user := newEngineFixture(t, provider)

	result, err := engine.Sync(context.Background(), user, Options{})
	require.NoError(t, err)
	require.Equal(t, 3, result.Synced)
	require.Equal(t, 0, result.Failed)
	require.Equal(t, "next-1", result.NextPageToken)
	require.Len(t, result.Messages, 3)

	n, err := st.CountMessages(context.Background(), user.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

func TestSyncPartialBatchTolerance(t *testing.T) {
	provider := &fakeProvider{
		ids: []string{"m1", "m2", "m3", "m4", "m5"},
		failIDs: map[string]error{
			"m3": apperr.E(apperr.KindRemoteFetchFailed, "get failed", nil),
		},
	}
	engine, st, user := newEngineFixture(t, provider)

	result, err := engine.Sync(context.Background(), user, Options{})
	require.NoError(t, err, "one message failing must not fail the sync")
	require.Equal(t, 4, result.Synced)
	require.Equal(t, 1, result.Failed)
	require.Len(t, result.Messages, 4)

	n, err := st.CountMessages(context.Background(), user.ID)
	require.NoError(t, err)
	require.EqualValues(t, 4, n)

	rows, err := st.GetMessagesByGmailIDs(context.Background(), user.ID, []string{"m3"})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestSyncTwiceIsIdempotent(t *testing.T) {
	provider := &fakeProvider{ids: []string{"a", "b"}}
	engine, st, user := newEngineFixture(t, provider)
	ctx := context.Background()

	_, err := engine.Sync(ctx, user, Options{})
	require.NoError(t, err)
	_, err = engine.Sync(ctx, user, Options{})
	require.NoError(t, err)

	n, err := st.CountMessages(ctx, user.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestSyncPropagatesTokenErrors(t *testing.T) {
	provider := &fakeProvider{ids: []string{"a"}}
	engine, _, user := newEngineFixture(t, provider)
	engine.tokens = &fakeTokens{err: apperr.E(apperr.KindReauthRequired, "no credentials", nil)}

	_, err := engine.Sync(context.Background(), user, Options{})
	require.True(t, apperr.IsKind(err, apperr.KindReauthRequired), "got %v", err)
	require.EqualValues(t, 0, provider.listCalls.Load(), "credential failure must abort before listing")
}

func TestSyncPropagatesListErrors(t *testing.T) {
	provider := &fakeProvider{
		listErr: apperr.E(apperr.KindRemoteRateLimited, "rate limited", nil),
	}
	engine, _, user := newEngineFixture(t, provider)

	_, err := engine.Sync(context.Background(), user, Options{})
	require.True(t, apperr.IsKind(err, apperr.KindRemoteRateLimited), "got %v", err)
	require.EqualValues(t, 0, provider.getCalls.Load())
}

func TestSearchFallbackTriggersOneSync(t *testing.T) {
	provider := &fakeProvider{ids: []string{"r1", "r2"}}
	engine, st, user := newEngineFixture(t, provider)
	ctx := context.Background()

	// Two local matches, page size 20: below the page size, so a non-empty
	// remote query triggers exactly one remote sync.
	for i := 0; i < 2; i++ {
		require.NoError(t, st.UpsertMessage(ctx, &store.EmailMessage{
			UserID:     user.ID,
			GmailID:    fmt.Sprintf("local-%d", i),
			Subject:    "project update",
			ReceivedAt: time.Now(),
			Priority:   store.PriorityMedium,
		}))
	}

	result, err := engine.Search(ctx, user, "project", "project", 1, 20)
	require.NoError(t, err)
	require.EqualValues(t, 1, provider.listCalls.Load())
	require.True(t, result.RemoteSynced)
	require.Equal(t, 2, result.Total)
}

func TestSearchWithoutRemoteQuerySkipsSync(t *testing.T) {
	provider := &fakeProvider{ids: []string{"r1"}}
	engine, st, user := newEngineFixture(t, provider)
	ctx := context.Background()

	require.NoError(t, st.UpsertMessage(ctx, &store.EmailMessage{
		UserID:     user.ID,
		GmailID:    "local-1",
		Subject:    "project update",
		ReceivedAt: time.Now(),
		Priority:   store.PriorityMedium,
	}))

	result, err := engine.Search(ctx, user, "project", "", 1, 20)
	require.NoError(t, err)
	require.EqualValues(t, 0, provider.listCalls.Load(), "pure local filter must not call the remote")
	require.False(t, result.RemoteSynced)
	require.Equal(t, 1, result.Total)
}

func TestSearchFullPageSkipsSync(t *testing.T) {
	provider := &fakeProvider{}
	engine, st, user := newEngineFixture(t, provider)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, st.UpsertMessage(ctx, &store.EmailMessage{
			UserID:     user.ID,
			GmailID:    fmt.Sprintf("local-%d", i),
			Subject:    "project update",
			ReceivedAt: time.Now(),
			Priority:   store.PriorityMedium,
		}))
	}

	_, err := engine.Search(ctx, user, "project", "project", 1, 3)
	require.NoError(t, err)
	require.EqualValues(t, 0, provider.listCalls.Load(), "a full local page needs no remote refresh")
}

func TestSearchPropagatesReauthFromFallback(t *testing.T) {
	provider := &fakeProvider{}
	engine, _, user := newEngineFixture(t, provider)
	engine.tokens = &fakeTokens{err: apperr.E(apperr.KindReauthRequired, "no credentials", nil)}

	_, err := engine.Search(context.Background(), user, "anything", "anything", 1, 20)
	require.True(t, apperr.IsKind(err, apperr.KindReauthRequired), "got %v", err)
}

func TestSearchDegradesToLocalOnTransientSyncFailure(t *testing.T) {
	provider := &fakeProvider{
		listErr: apperr.E(apperr.KindRemoteFetchFailed, "remote down", nil),
	}
	engine, st, user := newEngineFixture(t, provider)
	ctx := context.Background()

	require.NoError(t, st.UpsertMessage(ctx, &store.EmailMessage{
		UserID:     user.ID,
		GmailID:    "local-1",
		Subject:    "project update",
		ReceivedAt: time.Now(),
		Priority:   store.PriorityMedium,
	}))

	result, err := engine.Search(ctx, user, "project", "project", 1, 20)
	require.NoError(t, err)
	require.False(t, result.RemoteSynced)
	require.Equal(t, 1, result.Total)
}

func TestStats(t *testing.T) {
	provider := &fakeProvider{ids: []string{"a", "b"}}
	engine, _, user := newEngineFixture(t, provider)
	ctx := context.Background()

	_, err := engine.Sync(ctx, user, Options{})
	require.NoError(t, err)

	stats, err := engine.Stats(ctx, user)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Total)
}
