package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mail-mirror/internal/apperr"
	"github.com/Martian-dev/mail-mirror/internal/sync"
)

// Client implements sync.Provider against the Gmail API. It carries no
// per-user state; the access token comes in on every call.
type Client struct{}

// New creates a Gmail client.
func New() *Client {
	return &Client{}
}

func (c *Client) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// ListMessages returns one page of message ids matching the query.
func (c *Client) ListMessages(ctx context.Context, accessToken, query, pageToken string, maxResults int64) (*sync.MessagePage, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, apperr.E(apperr.KindRemoteFetchFailed, "failed to reach Gmail", err)
	}

	call := svc.Users.Messages.List("me").
		Q(query).
		MaxResults(maxResults).
		IncludeSpamTrash(false).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classify(err, "failed to list Gmail messages")
	}

	page := &sync.MessagePage{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

// GetMessage fetches full metadata for one message and normalizes it.
func (c *Client) GetMessage(ctx context.Context, accessToken, id string) (*sync.MessageMeta, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, apperr.E(apperr.KindRemoteFetchFailed, "failed to reach Gmail", err)
	}

	msg, err := svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify(err, fmt.Sprintf("failed to get Gmail message %s", id))
	}

	meta := Normalize(msg)
	return &meta, nil
}

// classify maps a Gmail API failure onto the error taxonomy using the
// structured status code and reason fields, never the message text.
func classify(err error, msg string) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		// Transport-level failure (network, timeout, context deadline).
		return apperr.E(apperr.KindRemoteFetchFailed, msg, err)
	}

	switch gerr.Code {
	case http.StatusUnauthorized:
		return apperr.E(apperr.KindReauthRequired, "Gmail rejected the access token", err)
	case http.StatusTooManyRequests:
		return apperr.E(apperr.KindRemoteRateLimited, "Gmail rate limit reached", err)
	case http.StatusForbidden:
		for _, item := range gerr.Errors {
			switch item.Reason {
			case "rateLimitExceeded", "userRateLimitExceeded", "dailyLimitExceeded":
				return apperr.E(apperr.KindRemoteRateLimited, "Gmail rate limit reached", err)
			}
		}
		// Valid token, insufficient granted scope. Re-consenting fixes it.
		return apperr.E(apperr.KindRemoteAccessForbidden, "Gmail access forbidden, missing scope", err)
	default:
		return apperr.E(apperr.KindRemoteFetchFailed, msg, err)
	}
}
