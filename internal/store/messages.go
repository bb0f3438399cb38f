package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Message priority levels derived during normalization.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// ValidPriority reports whether p is one of the known priority levels.
func ValidPriority(p string) bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// StringList is a []string stored as a JSON array column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		return json.Unmarshal([]byte(v), l)
	case []byte:
		return json.Unmarshal(v, l)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}

// EmailMessage is the normalized local mirror of one Gmail message.
// (user_id, gmail_id) is unique; re-syncing the same message updates the
// existing row.
type EmailMessage struct {
	ID             int64      `db:"id" json:"id"`
	UserID         string     `db:"user_id" json:"-"`
	GmailID        string     `db:"gmail_id" json:"gmailId"`
	ThreadID       string     `db:"thread_id" json:"threadId"`
	Subject        string     `db:"subject" json:"subject"`
	Sender         string     `db:"sender" json:"sender"`
	SenderName     string     `db:"sender_name" json:"senderName"`
	Recipients     StringList `db:"recipients" json:"recipients"`
	Snippet        string     `db:"snippet" json:"snippet"`
	ReceivedAt     time.Time  `db:"received_at" json:"receivedAt"`
	IsRead         bool       `db:"is_read" json:"isRead"`
	IsStarred      bool       `db:"is_starred" json:"isStarred"`
	HasAttachments bool       `db:"has_attachments" json:"hasAttachments"`
	Priority       string     `db:"priority" json:"priority"`
	Labels         StringList `db:"labels" json:"labels"`
	SizeEstimate   int64      `db:"size_estimate" json:"sizeEstimate"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
}

// UpsertMessage inserts or updates a mirrored message keyed by
// (user_id, gmail_id). All remote-derived fields are overwritten on conflict.
func (s *Store) UpsertMessage(ctx context.Context, m *EmailMessage) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_messages
			(user_id, gmail_id, thread_id, subject, sender, sender_name, recipients, snippet,
			 received_at, is_read, is_starred, has_attachments, priority, labels, size_estimate,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, gmail_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			subject = excluded.subject,
			sender = excluded.sender,
			sender_name = excluded.sender_name,
			recipients = excluded.recipients,
			snippet = excluded.snippet,
			received_at = excluded.received_at,
			is_read = excluded.is_read,
			is_starred = excluded.is_starred,
			has_attachments = excluded.has_attachments,
			priority = excluded.priority,
			labels = excluded.labels,
			size_estimate = excluded.size_estimate,
			updated_at = excluded.updated_at
	`, m.UserID, m.GmailID, m.ThreadID, m.Subject, m.Sender, m.SenderName, m.Recipients, m.Snippet,
		m.ReceivedAt.UTC(), m.IsRead, m.IsStarred, m.HasAttachments, m.Priority, m.Labels, m.SizeEstimate,
		now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}
	return nil
}

// ListMessagesParams filters and paginates the inbox view.
type ListMessagesParams struct {
	Page     int
	PageSize int
	Unread   *bool
	Starred  *bool
}

// ListMessages returns one page of a user's messages, newest first, plus the
// total count matching the filters.
func (s *Store) ListMessages(ctx context.Context, userID string, p ListMessagesParams) ([]EmailMessage, int, error) {
	where := "WHERE user_id = ?"
	args := []interface{}{userID}
	if p.Unread != nil {
		where += " AND is_read = ?"
		args = append(args, !*p.Unread)
	}
	if p.Starred != nil {
		where += " AND is_starred = ?"
		args = append(args, *p.Starred)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM email_messages "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	query := "SELECT * FROM email_messages " + where + " ORDER BY received_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, p.PageSize, (p.Page-1)*p.PageSize)

	var messages []EmailMessage
	if err := s.db.SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, total, nil
}

// GetMessage returns one of the user's messages by local id.
func (s *Store) GetMessage(ctx context.Context, userID string, id int64) (*EmailMessage, error) {
	var m EmailMessage
	err := s.db.GetContext(ctx, &m, `SELECT * FROM email_messages WHERE user_id = ? AND id = ?`, userID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &m, nil
}

// GetMessagesByGmailIDs returns the stored rows for the given remote ids,
// newest first. Used to hand freshly synced messages back to the caller.
func (s *Store) GetMessagesByGmailIDs(ctx context.Context, userID string, gmailIDs []string) ([]EmailMessage, error) {
	if len(gmailIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT * FROM email_messages WHERE user_id = ? AND gmail_id IN (?) ORDER BY received_at DESC, id DESC`,
		userID, gmailIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	var messages []EmailMessage
	if err := s.db.SelectContext(ctx, &messages, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return messages, nil
}

// SearchMessages does a substring match across subject, sender, sender name
// and snippet for the user.
func (s *Store) SearchMessages(ctx context.Context, userID, q string, page, pageSize int) ([]EmailMessage, int, error) {
	pattern := "%" + escapeLike(q) + "%"
	where := `WHERE user_id = ? AND (
		subject LIKE ? ESCAPE '\' OR sender LIKE ? ESCAPE '\'
		OR sender_name LIKE ? ESCAPE '\' OR snippet LIKE ? ESCAPE '\')`
	args := []interface{}{userID, pattern, pattern, pattern, pattern}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM email_messages "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count search results: %w", err)
	}

	query := "SELECT * FROM email_messages " + where + " ORDER BY received_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, pageSize, (page-1)*pageSize)

	var messages []EmailMessage
	if err := s.db.SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to search messages: %w", err)
	}
	return messages, total, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// UpdateFlagsParams carries user-initiated flag changes; nil fields are left
// untouched.
type UpdateFlagsParams struct {
	IsRead    *bool
	IsStarred *bool
	Priority  *string
}

// UpdateMessageFlags mutates read/starred/priority on one of the user's
// messages outside the sync path.
func (s *Store) UpdateMessageFlags(ctx context.Context, userID string, id int64, p UpdateFlagsParams) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC()}
	if p.IsRead != nil {
		sets = append(sets, "is_read = ?")
		args = append(args, *p.IsRead)
	}
	if p.IsStarred != nil {
		sets = append(sets, "is_starred = ?")
		args = append(args, *p.IsStarred)
	}
	if p.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *p.Priority)
	}

	query := "UPDATE email_messages SET " + strings.Join(sets, ", ") + " WHERE user_id = ? AND id = ?"
	args = append(args, userID, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update message flags: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MessageStats are count aggregations for one user's mirror.
type MessageStats struct {
	Total    int64 `db:"total" json:"total"`
	Unread   int64 `db:"unread" json:"unread"`
	Starred  int64 `db:"starred" json:"starred"`
	Received int64 `db:"received_today" json:"receivedToday"`
}

// GetMessageStats computes the aggregations directly against the table; no
// caching layer.
func (s *Store) GetMessageStats(ctx context.Context, userID string) (*MessageStats, error) {
	todayStart := time.Now().UTC().Truncate(24 * time.Hour)
	var stats MessageStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END), 0) AS unread,
			COALESCE(SUM(CASE WHEN is_starred = 1 THEN 1 ELSE 0 END), 0) AS starred,
			COALESCE(SUM(CASE WHEN received_at >= ? THEN 1 ELSE 0 END), 0) AS received_today
		FROM email_messages WHERE user_id = ?
	`, todayStart, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	return &stats, nil
}

// CountMessages returns the total number of mirrored messages for a user.
func (s *Store) CountMessages(ctx context.Context, userID string) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM email_messages WHERE user_id = ?`, userID); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
