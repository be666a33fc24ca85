package messages

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	"studybuddy/internal/apperr"
	"studybuddy/internal/models"
)

// Service persists chat messages. Rows are append-only.
type Service struct {
	db     *sql.DB
	driver string
}

func NewService(db *sql.DB, driver string) *Service {
	return &Service{db: db, driver: strings.ToLower(driver)}
}

// Save inserts msg and returns once the row is durable. The timestamp is
// assigned here when the caller left it zero.
func (s *Service) Save(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return apperr.Validation("message cannot be nil")
	}
	if msg.ID == "" {
		return apperr.Validation("message id is required")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	var files sql.NullString
	if len(msg.Files) > 0 {
		raw, err := json.Marshal(msg.Files)
		if err != nil {
			return apperr.Storage("encode attachments", err)
		}
		files = sql.NullString{String: string(raw), Valid: true}
	}
	var subject sql.NullString
	if msg.Subject != nil {
		subject = sql.NullString{String: *msg.Subject, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, subject, files, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, subject, files, msg.Timestamp,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return apperr.Validation("message id %s already exists", msg.ID)
		}
		return apperr.Storage("insert message", err)
	}
	return nil
}

// ListRecent returns up to limit messages, oldest first. An empty sessionID
// lists every session.
func (s *Service) ListRecent(ctx context.Context, limit int, sessionID string) ([]*models.Message, error) {
	if limit <= 0 {
		return nil, apperr.Validation("limit must be a positive integer")
	}

	query := `SELECT id, session_id, role, content, subject, files, timestamp FROM messages`
	args := make([]any, 0, 2)
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage("query history", err)
	}
	defer rows.Close()

	out := make([]*models.Message, 0, min(limit, 256))
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("iterate history", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Ping reports whether the database is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperr.Storage("ping database", err)
	}
	return nil
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	var (
		msg     models.Message
		role    string
		subject sql.NullString
		files   sql.NullString
	)
	if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &subject, &files, &msg.Timestamp); err != nil {
		return nil, apperr.Storage("scan message", err)
	}
	msg.Role = models.Role(role)
	msg.Timestamp = msg.Timestamp.UTC()
	if subject.Valid {
		v := subject.String
		msg.Subject = &v
	}
	msg.Files = []models.Attachment{}
	if files.Valid && files.String != "" {
		if err := json.Unmarshal([]byte(files.String), &msg.Files); err != nil {
			return nil, apperr.Storage(fmt.Sprintf("decode attachments for %s", msg.ID), err)
		}
	}
	return &msg, nil
}

func isDuplicateKey(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
