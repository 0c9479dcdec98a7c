package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/consult-manager/internal/models"
)

// Repository errors.
var (
	ErrNoSuchSession = errors.New("no such session")
	ErrDuplicateRoom = errors.New("room id already in use")
)

// mysqlDuplicateEntry error number returned by MySQL on unique key violations.
const mysqlDuplicateEntry = 1062

// Order sort order on session creation time.
type Order int

// Sort orders.
const (
	OldestFirst Order = iota
	NewestFirst
)

// SessionRepository persistance interface for sessions.
type SessionRepository interface {
	Save(ctx context.Context, session models.Session) error
	Find(ctx context.Context, id string) (models.Session, error)
	FindByRoom(ctx context.Context, roomID string) (models.Session, error)
	FindByStatus(ctx context.Context, order Order, statuses ...models.Status) ([]models.Session, error)
	UpdateStatus(ctx context.Context, id string, expected, next models.Status) (bool, error)
}

// NewSessionRepository creates a new SQL SessionRepository.
func NewSessionRepository(db *sql.DB) SessionRepository {
	return &sessionRepo{
		db: db,
	}
}

type sessionRepo struct {
	db *sql.DB
}

const sessionColumns = `
		id,
		room_id,
		participant_label,
		call_kind,
		status,
		amount,
		created_at,
		updated_at`

const insertSessionQuery = `
	INSERT INTO consultation_session(
			id,
			room_id,
			participant_label,
			call_kind,
			status,
			amount,
			created_at,
			updated_at
		)
	VALUES
		(?, ?, ?, ?, ?, ?, ?, ?)`

func (r *sessionRepo) Save(ctx context.Context, s models.Session) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "session_repo_save")
	defer span.Finish()

	createdAt := s.CreatedAt
	if createdAt.IsZero() {
		createdAt = getNow()
	}

	_, err := r.db.ExecContext(ctx, insertSessionQuery, s.ID, s.RoomID, s.ParticipantLabel, s.CallKind, s.Status, s.Amount, createdAt, createdAt)
	if isDuplicateKey(err) {
		err = fmt.Errorf("failed to insert %s. %w", s, ErrDuplicateRoom)
		span.LogFields(tracelog.Error(err))
		return err
	}
	if err != nil {
		err = fmt.Errorf("failed to insert row into database. %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	return nil
}

const findSessionQuery = `SELECT ` + sessionColumns + ` FROM consultation_session WHERE id = ?`

func (r *sessionRepo) Find(ctx context.Context, id string) (models.Session, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "session_repo_find")
	defer span.Finish()

	s, err := scanSession(r.db.QueryRowContext(ctx, findSessionQuery, id))
	if err != nil {
		err = fmt.Errorf("failed to find session(id=%s). %w", id, err)
		span.LogFields(tracelog.Error(err))
		return models.Session{}, err
	}

	return s, nil
}

const findSessionByRoomQuery = `SELECT ` + sessionColumns + ` FROM consultation_session WHERE room_id = ?`

func (r *sessionRepo) FindByRoom(ctx context.Context, roomID string) (models.Session, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "session_repo_find_by_room")
	defer span.Finish()

	s, err := scanSession(r.db.QueryRowContext(ctx, findSessionByRoomQuery, roomID))
	if err != nil {
		err = fmt.Errorf("failed to find session(roomId=%s). %w", roomID, err)
		span.LogFields(tracelog.Error(err))
		return models.Session{}, err
	}

	return s, nil
}

func (r *sessionRepo) FindByStatus(ctx context.Context, order Order, statuses ...models.Status) ([]models.Session, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "session_repo_find_by_status")
	defer span.Finish()

	sessions := make([]models.Session, 0)
	if len(statuses) == 0 {
		return sessions, nil
	}

	args := make([]interface{}, len(statuses))
	for i, status := range statuses {
		args[i] = status
	}

	direction := "ASC"
	if order == NewestFirst {
		direction = "DESC"
	}

	query := fmt.Sprintf(
		`SELECT %s FROM consultation_session WHERE status IN (%s) ORDER BY created_at %s`,
		sessionColumns,
		strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", "),
		direction,
	)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		err = fmt.Errorf("failed to query for sessions %w", err)
		span.LogFields(tracelog.Error(err))
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			err = fmt.Errorf("failed to scan session %w", err)
			span.LogFields(tracelog.Error(err))
			return nil, err
		}
		sessions = append(sessions, s)
	}

	err = rows.Err()
	if err != nil {
		err = fmt.Errorf("failed to iterate sessions %w", err)
		span.LogFields(tracelog.Error(err))
		return nil, err
	}

	return sessions, nil
}

const updateStatusQuery = `
	UPDATE consultation_session
	SET
		status = ?,
		updated_at = ?
	WHERE
		id = ?
		AND status = ?`

// UpdateStatus moves the session to next only if its status is still expected.
func (r *sessionRepo) UpdateStatus(ctx context.Context, id string, expected, next models.Status) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "session_repo_update_status")
	defer span.Finish()

	res, err := r.db.ExecContext(ctx, updateStatusQuery, next, getNow(), id, expected)
	if err != nil {
		err = fmt.Errorf("failed to update status of session(id=%s). %w", id, err)
		span.LogFields(tracelog.Error(err))
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		err = fmt.Errorf("failed to get rows affected. %w", err)
		span.LogFields(tracelog.Error(err))
		return false, err
	}

	span.LogFields(tracelog.Bool("updated", affected == 1))
	return affected == 1, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.RoomID, &s.ParticipantLabel, &s.CallKind, &s.Status, &s.Amount, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.Session{}, ErrNoSuchSession
	}
	if err != nil {
		return models.Session{}, err
	}

	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntry
	}

	return false
}

func getNow() time.Time {
	return time.Now().UTC()
}
