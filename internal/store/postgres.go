package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateGrant is returned when a collaborator is added to a note
// that already carries a grant for the same user.
var ErrDuplicateGrant = errors.New("collaborator already added")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, role)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Name, user.Email, user.PasswordHash, user.Role)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// ErrEmailTaken is returned when a signup reuses an existing email.
var ErrEmailTaken = errors.New("email already registered")

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role, created_at, updated_at
		FROM users
		WHERE email=$1
	`, email).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role, created_at, updated_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ---- refresh sessions and token revocation ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.name, u.email, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Name, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- notes ----

func (s *PostgresStore) InsertNote(ctx context.Context, note Note) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, title, content, owner_id)
		VALUES ($1, $2, $3, $4)
	`, note.ID, note.Title, note.Content, note.OwnerID)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNote(ctx context.Context, noteID string) (Note, error) {
	var note Note
	err := s.db.QueryRowContext(ctx, `
		SELECT n.id, n.title, n.content, n.owner_id, u.name, n.created_at, n.updated_at
		FROM notes n
		JOIN users u ON u.id = n.owner_id
		WHERE n.id=$1
	`, noteID).Scan(&note.ID, &note.Title, &note.Content, &note.OwnerID, &note.OwnerName, &note.CreatedAt, &note.UpdatedAt)
	if err != nil {
		return Note{}, err
	}
	return note, nil
}

// GetNoteAccess loads the owner and grants for one note. It returns
// nil when the note does not exist.
func (s *PostgresStore) GetNoteAccess(ctx context.Context, noteID string) (*NoteAccess, error) {
	return loadNoteAccess(ctx, s.db, noteID, false)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadNoteAccess(ctx context.Context, q querier, noteID string, forUpdate bool) (*NoteAccess, error) {
	ownerQuery := `SELECT owner_id FROM notes WHERE id=$1`
	if forUpdate {
		ownerQuery += ` FOR UPDATE`
	}
	access := NoteAccess{NoteID: noteID}
	err := q.QueryRowContext(ctx, ownerQuery, noteID).Scan(&access.OwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load note owner: %w", err)
	}

	rows, err := q.QueryContext(ctx, `SELECT user_id, permission FROM collaborators WHERE note_id=$1`, noteID)
	if err != nil {
		return nil, fmt.Errorf("load note grants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var grant Grant
		if err := rows.Scan(&grant.UserID, &grant.Permission); err != nil {
			return nil, fmt.Errorf("scan note grant: %w", err)
		}
		access.Grants = append(access.Grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate note grants: %w", err)
	}
	return &access, nil
}

func (s *PostgresStore) ListNotesAll(ctx context.Context) ([]Note, error) {
	return s.queryNotes(ctx, `
		SELECT n.id, n.title, n.content, n.owner_id, u.name, n.created_at, n.updated_at
		FROM notes n
		JOIN users u ON u.id = n.owner_id
		ORDER BY n.updated_at DESC
	`)
}

func (s *PostgresStore) ListNotesByOwner(ctx context.Context, ownerID string) ([]Note, error) {
	return s.queryNotes(ctx, `
		SELECT n.id, n.title, n.content, n.owner_id, u.name, n.created_at, n.updated_at
		FROM notes n
		JOIN users u ON u.id = n.owner_id
		WHERE n.owner_id=$1
		ORDER BY n.updated_at DESC
	`, ownerID)
}

// SearchNotes matches the query as a case-insensitive substring of the
// title or content, over the notes the user owns or collaborates on.
func (s *PostgresStore) SearchNotes(ctx context.Context, userID, query string) ([]Note, error) {
	return s.queryNotes(ctx, `
		SELECT DISTINCT n.id, n.title, n.content, n.owner_id, u.name, n.created_at, n.updated_at
		FROM notes n
		JOIN users u ON u.id = n.owner_id
		LEFT JOIN collaborators c ON c.note_id = n.id AND c.user_id = $1
		WHERE (n.owner_id = $1 OR c.user_id IS NOT NULL)
			AND (n.title ILIKE '%' || $2 || '%' OR n.content ILIKE '%' || $2 || '%')
		ORDER BY n.updated_at DESC
	`, userID, query)
}

// SearchCandidates lists the notes a user owns or collaborates on,
// used to scope external search backends to the same corpus.
func (s *PostgresStore) SearchCandidates(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT n.id
		FROM notes n
		LEFT JOIN collaborators c ON c.note_id = n.id AND c.user_id = $1
		WHERE n.owner_id = $1 OR c.user_id IS NOT NULL
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list search candidates: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) queryNotes(ctx context.Context, query string, args ...any) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	items := make([]Note, 0)
	for rows.Next() {
		var item Note
		if err := rows.Scan(&item.ID, &item.Title, &item.Content, &item.OwnerID, &item.OwnerName, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return items, nil
}

// UpdateNote re-checks authorization and applies the edit in a single
// transaction. The note row is locked FOR UPDATE first, so concurrent
// edits and permission changes on the same note serialize: the
// authorize callback always sees the state the mutation will run
// against. authorize receives nil when the note does not exist.
func (s *PostgresStore) UpdateNote(ctx context.Context, noteID, title, content string, authorize func(*NoteAccess) error) (Note, error) {
	var note Note
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		access, err := loadNoteAccess(ctx, tx, noteID, true)
		if err != nil {
			return err
		}
		if err := authorize(access); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `
			UPDATE notes n
			SET title=$2, content=$3, updated_at=NOW()
			FROM users u
			WHERE n.id=$1 AND u.id = n.owner_id
			RETURNING n.id, n.title, n.content, n.owner_id, u.name, n.created_at, n.updated_at
		`, noteID, title, content).Scan(&note.ID, &note.Title, &note.Content, &note.OwnerID, &note.OwnerName, &note.CreatedAt, &note.UpdatedAt)
	})
	if err != nil {
		return Note{}, err
	}
	return note, nil
}

// DeleteNote re-checks authorization and removes the note in a single
// transaction, the same way UpdateNote does. Collaborators, shared
// links and activity rows go with it via FK cascade.
func (s *PostgresStore) DeleteNote(ctx context.Context, noteID string, authorize func(*NoteAccess) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		access, err := loadNoteAccess(ctx, tx, noteID, true)
		if err != nil {
			return err
		}
		if err := authorize(access); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE id=$1`, noteID); err != nil {
			return fmt.Errorf("delete note: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ---- collaborators ----

func (s *PostgresStore) AddCollaborator(ctx context.Context, collab Collaborator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collaborators (id, note_id, user_id, permission)
		VALUES ($1, $2, $3, $4)
	`, collab.ID, collab.NoteID, collab.UserID, collab.Permission)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateGrant
		}
		return fmt.Errorf("insert collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCollaborators(ctx context.Context, noteID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.note_id, c.user_id, c.permission, c.created_at, u.name, u.email
		FROM collaborators c
		JOIN users u ON u.id = c.user_id
		WHERE c.note_id=$1
		ORDER BY c.created_at ASC
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]Collaborator, 0)
	for rows.Next() {
		var item Collaborator
		if err := rows.Scan(&item.ID, &item.NoteID, &item.UserID, &item.Permission, &item.CreatedAt, &item.UserName, &item.UserEmail); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborators: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RemoveCollaborator(ctx context.Context, noteID, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM collaborators WHERE note_id=$1 AND user_id=$2`, noteID, userID)
	if err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- shared links ----

func (s *PostgresStore) InsertSharedLink(ctx context.Context, link SharedLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shared_links (id, note_id, token, created_by)
		VALUES ($1, $2, $3, $4)
	`, link.ID, link.NoteID, link.Token, link.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert shared link: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSharedNote(ctx context.Context, token string) (SharedNote, error) {
	var note SharedNote
	err := s.db.QueryRowContext(ctx, `
		SELECT n.id, n.title, n.content, n.updated_at
		FROM shared_links sl
		JOIN notes n ON n.id = sl.note_id
		WHERE sl.token=$1
	`, token).Scan(&note.ID, &note.Title, &note.Content, &note.UpdatedAt)
	if err != nil {
		return SharedNote{}, err
	}
	return note, nil
}

// ---- activity ----

func (s *PostgresStore) InsertActivity(ctx context.Context, userID, noteID, action string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_logs (user_id, note_id, action)
		VALUES ($1, $2, $3)
	`, userID, noteID, action)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivityForOwner(ctx context.Context, ownerID string) ([]ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.user_id, a.note_id, a.action, a.created_at, u.name, n.title
		FROM activity_logs a
		JOIN users u ON u.id = a.user_id
		JOIN notes n ON n.id = a.note_id
		WHERE n.owner_id=$1
		ORDER BY a.created_at DESC
		LIMIT 100
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	items := make([]ActivityEntry, 0)
	for rows.Next() {
		var item ActivityEntry
		if err := rows.Scan(&item.ID, &item.UserID, &item.NoteID, &item.Action, &item.CreatedAt, &item.UserName, &item.NoteTitle); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return items, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
