package database

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tmarkov/annotator/pkg/annotation"
)

// SessionRepository reads and writes annotation sessions.
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new SQLite session repository.
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Save upserts a session and replaces its stored annotations in a single
// transaction.
func (r *SessionRepository) Save(session annotation.Session) error {
	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The image path may already be stored under a different session id, so
	// annotations are cleared via the path before the session row is replaced.
	_, err = tx.Exec(`
		DELETE FROM annotations WHERE session_id IN (SELECT id FROM sessions WHERE image_path = ?)
	`, session.ImagePath)
	if err != nil {
		return fmt.Errorf("failed to clear annotations: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO sessions (id, image_path, width, height, prompt)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(image_path) DO UPDATE SET
			id = excluded.id,
			width = excluded.width,
			height = excluded.height,
			prompt = excluded.prompt
	`, session.ID.String(), session.ImagePath, session.Width, session.Height, session.Prompt)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO annotations (id, session_id, label, x1, y1, x2, y2, score, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, ann := range session.Annotations {
		_, err := stmt.Exec(
			ann.ID.String(), session.ID.String(), ann.Label,
			ann.Box.X1, ann.Box.Y1, ann.Box.X2, ann.Box.Y2,
			ann.Score, string(ann.Source),
			ann.CreatedAt.UTC().Format(time.RFC3339Nano),
			ann.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("failed to insert annotation: %w", err)
		}
	}

	return tx.Commit()
}

// Delete removes a session and its annotations.
func (r *SessionRepository) Delete(sessionID uuid.UUID) error {
	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM annotations WHERE session_id = ?`, sessionID.String()); err != nil {
		return fmt.Errorf("failed to delete annotations: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID.String()); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return tx.Commit()
}

// LoadAll retrieves every stored session with its annotations.
func (r *SessionRepository) LoadAll() ([]annotation.Session, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().Query(`
		SELECT id, image_path, width, height, prompt FROM sessions ORDER BY image_path
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []annotation.Session
	index := map[string]int{}
	for rows.Next() {
		var idStr string
		var s annotation.Session
		if err := rows.Scan(&idStr, &s.ImagePath, &s.Width, &s.Height, &s.Prompt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid session id %q: %w", idStr, err)
		}
		s.ID = id
		s.Annotations = []annotation.Annotation{}
		index[idStr] = len(sessions)
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	annRows, err := r.db.Conn().Query(`
		SELECT id, session_id, label, x1, y1, x2, y2, score, source, created_at, updated_at
		FROM annotations ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query annotations: %w", err)
	}
	defer annRows.Close()

	for annRows.Next() {
		var idStr, sessionIDStr, source, createdAt, updatedAt string
		var ann annotation.Annotation
		err := annRows.Scan(
			&idStr, &sessionIDStr, &ann.Label,
			&ann.Box.X1, &ann.Box.Y1, &ann.Box.X2, &ann.Box.Y2,
			&ann.Score, &source, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan annotation: %w", err)
		}

		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid annotation id %q: %w", idStr, err)
		}
		ann.ID = id
		ann.Source = annotation.Source(source)
		if ann.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
		}
		if ann.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("invalid updated_at %q: %w", updatedAt, err)
		}

		i, ok := index[sessionIDStr]
		if !ok {
			return nil, fmt.Errorf("annotation %s references unknown session %s", idStr, sessionIDStr)
		}
		sessions[i].Annotations = append(sessions[i].Annotations, ann)
	}
	if err := annRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate annotations: %w", err)
	}

	return sessions, nil
}

// CountAnnotations returns per-label annotation counts across all sessions.
func (r *SessionRepository) CountAnnotations() (map[string]int, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().Query(`
		SELECT label, COUNT(*) FROM annotations GROUP BY label
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count annotations: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[label] = n
	}
	return counts, rows.Err()
}
