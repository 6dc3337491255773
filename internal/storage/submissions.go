package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// --- Submissions ---

// CreateSubmission persists a new submission. An empty status defaults to pending.
func (s *Store) CreateSubmission(sub Submission) error {
	if sub.ID == "" {
		return fmt.Errorf("submission id is required")
	}
	if len(sub.Payload) == 0 {
		return fmt.Errorf("submission %s has no payload", sub.ID)
	}
	status := sub.Status
	if status == "" {
		status = StatusPending
	}
	purpose := sub.Purpose
	if purpose == "" {
		purpose = PurposeClassify
	}
	submittedAt := sub.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO submissions (id, payload, content_type, purpose, status, submitted_at, pending_since, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Payload, sub.ContentType, string(purpose), string(status),
		formatTS(submittedAt), formatTS(submittedAt), sub.LastError,
	)
	return err
}

// GetSubmission returns the submission including its payload.
func (s *Store) GetSubmission(id string) (Submission, error) {
	var sub Submission
	var purpose, status, submittedAt string
	err := s.db.QueryRow(`
		SELECT id, payload, content_type, purpose, status, submitted_at, last_error
		FROM submissions WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.Payload, &sub.ContentType, &purpose, &status, &submittedAt, &sub.LastError)
	if err == sql.ErrNoRows {
		return Submission{}, ErrNotFound
	}
	if err != nil {
		return Submission{}, err
	}
	sub.Purpose = Purpose(purpose)
	sub.Status = Status(status)
	if sub.SubmittedAt, err = parseTS(submittedAt); err != nil {
		return Submission{}, fmt.Errorf("parsing submitted_at: %w", err)
	}
	return sub, nil
}

// ListSubmissions returns submissions newest first without payloads. An
// empty status lists every status.
func (s *Store) ListSubmissions(status Status, limit, offset int) ([]Submission, error) {
	query := `SELECT id, content_type, purpose, status, submitted_at, last_error FROM submissions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY submitted_at DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Submission
	for rows.Next() {
		var sub Submission
		var purpose, st, submittedAt string
		if err := rows.Scan(&sub.ID, &sub.ContentType, &purpose, &st, &submittedAt, &sub.LastError); err != nil {
			return nil, err
		}
		sub.Purpose = Purpose(purpose)
		sub.Status = Status(st)
		if sub.SubmittedAt, err = parseTS(submittedAt); err != nil {
			return nil, fmt.Errorf("parsing submitted_at: %w", err)
		}
		results = append(results, sub)
	}
	return results, rows.Err()
}

// UpdateSubmissionStatus moves a submission from one status to another.
// It returns ErrNotFound for an unknown id and ErrStatusConflict when the
// current status is not from. Moving to pending restarts the expiry clock
// at the current time.
func (s *Store) UpdateSubmissionStatus(id string, from, to Status, lastError string) error {
	if to == StatusPending {
		return s.ReopenSubmission(id, from, time.Now())
	}
	res, err := s.db.Exec(`UPDATE submissions SET status = ?, last_error = ? WHERE id = ? AND status = ?`,
		string(to), lastError, id, string(from))
	if err != nil {
		return err
	}
	return s.checkUpdated(res, id)
}

// ReopenSubmission moves a submission from status from back to pending and
// records at as the start of its pending period, which FailPendingBefore
// ages on.
func (s *Store) ReopenSubmission(id string, from Status, at time.Time) error {
	res, err := s.db.Exec(`UPDATE submissions SET status = ?, last_error = '', pending_since = ? WHERE id = ? AND status = ?`,
		string(StatusPending), formatTS(at), id, string(from))
	if err != nil {
		return err
	}
	return s.checkUpdated(res, id)
}

func (s *Store) checkUpdated(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return s.missingOrConflict(s.db, id)
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func (s *Store) missingOrConflict(q queryRower, id string) error {
	var current string
	err := q.QueryRow(`SELECT status FROM submissions WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("submission %s is %s: %w", id, current, ErrStatusConflict)
}

// CompleteClassification stores the result and flips a pending classify
// submission to classified in a single transaction, so a result is never
// visible without the status and vice versa.
func (s *Store) CompleteClassification(r ClassificationResult) error {
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range [0,1]", r.Confidence)
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning classification transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE submissions SET status = ?, last_error = '' WHERE id = ? AND status = ? AND purpose = ?`,
		string(StatusClassified), r.SubmissionID, string(StatusPending), string(PurposeClassify))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return s.missingOrConflict(tx, r.SubmissionID)
	}

	if _, err := tx.Exec(`
		INSERT INTO classification_results (submission_id, label, confidence, model_version, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.SubmissionID, r.Label, r.Confidence, r.ModelVersion, formatTS(createdAt),
	); err != nil {
		return fmt.Errorf("inserting classification result: %w", err)
	}

	return tx.Commit()
}

// GetClassification returns the classification result for a submission.
func (s *Store) GetClassification(submissionID string) (ClassificationResult, error) {
	var r ClassificationResult
	var createdAt string
	err := s.db.QueryRow(`
		SELECT submission_id, label, confidence, model_version, created_at
		FROM classification_results WHERE submission_id = ?`, submissionID,
	).Scan(&r.SubmissionID, &r.Label, &r.Confidence, &r.ModelVersion, &createdAt)
	if err == sql.ErrNoRows {
		return ClassificationResult{}, ErrNotFound
	}
	if err != nil {
		return ClassificationResult{}, err
	}
	if r.CreatedAt, err = parseTS(createdAt); err != nil {
		return ClassificationResult{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return r, nil
}

// DeleteSubmission removes a submission and its classification result.
// Submissions backing a training sample are kept and ErrSubmissionInUse is
// returned.
func (s *Store) DeleteSubmission(id string) error {
	var samples int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM training_samples WHERE submission_id = ?`, id).Scan(&samples); err != nil {
		return err
	}
	if samples > 0 {
		return ErrSubmissionInUse
	}

	res, err := s.db.Exec(`DELETE FROM submissions WHERE id = ?`, id)
	if err != nil {
		if strings.Contains(err.Error(), "submission backs a training sample") {
			return ErrSubmissionInUse
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByStatus returns the number of submissions per status. Every status
// is present in the map, with zero when unused.
func (s *Store) CountByStatus() (map[Status]int, error) {
	counts := map[Status]int{
		StatusPending:        0,
		StatusClassified:     0,
		StatusFailed:         0,
		StatusTrainingSample: 0,
	}
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM submissions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[Status(st)] = n
	}
	return counts, rows.Err()
}

// FailPendingBefore marks every submission that has been pending since
// before cutoff as failed with reason. A retried submission counts from when
// it was reopened, not from when it was submitted. It returns the affected
// ids.
func (s *Store) FailPendingBefore(cutoff time.Time, reason string) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning expiry transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM submissions WHERE status = ? AND pending_since < ?`,
		string(StatusPending), formatTS(cutoff))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE submissions SET status = ?, last_error = ? WHERE id = ? AND status = ?`,
			string(StatusFailed), reason, id, string(StatusPending)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing expiry: %w", err)
	}
	return ids, nil
}
