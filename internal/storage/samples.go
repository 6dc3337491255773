package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Training samples ---

// AppendTrainingSample adds a confirmed label for a submission in a terminal
// status. The jobs are enqueued in the same transaction, so a sample is never
// stored without its follow-up work.
func (s *Store) AppendTrainingSample(sample TrainingSample, jobs ...Job) error {
	return s.insertSample(sample, false, jobs)
}

// StageTrainingSample moves a pending train submission to training-sample and
// appends its first sample in one transaction. If anything fails the
// submission stays pending.
func (s *Store) StageTrainingSample(sample TrainingSample, jobs ...Job) error {
	return s.insertSample(sample, true, jobs)
}

func (s *Store) insertSample(sample TrainingSample, stage bool, jobs []Job) error {
	if sample.ID == "" {
		return fmt.Errorf("training sample id is required")
	}
	addedAt := sample.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning sample transaction: %w", err)
	}
	defer tx.Rollback()

	if stage {
		res, err := tx.Exec(`UPDATE submissions SET status = ?, last_error = '' WHERE id = ? AND status = ? AND purpose = ?`,
			string(StatusTrainingSample), sample.SubmissionID, string(StatusPending), string(PurposeTrain))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return s.missingOrConflict(tx, sample.SubmissionID)
		}
	} else {
		var status string
		err = tx.QueryRow(`SELECT status FROM submissions WHERE id = ?`, sample.SubmissionID).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !Status(status).Terminal() {
			return fmt.Errorf("submission %s is %s: %w", sample.SubmissionID, status, ErrStatusConflict)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO training_samples (id, submission_id, confirmed_label, added_at)
		VALUES (?, ?, ?, ?)`,
		sample.ID, sample.SubmissionID, sample.ConfirmedLabel, formatTS(addedAt),
	); err != nil {
		return fmt.Errorf("inserting training sample: %w", err)
	}

	for _, j := range jobs {
		if err := enqueueJob(tx, j); err != nil {
			return err
		}
	}

	return tx.Commit()
}

const sampleColumns = `id, submission_id, confirmed_label, added_at`

func scanSample(scan func(dest ...any) error) (TrainingSample, error) {
	var ts TrainingSample
	var addedAt string
	if err := scan(&ts.ID, &ts.SubmissionID, &ts.ConfirmedLabel, &addedAt); err != nil {
		return TrainingSample{}, err
	}
	t, err := parseTS(addedAt)
	if err != nil {
		return TrainingSample{}, fmt.Errorf("parsing added_at: %w", err)
	}
	ts.AddedAt = t
	return ts, nil
}

func (s *Store) querySamples(query string, args ...any) ([]TrainingSample, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TrainingSample
	for rows.Next() {
		ts, err := scanSample(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, ts)
	}
	return results, rows.Err()
}

func (s *Store) GetTrainingSample(id string) (TrainingSample, error) {
	ts, err := scanSample(s.db.QueryRow(`SELECT `+sampleColumns+` FROM training_samples WHERE id = ?`, id).Scan)
	if err == sql.ErrNoRows {
		return TrainingSample{}, ErrNotFound
	}
	return ts, err
}

// LatestTrainingSample returns the most recently added sample for a
// submission, or ErrNotFound when it has none.
func (s *Store) LatestTrainingSample(submissionID string) (TrainingSample, error) {
	ts, err := scanSample(s.db.QueryRow(`
		SELECT `+sampleColumns+` FROM training_samples
		WHERE submission_id = ?
		ORDER BY added_at DESC, rowid DESC LIMIT 1`, submissionID).Scan)
	if err == sql.ErrNoRows {
		return TrainingSample{}, ErrNotFound
	}
	return ts, err
}

// TrainingSamplesFor returns every sample recorded for a submission, newest first.
func (s *Store) TrainingSamplesFor(submissionID string) ([]TrainingSample, error) {
	return s.querySamples(`
		SELECT `+sampleColumns+` FROM training_samples
		WHERE submission_id = ?
		ORDER BY added_at DESC, rowid DESC`, submissionID)
}

// ListTrainingSamples returns all samples newest first.
func (s *Store) ListTrainingSamples(limit, offset int) ([]TrainingSample, error) {
	return s.querySamples(`
		SELECT `+sampleColumns+` FROM training_samples
		ORDER BY added_at DESC, rowid DESC LIMIT ? OFFSET ?`, limit, offset)
}

func (s *Store) CountTrainingSamples() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM training_samples`).Scan(&n)
	return n, err
}

// --- Corpus exports ---

// RecordExport stores where a sample was written. Re-exports overwrite the
// previous location.
func (s *Store) RecordExport(e CorpusExport) error {
	exportedAt := e.ExportedAt
	if exportedAt.IsZero() {
		exportedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO corpus_exports (sample_id, uri, exported_at) VALUES (?, ?, ?)
		ON CONFLICT(sample_id) DO UPDATE SET uri = excluded.uri, exported_at = excluded.exported_at`,
		e.SampleID, e.URI, formatTS(exportedAt),
	)
	return err
}

func (s *Store) GetExport(sampleID string) (CorpusExport, error) {
	var e CorpusExport
	var exportedAt string
	err := s.db.QueryRow(`SELECT sample_id, uri, exported_at FROM corpus_exports WHERE sample_id = ?`, sampleID).
		Scan(&e.SampleID, &e.URI, &exportedAt)
	if err == sql.ErrNoRows {
		return CorpusExport{}, ErrNotFound
	}
	if err != nil {
		return CorpusExport{}, err
	}
	if e.ExportedAt, err = parseTS(exportedAt); err != nil {
		return CorpusExport{}, fmt.Errorf("parsing exported_at: %w", err)
	}
	return e, nil
}
