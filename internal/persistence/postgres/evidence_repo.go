package postgres

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/viraltrace/viraltrace/internal/models"
	"github.com/viraltrace/viraltrace/internal/persistence"
)

// evidenceRepo implements EvidenceRepo for PostgreSQL. The table is append
// only: sequence_number is the primary key and nothing updates or deletes.
type evidenceRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewEvidenceRepo creates a PostgreSQL evidence archive.
func NewEvidenceRepo(db *sqlx.DB, timeout time.Duration) persistence.EvidenceRepo {
	return &evidenceRepo{
		db:      db,
		timeout: timeout,
	}
}

// Append stores one record. A replayed sequence number maps onto the primary
// key conflict so the caller can tell a duplicate from an outage.
func (r *evidenceRepo) Append(ctx context.Context, rec models.EvidenceRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO evidence_records (sequence_number, ts, actor_id, action,
			subject_refs, payload_hash, prev_hash, signature, signer_key_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.ExecContext(ctx, query,
		rec.SequenceNumber, rec.Timestamp.UTC(), rec.ActorID, string(rec.Action),
		pq.Array(rec.SubjectRefs), rec.PayloadHash, rec.PrevHash,
		hex.EncodeToString(rec.Signature), rec.SignerKeyID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate evidence sequence %d: %w", rec.SequenceNumber, err)
		}
		return fmt.Errorf("failed to append evidence record %d: %w", rec.SequenceNumber, err)
	}

	return nil
}

// Range returns records with sequence numbers in [from, to], ascending.
func (r *evidenceRepo) Range(ctx context.Context, from, to uint64) ([]models.EvidenceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if from == 0 || to < from {
		return nil, fmt.Errorf("invalid evidence range [%d, %d]", from, to)
	}

	query := `
		SELECT sequence_number, ts, actor_id, action, subject_refs,
			payload_hash, prev_hash, signature, signer_key_id
		FROM evidence_records
		WHERE sequence_number >= $1 AND sequence_number <= $2
		ORDER BY sequence_number ASC`

	rows, err := r.db.QueryxContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query evidence range: %w", err)
	}
	defer rows.Close()

	var recs []models.EvidenceRecord
	for rows.Next() {
		rec, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating evidence rows: %w", err)
	}
	return recs, nil
}

// Latest returns the highest-sequence record, or nil when the archive is
// empty. Used on restart to resume the chain tail.
func (r *evidenceRepo) Latest(ctx context.Context) (*models.EvidenceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT sequence_number, ts, actor_id, action, subject_refs,
			payload_hash, prev_hash, signature, signer_key_id
		FROM evidence_records
		ORDER BY sequence_number DESC
		LIMIT 1`

	rec, err := scanEvidence(r.db.QueryRowxContext(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest evidence record: %w", err)
	}
	return rec, nil
}

// Count returns total archived records.
func (r *evidenceRepo) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	if err := r.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM evidence_records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count evidence records: %w", err)
	}
	return count, nil
}

func scanEvidence(row rowScanner) (*models.EvidenceRecord, error) {
	var (
		rec         models.EvidenceRecord
		action      string
		subjectRefs pq.StringArray
		sigHex      string
	)
	err := row.Scan(
		&rec.SequenceNumber, &rec.Timestamp, &rec.ActorID, &action,
		&subjectRefs, &rec.PayloadHash, &rec.PrevHash, &sigHex, &rec.SignerKeyID)
	if err != nil {
		return nil, err
	}
	rec.Action = models.Action(action)
	rec.SubjectRefs = []string(subjectRefs)
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("corrupt signature on record %d: %w", rec.SequenceNumber, err)
	}
	rec.Signature = sig
	return &rec, nil
}
