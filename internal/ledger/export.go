package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/viraltrace/viraltrace/internal/models"
)

// Bundle is a signed export of a contiguous ledger range. A bundle is a
// chain fragment, not a standalone chain: PrecedingHash carries the hash
// boundary immediately before FromSeq so a verifier knows the fragment's
// anchor and cannot be handed a fabricated "complete" ledger.
type Bundle struct {
	ID            string                  `json:"id"`
	GeneratedAt   time.Time               `json:"generated_at"`
	FromSeq       uint64                  `json:"from_seq"`
	ToSeq         uint64                  `json:"to_seq"`
	PrecedingHash string                  `json:"preceding_hash"` // boundary before FromSeq; GenesisHash iff FromSeq == 1
	Records       []models.EvidenceRecord `json:"records"`
	Signature     []byte                  `json:"signature"`
	SignerKeyID   string                  `json:"signer_key_id"`
}

// bundleBytes is the canonical signing input for a bundle.
func bundleBytes(b Bundle) []byte {
	var sb strings.Builder
	sb.WriteString("bundle=")
	sb.WriteString(b.ID)
	sb.WriteString("\nfrom=")
	sb.WriteString(strconv.FormatUint(b.FromSeq, 10))
	sb.WriteString("\nto=")
	sb.WriteString(strconv.FormatUint(b.ToSeq, 10))
	sb.WriteString("\npreceding=")
	sb.WriteString(b.PrecedingHash)
	sb.WriteString("\n")
	for _, rec := range b.Records {
		sb.WriteString(RecordHash(rec))
		sb.WriteString("\n")
	}
	return []byte(sb.String())
}

// ExportRange produces a signed bundle covering [fromSeq, toSeq].
func (l *Ledger) ExportRange(fromSeq, toSeq uint64) (Bundle, error) {
	records, err := l.snapshot(fromSeq, toSeq)
	if err != nil {
		return Bundle{}, err
	}
	boundary, err := l.boundaryHash(fromSeq)
	if err != nil {
		return Bundle{}, err
	}

	b := Bundle{
		ID:            uuid.NewString(),
		GeneratedAt:   canonicalTime(l.now()),
		FromSeq:       fromSeq,
		ToSeq:         toSeq,
		PrecedingHash: boundary,
		Records:       records,
		SignerKeyID:   l.signer.KeyID(),
	}
	sig, err := l.signer.Sign(bundleBytes(b))
	if err != nil {
		return Bundle{}, fmt.Errorf("sign bundle: %w", err)
	}
	b.Signature = sig
	return b, nil
}

// VerifyBundle checks a bundle's signature and its internal sub-chain against
// the carried boundary. Returns the first bad sequence number on failure
// (0 when only the bundle signature itself is bad).
func VerifyBundle(b Bundle, verifier Verifier) (valid bool, firstBadSeq uint64, err error) {
	if uint64(len(b.Records)) != b.ToSeq-b.FromSeq+1 {
		return false, b.FromSeq, nil
	}
	if b.FromSeq == 1 && b.PrecedingHash != GenesisHash {
		return false, 1, nil
	}
	sigOK, err := verifier.Verify(b.SignerKeyID, bundleBytes(b), b.Signature)
	if err != nil {
		return false, 0, err
	}
	if !sigOK {
		return false, 0, nil
	}
	if bad := verifyRecords(b.Records, b.FromSeq, b.PrecedingHash, verifier); bad != 0 {
		return false, bad, nil
	}
	return true, 0, nil
}

// ReportEntry summarizes one custody record for court reporting.
type ReportEntry struct {
	SequenceNumber uint64        `json:"sequence_number"`
	Timestamp      time.Time     `json:"timestamp"`
	ActorID        string        `json:"actor_id"`
	Action         models.Action `json:"action"`
}

// CustodyReport is the complete custody history of one subject with the
// chain-integrity status at generation time.
type CustodyReport struct {
	Subject     string        `json:"subject"`
	GeneratedAt time.Time     `json:"generated_at"`
	Entries     []ReportEntry `json:"entries"`
	ChainValid  bool          `json:"chain_valid"`
	FirstBadSeq uint64        `json:"first_bad_seq,omitempty"`
	ReportHash  string        `json:"report_hash"`
}

// Report generates the custody report for a subject reference.
func (l *Ledger) Report(subject string) (CustodyReport, error) {
	n := l.Len()
	report := CustodyReport{Subject: subject, GeneratedAt: canonicalTime(l.now()), ChainValid: true}

	if n > 0 {
		records, err := l.snapshot(1, n)
		if err != nil {
			return CustodyReport{}, err
		}
		for _, rec := range records {
			for _, ref := range rec.SubjectRefs {
				if ref == subject {
					report.Entries = append(report.Entries, ReportEntry{
						SequenceNumber: rec.SequenceNumber,
						Timestamp:      rec.Timestamp,
						ActorID:        rec.ActorID,
						Action:         rec.Action,
					})
					break
				}
			}
		}
		valid, bad, err := l.VerifyChain(1, n)
		if err != nil {
			return CustodyReport{}, err
		}
		report.ChainValid = valid
		report.FirstBadSeq = bad
	}

	var sb strings.Builder
	sb.WriteString(report.Subject)
	sb.WriteString("|")
	sb.WriteString(strconv.FormatInt(report.GeneratedAt.UnixMilli(), 10))
	for _, e := range report.Entries {
		fmt.Fprintf(&sb, "|%d:%s:%s", e.SequenceNumber, e.ActorID, e.Action)
	}
	sum := sha256.Sum256([]byte(sb.String()))
	report.ReportHash = hex.EncodeToString(sum[:])
	return report, nil
}
