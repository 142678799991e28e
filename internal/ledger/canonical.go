// Package ledger implements the append-only, hash-chained, digitally-signed
// custody log. Record hashing is defined over a canonical serialization —
// fixed field order, UTF-8, integer epoch millis — so an independent verifier
// can reproduce every hash from raw bytes without this code.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/viraltrace/viraltrace/internal/models"
)

// GenesisHash anchors the chain: the PrevHash of record 1.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// HashPayload returns the lowercase hex SHA-256 of an action payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// CanonicalBytes serializes a record deterministically. The signature is
// included so tampering with it breaks the successor's PrevHash, not just
// signature verification.
func CanonicalBytes(r models.EvidenceRecord) []byte {
	var b strings.Builder
	b.WriteString("seq=")
	b.WriteString(strconv.FormatUint(r.SequenceNumber, 10))
	b.WriteString("\nts=")
	b.WriteString(strconv.FormatInt(r.Timestamp.UnixMilli(), 10))
	b.WriteString("\nactor=")
	b.WriteString(r.ActorID)
	b.WriteString("\naction=")
	b.WriteString(string(r.Action))
	b.WriteString("\nsubjects=")
	b.WriteString(strings.Join(r.SubjectRefs, ","))
	b.WriteString("\npayload_hash=")
	b.WriteString(r.PayloadHash)
	b.WriteString("\nprev_hash=")
	b.WriteString(r.PrevHash)
	b.WriteString("\nsignature=")
	b.WriteString(hex.EncodeToString(r.Signature))
	b.WriteString("\nsigner=")
	b.WriteString(r.SignerKeyID)
	b.WriteString("\n")
	return []byte(b.String())
}

// RecordHash returns the lowercase hex SHA-256 of the record's canonical bytes.
func RecordHash(r models.EvidenceRecord) string {
	sum := sha256.Sum256(CanonicalBytes(r))
	return hex.EncodeToString(sum[:])
}

// SigningBytes is the exact byte sequence the acting officer's key signs:
// sequenceNumber‖timestamp‖payloadHash‖prevHash.
func SigningBytes(seq uint64, ts time.Time, payloadHash, prevHash string) []byte {
	return []byte(fmt.Sprintf("%d|%d|%s|%s", seq, ts.UnixMilli(), payloadHash, prevHash))
}

// canonicalTime truncates to millisecond precision in UTC: hashes must not
// depend on sub-millisecond clock noise or zone representation.
func canonicalTime(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Millisecond)
}
