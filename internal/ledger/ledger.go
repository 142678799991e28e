package ledger

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/viraltrace/viraltrace/internal/metrics"
	"github.com/viraltrace/viraltrace/internal/models"
)

var (
	// ErrUnauthorized is returned when the compliance gate denies an action.
	// Nothing is written to the evidentiary chain; the denial goes to the
	// operational log only.
	ErrUnauthorized = errors.New("ledger: action not authorized")

	// ErrCompromised is returned for appends after chain verification found a
	// bad record. The instance stays read-only until manually reviewed.
	ErrCompromised = errors.New("ledger: instance flagged compromised")

	// ErrClosed is returned for appends after Close.
	ErrClosed = errors.New("ledger: closed")

	// ErrInvalidRange is returned for out-of-bounds sequence ranges.
	ErrInvalidRange = errors.New("ledger: invalid sequence range")
)

// Authorizer gates evidentiary writes. The compliance gate implements it.
type Authorizer interface {
	Authorize(req models.ActionRequest) (allow bool, reason string)
}

// Archiver receives a copy of each appended record for durable storage.
/// Archival is write-behind: the in-memory chain is authoritative and an
// archiver failure never fails the append.
type Archiver interface {
	Archive(rec models.EvidenceRecord) error
}

type appendRequest struct {
	req  models.ActionRequest
	resp chan appendResult
}

type appendResult struct {
	rec models.EvidenceRecord
	err error
}

// Ledger is an append-only, hash-chained, signed custody log. Append is the
// only write path: a single actor goroutine owns the tail pointer, so two
// records can never race on a sequence number or PrevHash, and the critical
// section is exactly hash+sign+append.
type Ledger struct {
	gate     Authorizer
	signer   Signer
	verifier Verifier
	archiver Archiver
	metrics  *metrics.Registry
	ops      zerolog.Logger
	now      func() time.Time

	requests chan appendRequest
	done     chan struct{}
	closed   atomic.Bool

	compromised atomic.Bool

	mu      sync.RWMutex
	records []models.EvidenceRecord
	tail    string // RecordHash of the last record, GenesisHash when empty
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithArchiver attaches a durable archive sink.
func WithArchiver(a Archiver) Option {
	return func(l *Ledger) { l.archiver = a }
}

// WithOpsLogger sets the non-evidentiary operational logger that receives
// denied attempts. Denials are never mixed into the evidentiary chain.
func WithOpsLogger(ops zerolog.Logger) Option {
	return func(l *Ledger) { l.ops = ops }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMetrics attaches the Prometheus registry so appends and denials are
// counted.
func WithMetrics(m *metrics.Registry) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithHistory seeds the chain with previously archived records so a restarted
// instance resumes its sequence instead of starting a second chain at 1.
// Callers should VerifyChain over the seeded range before trusting it; a
// malformed history is surfaced there, never silently repaired.
func WithHistory(records []models.EvidenceRecord) Option {
	return func(l *Ledger) {
		if len(records) == 0 {
			return
		}
		l.records = append([]models.EvidenceRecord(nil), records...)
		l.tail = RecordHash(l.records[len(l.records)-1])
	}
}

// New creates a Ledger and starts its writer goroutine.
func New(gate Authorizer, signer Signer, verifier Verifier, opts ...Option) *Ledger {
	l := &Ledger{
		gate:     gate,
		signer:   signer,
		verifier: verifier,
		ops:      log.Logger,
		now:      time.Now,
		requests: make(chan appendRequest),
		done:     make(chan struct{}),
		tail:     GenesisHash,
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run()
	return l
}

// Close stops the writer goroutine. In-flight appends complete first.
func (l *Ledger) Close() {
	if l.closed.CompareAndSwap(false, true) {
		close(l.done)
	}
}

// Append authorizes, hashes, signs and appends one action. It deliberately
// takes no context: an in-flight evidentiary write must complete or
// explicitly fail, never be abandoned by a caller timeout.
func (l *Ledger) Append(req models.ActionRequest) (models.EvidenceRecord, error) {
	if l.closed.Load() {
		return models.EvidenceRecord{}, ErrClosed
	}
	r := appendRequest{req: req, resp: make(chan appendResult, 1)}
	select {
	case l.requests <- r:
	case <-l.done:
		return models.EvidenceRecord{}, ErrClosed
	}
	res := <-r.resp
	return res.rec, res.err
}

func (l *Ledger) run() {
	for {
		select {
		case r := <-l.requests:
			r.resp <- l.append(r.req)
		case <-l.done:
			return
		}
	}
}

func (l *Ledger) append(req models.ActionRequest) appendResult {
	if l.compromised.Load() {
		return appendResult{err: ErrCompromised}
	}
	if !req.Action.Valid() {
		return appendResult{err: fmt.Errorf("ledger: unknown action %q", req.Action)}
	}

	if allow, reason := l.gate.Authorize(req); !allow {
		l.ops.Warn().
			Str("actor", req.ActorID).
			Str("action", string(req.Action)).
			Str("platform", req.Platform).
			Str("reason", reason).
			Msg("compliance denial")
		if l.metrics != nil {
			l.metrics.RecordDenial(reason)
		}
		return appendResult{err: fmt.Errorf("%w: %s", ErrUnauthorized, reason)}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.records)) + 1
	ts := canonicalTime(l.now())
	payloadHash := HashPayload(req.Payload)
	prevHash := l.tail

	sig, err := l.signer.Sign(SigningBytes(seq, ts, payloadHash, prevHash))
	if err != nil {
		return appendResult{err: fmt.Errorf("sign record %d: %w", seq, err)}
	}

	rec := models.EvidenceRecord{
		SequenceNumber: seq,
		Timestamp:      ts,
		ActorID:        req.ActorID,
		Action:         req.Action,
		SubjectRefs:    append([]string(nil), req.SubjectRefs...),
		PayloadHash:    payloadHash,
		PrevHash:       prevHash,
		Signature:      sig,
		SignerKeyID:    l.signer.KeyID(),
	}

	l.records = append(l.records, rec)
	l.tail = RecordHash(rec)

	if l.metrics != nil {
		l.metrics.LedgerAppends.WithLabelValues(string(req.Action)).Inc()
	}

	if l.archiver != nil {
		if err := l.archiver.Archive(rec); err != nil {
			l.ops.Error().Err(err).Uint64("seq", seq).Msg("ledger archive write failed")
		}
	}
	return appendResult{rec: rec}
}

// Len returns the number of records.
func (l *Ledger) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.records))
}

// Compromised reports whether verification has flagged this instance.
func (l *Ledger) Compromised() bool {
	return l.compromised.Load()
}

// snapshot returns the immutable record range [from, to] (1-based, inclusive).
func (l *Ledger) snapshot(from, to uint64) ([]models.EvidenceRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from < 1 || to < from || to > uint64(len(l.records)) {
		return nil, fmt.Errorf("%w: [%d, %d] of %d", ErrInvalidRange, from, to, len(l.records))
	}
	out := make([]models.EvidenceRecord, to-from+1)
	copy(out, l.records[from-1:to])
	return out, nil
}

// Records returns a copy of the record range [from, to] (1-based, inclusive).
// Callers get an immutable snapshot; concurrent appends never mutate it.
func (l *Ledger) Records(from, to uint64) ([]models.EvidenceRecord, error) {
	return l.snapshot(from, to)
}

// boundaryHash returns the expected PrevHash of record seq: the hash of its
// predecessor's canonical bytes, or GenesisHash for record 1.
func (l *Ledger) boundaryHash(seq uint64) (string, error) {
	if seq == 1 {
		return GenesisHash, nil
	}
	prev, err := l.snapshot(seq-1, seq-1)
	if err != nil {
		return "", err
	}
	return RecordHash(prev[0]), nil
}

// VerifyChain recomputes hashes and signatures over [fromSeq, toSeq]. It
// returns valid=true when every record checks out; otherwise the first bad
// sequence number, enabling precise tamper localization. A failure flags the
// whole instance compromised until manually reviewed, but reads of ranges
// before the bad record keep working.
func (l *Ledger) VerifyChain(fromSeq, toSeq uint64) (valid bool, firstBadSeq uint64, err error) {
	records, err := l.snapshot(fromSeq, toSeq)
	if err != nil {
		return false, 0, err
	}
	prev, err := l.boundaryHash(fromSeq)
	if err != nil {
		return false, 0, err
	}

	if bad := verifyRecords(records, fromSeq, prev, l.verifier); bad != 0 {
		l.compromised.Store(true)
		l.ops.Error().Uint64("first_bad_seq", bad).Msg("ledger chain verification failed")
		return false, bad, nil
	}
	return true, 0, nil
}

// verifyRecords walks a contiguous record slice expecting the first record at
// sequence startSeq with PrevHash boundary. Returns the first bad sequence
// number, or 0 when the sub-chain verifies.
func verifyRecords(records []models.EvidenceRecord, startSeq uint64, boundary string, verifier Verifier) uint64 {
	prev := boundary
	for i, rec := range records {
		seq := startSeq + uint64(i)
		if rec.SequenceNumber != seq {
			return seq
		}
		if rec.PrevHash != prev {
			return seq
		}
		ok, err := verifier.Verify(rec.SignerKeyID, SigningBytes(rec.SequenceNumber, rec.Timestamp, rec.PayloadHash, rec.PrevHash), rec.Signature)
		if err != nil || !ok {
			return seq
		}
		prev = RecordHash(rec)
	}
	return 0
}
