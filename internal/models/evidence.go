package models

import "time"

// Action enumerates the investigative actions the ledger records.
type Action string

const (
	ActionCollect  Action = "collect"
	ActionAnalyze  Action = "analyze"
	ActionTransfer Action = "transfer"
	ActionExport   Action = "export"
	ActionAccess   Action = "access"
)

// Valid reports whether a is a known action type.
func (a Action) Valid() bool {
	switch a {
	case ActionCollect, ActionAnalyze, ActionTransfer, ActionExport, ActionAccess:
		return true
	}
	return false
}

// ActionRequest describes one investigative action submitted for
// authorization and, if allowed, evidentiary recording.
type ActionRequest struct {
	ActorID         string   `json:"actor_id"`         // officer or system identity
	Action          Action   `json:"action"`           // collect | analyze | transfer | export | access
	Platform        string   `json:"platform"`         // platform the action targets
	AccountID       string   `json:"account_id"`       // account the action targets
	AuthorizationID string   `json:"authorization_id"` // legal authorization backing the action
	SubjectRefs     []string `json:"subject_refs"`     // affected post/graph-node ids
	Payload         []byte   `json:"payload,omitempty"`
	ExposesPII      bool     `json:"exposes_pii"` // raw personal data leaves the system
}

// EvidenceRecord is one immutable entry in the hash-chained custody ledger.
// Hashes are lowercase hex SHA-256 over the canonical serialization.
type EvidenceRecord struct {
	SequenceNumber uint64    `json:"sequence_number"` // monotonic, gap-free per ledger
	Timestamp      time.Time `json:"timestamp"`       // canonicalized to UTC epoch millis
	ActorID        string    `json:"actor_id"`
	Action         Action    `json:"action"`
	SubjectRefs    []string  `json:"subject_refs"`
	PayloadHash    string    `json:"payload_hash"` // SHA-256 of the serialized action payload
	PrevHash       string    `json:"prev_hash"`    // SHA-256 of the previous record's canonical bytes
	Signature      []byte    `json:"signature"`    // over seq‖timestamp‖payloadHash‖prevHash
	SignerKeyID    string    `json:"signer_key_id"`
}
