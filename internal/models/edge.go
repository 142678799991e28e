package models

// EdgeKind classifies how derivative content relates to its source.
type EdgeKind string

const (
	EdgeRepost     EdgeKind = "explicit-repost"
	EdgeQuote      EdgeKind = "explicit-quote"
	EdgeReply      EdgeKind = "explicit-reply"
	EdgeSimilarity EdgeKind = "inferred-similarity"
)

// Explicit reports whether the kind comes from platform metadata rather than
// content inference.
func (k EdgeKind) Explicit() bool {
	switch k {
	case EdgeRepost, EdgeQuote, EdgeReply:
		return true
	}
	return false
}

// Edge is a directed derivation link: To derives from From.
type Edge struct {
	From    string   `json:"from"`    // earlier/original post id
	To      string   `json:"to"`      // derivative post id
	Kind    EdgeKind `json:"kind"`    // explicit-* or inferred-similarity
	Weight  float64  `json:"weight"`  // derivation confidence in [0,1]
	Suspect bool     `json:"suspect"` // platform metadata contradicts timestamps
}
