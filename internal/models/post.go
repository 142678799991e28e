package models

import (
	"fmt"
	"strings"
	"time"
)

// Engagement holds the latest observed interaction counts for a post.
// Counts are monotone in practice but the store only requires non-negative.
type Engagement struct {
	Likes    int64 `json:"likes"`
	Shares   int64 `json:"shares"`
	Comments int64 `json:"comments"`
	Views    int64 `json:"views"`
}

// Total returns the summed raw engagement across all interaction kinds.
func (e Engagement) Total() int64 {
	return e.Likes + e.Shares + e.Comments + e.Views
}

// Post is one normalized platform content item. IDs are platform-namespaced
// ("platform:native_id") and stable across re-ingestion.
type Post struct {
	ID         string     `json:"id"`                   // platform-namespaced, e.g. "twitter:123456"
	AuthorID   string     `json:"author_id"`            // platform-namespaced account id
	Platform   string     `json:"platform"`             // source platform name
	CreatedAt  time.Time  `json:"created_at"`           // UTC, source of truth for ordering
	Text       string     `json:"text"`                 // raw post text
	MediaRefs  []string   `json:"media_refs,omitempty"` // opaque media references, order preserved
	Engagement Engagement `json:"engagement"`           // latest observed counts
	ParentRef  string     `json:"parent_ref,omitempty"` // platform-declared repost/quote/reply target
	ParentKind EdgeKind   `json:"parent_kind,omitempty"`
	Retracted  bool       `json:"retracted"` // supersedes the post, never deletes it
}

// Validate checks the fields a platform connector is required to supply.
func (p Post) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("post: missing id")
	case !strings.Contains(p.ID, ":"):
		return fmt.Errorf("post %s: id must be platform-namespaced", p.ID)
	case p.AuthorID == "":
		return fmt.Errorf("post %s: missing author_id", p.ID)
	case p.Platform == "":
		return fmt.Errorf("post %s: missing platform", p.ID)
	case p.CreatedAt.IsZero():
		return fmt.Errorf("post %s: missing created_at", p.ID)
	}
	if p.ParentRef != "" && p.ParentKind != "" && !p.ParentKind.Explicit() {
		return fmt.Errorf("post %s: parent_kind %q is not an explicit relation", p.ID, p.ParentKind)
	}
	return nil
}
