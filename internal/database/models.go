package database

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ContentUnavailable marks a content column whose source permanently has
// nothing to offer (transcripts disabled, article gone). Rows carrying it
// are never selected for backfill again.
const ContentUnavailable = "__UNAVAILABLE__"

var (
	ErrNotFound          = errors.New("not found")
	ErrUnknownSourceType = errors.New("unknown source type")
)

// SourceType identifies where an item came from.
type SourceType string

const (
	SourceYouTube   SourceType = "youtube"
	SourceOpenAI    SourceType = "openai"
	SourceAnthropic SourceType = "anthropic"
)

// AllSourceTypes lists every source in pipeline order.
var AllSourceTypes = []SourceType{SourceYouTube, SourceOpenAI, SourceAnthropic}

// ParseSourceType validates a stored or user-supplied source name.
func ParseSourceType(s string) (SourceType, error) {
	switch t := SourceType(strings.ToLower(strings.TrimSpace(s))); t {
	case SourceYouTube, SourceOpenAI, SourceAnthropic:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSourceType, s)
}

// IsVideo reports whether items of this type carry transcripts rather
// than article bodies.
func (t SourceType) IsVideo() bool {
	return t == SourceYouTube
}

// Label is the human-readable kind used in prompts and emails.
func (t SourceType) Label() string {
	if t.IsVideo() {
		return "video"
	}
	return "article"
}

// DigestID is the composite identity shared by an item and its digest.
type DigestID struct {
	Type SourceType
	Key  string
}

func (id DigestID) String() string {
	return string(id.Type) + ":" + id.Key
}

// ParseDigestID splits on the first colon, so keys that are URLs survive.
func ParseDigestID(s string) (DigestID, error) {
	typ, key, ok := strings.Cut(s, ":")
	if !ok || key == "" {
		return DigestID{}, fmt.Errorf("malformed digest id %q", s)
	}
	t, err := ParseSourceType(typ)
	if err != nil {
		return DigestID{}, err
	}
	return DigestID{Type: t, Key: key}, nil
}

// ContentState classifies a nullable content column.
type ContentState int

const (
	ContentMissing ContentState = iota
	ContentPresent
	ContentIsUnavailable
)

// Item is a fetched candidate: a video or a feed article.
type Item struct {
	Type          SourceType
	Key           string
	Title         string
	URL           string
	ChannelID     string
	PublishedAt   time.Time
	Description   string
	Category      *string
	Content       *string
	FetchAttempts int
}

// ID returns the digest identity of the item.
func (i Item) ID() DigestID {
	return DigestID{Type: i.Type, Key: i.Key}
}

// ContentState reports whether content is missing, present or unavailable.
func (i Item) ContentState() ContentState {
	switch {
	case i.Content == nil:
		return ContentMissing
	case *i.Content == ContentUnavailable:
		return ContentIsUnavailable
	default:
		return ContentPresent
	}
}

// Digest is the one-shot summary of an item.
type Digest struct {
	ID        DigestID
	URL       string
	Title     string
	Summary   string
	CreatedAt time.Time
}

// ArticleType is the source type column of the digest.
func (d Digest) ArticleType() SourceType { return d.ID.Type }

// ArticleID is the natural key of the summarized item.
func (d Digest) ArticleID() string { return d.ID.Key }

// RunReport holds the outcome of a pipeline run.
type RunReport struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Success    bool
	Error      string
	Steps      string // JSON
}

// Stats contains aggregate database statistics.
type Stats struct {
	Items          map[SourceType]int
	MissingContent map[SourceType]int
	Unavailable    map[SourceType]int
	Digests        int
	Runs           int
	LastRun        *RunReport
}
