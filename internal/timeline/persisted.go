// Package timeline turns persisted history, the live feed and local image
// uploads into one ordered conversation timeline.
package timeline

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/shsh-classroom/internal/domain"
)

// PersistedMessage is a message as stored by the thread service.
type PersistedMessage struct {
	Role      string `json:"role"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

const roleUser = "user"

var (
	imageTypePattern = regexp.MustCompile(`\btype['"]?\s*[:=]\s*(?:'image_content'|"image_content")`)
	imageURLPattern  = regexp.MustCompile(`\bimage['"]?\s*[:=]\s*(?:'([^']*)'|"([^"]*)")`)
)

// naive layouts are interpreted as UTC. Fractional seconds are accepted by
// time.Parse after the seconds field even though the layout omits them.
var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp into epoch milliseconds.
// Timestamps without a zone are treated as UTC.
func ParseTimestamp(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UnixMilli(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized timestamp %q", s)
}

// ExtractImageURL returns the image URL encoded in an image-content marker.
func ExtractImageURL(text string) (string, bool) {
	if !imageTypePattern.MatchString(text) {
		return "", false
	}
	m := imageURLPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	url := m[1]
	if url == "" {
		url = m[2]
	}
	if url == "" {
		return "", false
	}
	return url, true
}

// FromPersisted converts stored records to history messages. Unparseable
// timestamps become 0 so the record still shows, at the start of the timeline.
func FromPersisted(records []PersistedMessage) []domain.Message {
	out := make([]domain.Message, 0, len(records))
	for i, r := range records {
		ts, err := ParseTimestamp(r.Timestamp)
		if err != nil {
			ts = 0
		}
		msg := domain.Message{
			ID:        fmt.Sprintf("history-%d", i),
			Origin:    domain.OriginHistory,
			IsLocal:   strings.EqualFold(strings.TrimSpace(r.Role), roleUser),
			Timestamp: ts,
			Text:      r.Message,
		}
		if url, ok := ExtractImageURL(r.Message); ok {
			msg.Image = &domain.ImageRef{URL: url}
			msg.Text = ""
			msg.HasImage = true
		}
		out = append(out, msg)
	}
	return out
}
