package timeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ashureev/shsh-classroom/internal/domain"
)

const (
	// PairWindowMS bounds how far apart an image and its caption may be.
	PairWindowMS = 3000
	// PairSearchLimit is how many unconsumed entries the forward search inspects.
	PairSearchLimit = 5
)

type entry struct {
	msg        domain.Message
	caption    string
	localImage bool
}

func (e entry) wantsCaption() bool {
	return e.msg.Image != nil && strings.TrimSpace(e.caption) != ""
}

func (e entry) isLocalText() bool {
	return e.msg.IsLocal && e.msg.Image == nil && strings.TrimSpace(e.msg.Text) != ""
}

func sameText(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func within(a, b int64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < PairWindowMS
}

// Reconcile merges history, the live feed and local image uploads into one
// timeline sorted by timestamp. An uploaded image and the chat message carrying
// its caption are folded into a single entry. Reconcile does not modify its
// inputs and returns the same output for the same inputs.
func Reconcile(history, live []domain.Message, images []domain.ImageAttachment) []domain.Message {
	entries := make([]entry, 0, len(history)+len(live)+len(images))

	for i, m := range history {
		m = cloneMessage(m)
		m.Origin = domain.OriginHistory
		if m.Image == nil {
			if url, ok := ExtractImageURL(m.Text); ok {
				m.Image = &domain.ImageRef{URL: url}
				m.Text = ""
			}
		}
		if m.ID == "" {
			m.ID = fmt.Sprintf("history-%d", i)
		}
		entries = append(entries, entry{msg: m})
	}
	for i, img := range images {
		id := img.ID
		if id == "" {
			id = fmt.Sprintf("image-%d", i)
		}
		entries = append(entries, entry{
			msg: domain.Message{
				ID:        id,
				Origin:    domain.OriginLocalImage,
				IsLocal:   true,
				Timestamp: img.Timestamp,
				Image:     &domain.ImageRef{URL: img.DataURL},
			},
			caption:    img.AssociatedText,
			localImage: true,
		})
	}
	for i, m := range live {
		m = cloneMessage(m)
		m.Origin = domain.OriginLive
		if m.ID == "" {
			m.ID = fmt.Sprintf("live-%d", i)
		}
		entries = append(entries, entry{msg: m})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].msg.Timestamp < entries[j].msg.Timestamp
	})

	consumed := make([]bool, len(entries))
	partner := make(map[int]int)

	// Forward pass: each captioned image looks ahead for its caption.
	for i := range entries {
		if consumed[i] || !entries[i].wantsCaption() {
			continue
		}
		inspected := 0
		for j := i + 1; j < len(entries) && inspected < PairSearchLimit; j++ {
			if consumed[j] {
				continue
			}
			if !within(entries[j].msg.Timestamp, entries[i].msg.Timestamp) {
				break
			}
			inspected++
			if entries[j].isLocalText() && sameText(entries[j].msg.Text, entries[i].caption) {
				consumed[i], consumed[j] = true, true
				partner[i] = j
				break
			}
		}
	}

	// Backward pass: leftover captions look behind for an unpaired image.
	for j := range entries {
		if consumed[j] || !entries[j].isLocalText() {
			continue
		}
		for i := j - 1; i >= 0; i-- {
			if !within(entries[j].msg.Timestamp, entries[i].msg.Timestamp) {
				break
			}
			if consumed[i] || !entries[i].wantsCaption() {
				continue
			}
			if sameText(entries[j].msg.Text, entries[i].caption) {
				consumed[i], consumed[j] = true, true
				partner[i] = j
			}
			break
		}
	}

	out := make([]domain.Message, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	// Uploaded images are always emitted and do not take part in ID
	// deduplication of history and live entries.
	emit := func(m domain.Message, local bool) {
		if !local {
			if _, dup := seen[m.ID]; dup {
				return
			}
			seen[m.ID] = struct{}{}
		}
		out = append(out, m)
	}

	for i, e := range entries {
		if j, ok := partner[i]; ok {
			m := e.msg
			m.Text = entries[j].msg.Text
			m.HasImage = true
			emit(m, e.localImage)
			continue
		}
		if consumed[i] {
			continue
		}
		m := e.msg
		if e.localImage {
			m.Text = e.caption
		}
		if m.Image != nil {
			m.HasImage = true
		}
		emit(m, e.localImage)
	}
	return out
}

func cloneMessage(m domain.Message) domain.Message {
	if m.Image != nil {
		img := *m.Image
		m.Image = &img
	}
	return m
}
