package domain

// Origin identifies which source a timeline message came from.
type Origin string

const (
	OriginHistory    Origin = "history"
	OriginLive       Origin = "live"
	OriginLocalImage Origin = "localImage"
)

// ImageRef points at an image shown in the timeline.
type ImageRef struct {
	URL string `json:"url"`
}

// Message is one timeline entry. Timestamp is epoch milliseconds.
type Message struct {
	ID        string    `json:"id"`
	Origin    Origin    `json:"origin"`
	IsLocal   bool      `json:"is_local"`
	Timestamp int64     `json:"timestamp"`
	Text      string    `json:"text"`
	Image     *ImageRef `json:"image,omitempty"`
	HasImage  bool      `json:"has_image,omitempty"`
}

// IsImage reports whether the message carries an image.
func (m Message) IsImage() bool {
	return m.Image != nil
}

// ImageAttachment is an image the learner uploaded during the current call.
// It is only recorded after the transport accepted the upload.
type ImageAttachment struct {
	ID             string `json:"id"`
	DataURL        string `json:"data_url"`
	Timestamp      int64  `json:"timestamp"`
	AssociatedText string `json:"associated_text,omitempty"`
}
