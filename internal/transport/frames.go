package transport

type setMicrophoneFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Enabled   bool   `json:"enabled"`
}

type sendFileFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	MimeType  string `json:"mime_type"`
	Topic     string `json:"topic,omitempty"`
	DataB64   string `json:"data_b64"`
}

type chatFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
}

type leaveFrame struct {
	Type string `json:"type"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// serverFrame is the union of ack, message and state frames.
type serverFrame struct {
	Type string `json:"type"`

	RequestID string      `json:"request_id,omitempty"`
	OK        bool        `json:"ok,omitempty"`
	FileID    string      `json:"file_id,omitempty"`
	Error     *frameError `json:"error,omitempty"`

	ID          string `json:"id,omitempty"`
	Text        string `json:"text,omitempty"`
	TimestampMS int64  `json:"timestamp_ms,omitempty"`
	FromSelf    bool   `json:"from_self,omitempty"`

	State string `json:"state,omitempty"`
}

const (
	frameSetMicrophone = "set_microphone"
	frameSendFile      = "send_file"
	frameChat          = "chat"
	frameLeave         = "leave"

	frameAck     = "ack"
	frameMessage = "message"
	frameState   = "state"
)
