package v1

import "time"

// InboundFrame is the raw client -> server JSON shape before typing.
type InboundFrame struct {
	Type     string `json:"type"`
	Receiver string `json:"receiver,omitempty"`
	Content  string `json:"content,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// ChatFrame is a public chat line or system notice.
type ChatFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// PrivateFrame carries one side of a private message.
// Exactly one of Sender or Receiver is set: the recipient of the message sees
// Sender, the author's own echo sees Receiver.
type PrivateFrame struct {
	Type     string `json:"type"`
	Sender   string `json:"sender,omitempty"`
	Receiver string `json:"receiver,omitempty"`
	Content  string `json:"content"`
}

// HistoryFrame returns the private history with one peer, oldest first.
type HistoryFrame struct {
	Type     string          `json:"type"`
	Messages []MessageRecord `json:"messages"`
}

// MessageRecord is a persisted message as seen on the wire.
// Receiver is null for public messages.
type MessageRecord struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  *string   `json:"receiver"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// UploadResponse is returned by the upload endpoint.
type UploadResponse struct {
	Filename string `json:"filename"`
}
