package realtime

import (
	"encoding/json"
	"fmt"

	"relay/cmd/internal/chatlog"
	v1 "relay/shared/contracts/relay/v1"

	"github.com/samber/lo"
)

// Payload is one outbound delivery. The set of implementations is closed:
// ChatPayload, PrivatePayload and HistoryPayload.
type Payload interface {
	isPayload()
}

// ChatPayload is a public line or a system notice.
type ChatPayload struct {
	Content string
}

// PrivatePayload is one side of a private message.
// Outgoing is true on the author's own copy, where Counterpart is the receiver;
// otherwise Counterpart is the author.
type PrivatePayload struct {
	Counterpart string
	Outgoing    bool
	Content     string
}

// HistoryPayload is a private history window, oldest first.
type HistoryPayload struct {
	Messages []chatlog.Record
}

func (ChatPayload) isPayload()    {}
func (PrivatePayload) isPayload() {}
func (HistoryPayload) isPayload() {}

// EncodePayload renders p as a v1 wire frame.
func EncodePayload(p Payload) ([]byte, error) {
	switch p := p.(type) {
	case ChatPayload:
		return json.Marshal(v1.ChatFrame{Type: v1.TypeChat, Content: p.Content})

	case PrivatePayload:
		f := v1.PrivateFrame{Type: v1.TypePrivate, Content: p.Content}
		if p.Outgoing {
			f.Receiver = p.Counterpart
		} else {
			f.Sender = p.Counterpart
		}
		return json.Marshal(f)

	case HistoryPayload:
		msgs := lo.Map(p.Messages, func(r chatlog.Record, _ int) v1.MessageRecord {
			return wireRecord(r)
		})
		return json.Marshal(v1.HistoryFrame{Type: v1.TypeHistory, Messages: msgs})

	default:
		return nil, fmt.Errorf("realtime: unsupported payload %T", p)
	}
}

func wireRecord(r chatlog.Record) v1.MessageRecord {
	out := v1.MessageRecord{
		ID:        r.ID,
		Sender:    r.Sender,
		Content:   r.Content,
		Timestamp: r.Timestamp,
	}
	if !r.Public() {
		out.Receiver = lo.ToPtr(r.Receiver)
	}
	return out
}
