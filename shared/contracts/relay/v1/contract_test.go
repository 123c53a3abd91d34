package v1

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want Event
	}{
		{name: "public chat", in: `{"type":"chat","content":"hi"}`, want: ChatEvent{Content: "hi"}},
		{name: "private chat", in: `{"type":"chat","receiver":" bob ","content":"yo"}`, want: ChatEvent{Receiver: "bob", Content: "yo"}},
		{name: "public image", in: `{"type":"image","filename":"1700000000000-cat.png"}`, want: ImageEvent{Filename: "1700000000000-cat.png"}},
		{name: "private image", in: `{"type":"image","receiver":"bob","filename":"x.png"}`, want: ImageEvent{Receiver: "bob", Filename: "x.png"}},
		{name: "history", in: `{"type":"get_history","receiver":"bob"}`, want: HistoryRequest{Receiver: "bob"}},
		{name: "unknown fields ignored", in: `{"type":"chat","content":"hi","extra":1}`, want: ChatEvent{Content: "hi"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := DecodeEvent([]byte(tc.in))
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeEvent_Rejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want error
	}{
		{name: "not json", in: `hello`, want: ErrMalformed},
		{name: "array", in: `[1,2]`, want: ErrMalformed},
		{name: "missing type", in: `{"content":"hi"}`, want: ErrMalformed},
		{name: "unknown type", in: `{"type":"typing"}`, want: ErrUnknownType},
		{name: "chat without content", in: `{"type":"chat"}`, want: ErrInvalidEvent},
		{name: "chat blank content", in: `{"type":"chat","content":"   "}`, want: ErrInvalidEvent},
		{name: "image without filename", in: `{"type":"image","receiver":"bob"}`, want: ErrInvalidEvent},
		{name: "history without receiver", in: `{"type":"get_history"}`, want: ErrInvalidEvent},
		{name: "content too long", in: `{"type":"chat","content":"` + strings.Repeat("x", MaxContentChars+1) + `"}`, want: ErrInvalidEvent},
		{name: "receiver too long", in: `{"type":"chat","receiver":"` + strings.Repeat("r", MaxIdentityChars+1) + `","content":"hi"}`, want: ErrInvalidEvent},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ev, err := DecodeEvent([]byte(tc.in))
			require.Nil(t, ev)
			require.True(t, errors.Is(err, tc.want), "err=%v want=%v", err, tc.want)
		})
	}
}

func TestDecodeEvent_ContentLimitCountsRunes(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("é", MaxContentChars)
	ev, err := DecodeEvent([]byte(`{"type":"chat","content":"` + content + `"}`))
	require.NoError(t, err)
	require.Equal(t, content, ev.(ChatEvent).Content)
}

func TestHistoryFrame_NullReceiverAndEmptyMessages(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(HistoryFrame{Type: TypeHistory, Messages: []MessageRecord{}})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"history","messages":[]}`, string(b))

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b, err = json.Marshal(MessageRecord{ID: 7, Sender: "alice", Content: "hi", Timestamp: ts})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":7,"sender":"alice","receiver":null,"content":"hi","timestamp":"2024-05-01T12:00:00Z"}`, string(b))
}

func TestPrivateFrame_OneSideOnly(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(PrivateFrame{Type: TypePrivate, Sender: "alice", Content: "yo"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"private","sender":"alice","content":"yo"}`, string(b))

	b, err = json.Marshal(PrivateFrame{Type: TypePrivate, Receiver: "bob", Content: "yo"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"private","receiver":"bob","content":"yo"}`, string(b))
}
