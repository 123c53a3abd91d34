package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"relay/cmd/internal/chatlog"
	"relay/cmd/internal/chatlog/mocks"
	v1 "relay/shared/contracts/relay/v1"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type routerFixture struct {
	reg     *Registry
	store   *chatlog.MemoryStore
	metrics *Metrics
	router  *Router
}

func newRouterFixture(t *testing.T, ids ...string) (*routerFixture, map[string]*fakeHandle) {
	t.Helper()
	f := &routerFixture{
		reg:     NewRegistry(),
		store:   chatlog.NewMemoryStore(),
		metrics: NewMetrics(),
	}
	f.router = NewRouter(testLogger(), f.reg, f.store, WithMetrics(f.metrics))
	t.Cleanup(func() { _ = f.store.Close() })

	handles := make(map[string]*fakeHandle, len(ids))
	for _, id := range ids {
		h := newFakeHandle(id)
		f.reg.Register(id, h)
		handles[id] = h
	}
	return f, handles
}

func TestRouter_PublicChatFansOutToEveryone(t *testing.T) {
	req := require.New(t)
	f, hs := newRouterFixture(t, "A", "B", "C")

	f.router.Route(context.Background(), "A", v1.ChatEvent{Content: "hi"})

	for _, id := range []string{"A", "B", "C"} {
		req.Equal([]Payload{ChatPayload{Content: "A: hi"}}, hs[id].payloads(), id)
	}

	// Public records are not part of any pair history; count via a private probe.
	rec, err := f.store.Append(context.Background(), "probe", "", "x")
	req.NoError(err)
	req.Equal(int64(2), rec.ID, "exactly one record appended before the probe")
	req.Equal(3.0, testutil.ToFloat64(f.metrics.deliveries.WithLabelValues(deliveryOK)))
	req.Equal(1.0, testutil.ToFloat64(f.metrics.events.WithLabelValues(v1.TypeChat)))
}

func TestRouter_PrivateChatReachesBothSides(t *testing.T) {
	req := require.New(t)
	f, hs := newRouterFixture(t, "A", "B", "C")

	f.router.Route(context.Background(), "A", v1.ChatEvent{Receiver: "B", Content: "yo"})

	req.Equal([]Payload{PrivatePayload{Counterpart: "B", Outgoing: true, Content: "yo"}}, hs["A"].payloads())
	req.Equal([]Payload{PrivatePayload{Counterpart: "A", Content: "yo"}}, hs["B"].payloads())
	req.Empty(hs["C"].payloads())

	recs, err := f.store.History(context.Background(), "A", "B", 100)
	req.NoError(err)
	req.Len(recs, 1)
	req.Equal("A", recs[0].Sender)
	req.Equal("B", recs[0].Receiver)
	req.Equal("yo", recs[0].Content)
}

func TestRouter_OfflineReceiverIsSilentButPersisted(t *testing.T) {
	req := require.New(t)
	f, hs := newRouterFixture(t, "A")

	f.router.Route(context.Background(), "A", v1.ChatEvent{Receiver: "C", Content: "later"})

	req.Equal([]Payload{PrivatePayload{Counterpart: "C", Outgoing: true, Content: "later"}}, hs["A"].payloads())
	req.Equal(0.0, testutil.ToFloat64(f.metrics.deliveries.WithLabelValues(deliveryDropped)))

	recs, err := f.store.History(context.Background(), "C", "A", 100)
	req.NoError(err)
	req.Len(recs, 1)
	req.Equal("later", recs[0].Content)
}

func TestRouter_ImageUsesSynthesizedContent(t *testing.T) {
	req := require.New(t)
	f, hs := newRouterFixture(t, "A", "B")

	f.router.Route(context.Background(), "A", v1.ImageEvent{Receiver: "B", Filename: "1700000000000-cat.png"})
	f.router.Route(context.Background(), "B", v1.ImageEvent{Filename: "dog.png"})

	want := "[image]/uploads/1700000000000-cat.png"
	req.Equal(want, ImageContent("1700000000000-cat.png"))
	req.Equal([]Payload{
		PrivatePayload{Counterpart: "A", Content: want},
		ChatPayload{Content: "B: [image]/uploads/dog.png"},
	}, hs["B"].payloads())

	recs, err := f.store.History(context.Background(), "A", "B", 100)
	req.NoError(err)
	req.Len(recs, 1)
	req.Equal(want, recs[0].Content)
}

func TestRouter_HistoryGoesToRequesterOnly(t *testing.T) {
	req := require.New(t)
	f, hs := newRouterFixture(t, "A", "B")
	ctx := context.Background()

	_, err := f.store.Append(ctx, "A", "B", "t1")
	req.NoError(err)
	_, err = f.store.Append(ctx, "B", "A", "t2")
	req.NoError(err)
	_, err = f.store.Append(ctx, "A", "C", "t3")
	req.NoError(err)

	f.router.Route(ctx, "A", v1.HistoryRequest{Receiver: "B"})

	got := hs["A"].payloads()
	req.Len(got, 1)
	hp, ok := got[0].(HistoryPayload)
	req.True(ok)
	req.Len(hp.Messages, 2)
	req.Equal("t1", hp.Messages[0].Content)
	req.Equal("t2", hp.Messages[1].Content)
	req.Empty(hs["B"].payloads())

	// History requests are never persisted.
	again, err := f.store.History(ctx, "A", "B", 100)
	req.NoError(err)
	req.Len(again, 2)
}

func TestRouter_HistoryWithoutRequesterSkipsStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	store := mocks.NewMockStore(ctrl)

	// No EXPECT: any store call fails the test.
	r := NewRouter(testLogger(), NewRegistry(), store)
	r.Route(context.Background(), "ghost", v1.HistoryRequest{Receiver: "B"})
}

func TestRouter_HistoryStoreErrorSendsNothing(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	store := mocks.NewMockStore(ctrl)

	reg := NewRegistry()
	a := newFakeHandle("A")
	reg.Register("A", a)

	store.EXPECT().History(gomock.Any(), "A", "B", historyLimit).
		Return(nil, errors.New("db down")).Times(1)

	r := NewRouter(testLogger(), reg, store)
	r.Route(context.Background(), "A", v1.HistoryRequest{Receiver: "B"})
	req.Empty(a.payloads())
}

func TestRouter_PersistFailureKeepsDeliveries(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	store := mocks.NewMockStore(ctrl)

	reg := NewRegistry()
	a, b := newFakeHandle("A"), newFakeHandle("B")
	reg.Register("A", a)
	reg.Register("B", b)
	m := NewMetrics()

	store.EXPECT().Append(gomock.Any(), "A", "B", "yo").
		Return(chatlog.Record{}, errors.New("disk full")).Times(1)

	r := NewRouter(testLogger(), reg, store, WithMetrics(m))
	r.Route(context.Background(), "A", v1.ChatEvent{Receiver: "B", Content: "yo"})

	req.Len(a.payloads(), 1)
	req.Len(b.payloads(), 1)
	req.Equal(1.0, testutil.ToFloat64(m.persistFailures))
}

func TestRouter_PersistOutlivesCancelledContext(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	store := mocks.NewMockStore(ctrl)

	store.EXPECT().Append(gomock.Any(), "A", "", "bye").
		DoAndReturn(func(ctx context.Context, sender, receiver, content string) (chatlog.Record, error) {
			req.NoError(ctx.Err())
			_, hasDeadline := ctx.Deadline()
			req.True(hasDeadline)
			return chatlog.Record{ID: 1, Sender: sender, Content: content, Timestamp: time.Now().UTC()}, nil
		}).Times(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRouter(testLogger(), NewRegistry(), store, WithPersistTimeout(time.Second))
	r.Route(ctx, "A", v1.ChatEvent{Content: "bye"})
}

func TestRouter_FailingHandlesDoNotAbortBroadcast(t *testing.T) {
	req := require.New(t)
	f, hs := newRouterFixture(t, "A", "B", "C", "D")
	hs["B"].err = ErrBackpressure
	hs["C"].panics = true

	f.router.Route(context.Background(), "A", v1.ChatEvent{Content: "still here"})

	req.Len(hs["A"].payloads(), 1)
	req.Len(hs["D"].payloads(), 1)
	req.Equal(2.0, testutil.ToFloat64(f.metrics.deliveries.WithLabelValues(deliveryDropped)))

	recs, err := f.store.Append(context.Background(), "probe", "", "x")
	req.NoError(err)
	req.Equal(int64(2), recs.ID)
}

func TestRouter_AnnounceIsNotPersisted(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	store := mocks.NewMockStore(ctrl)

	reg := NewRegistry()
	a := newFakeHandle("A")
	reg.Register("A", a)

	r := NewRouter(testLogger(), reg, store)
	r.Announce(context.Background(), "A joined the chat")

	require.Equal(t, []Payload{ChatPayload{Content: "A joined the chat"}}, a.payloads())
}

type unknownEvent struct{ v1.ChatEvent }

func TestRouter_UnknownEventIsDropped(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	store := mocks.NewMockStore(ctrl)

	reg := NewRegistry()
	a := newFakeHandle("A")
	reg.Register("A", a)
	m := NewMetrics()

	r := NewRouter(testLogger(), reg, store, WithMetrics(m))
	r.Route(context.Background(), "A", unknownEvent{})

	req.Empty(a.payloads())
	req.Equal(1.0, testutil.ToFloat64(m.malformed))
}
