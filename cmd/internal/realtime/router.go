package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"relay/cmd/internal/chatlog"
	v1 "relay/shared/contracts/relay/v1"
)

// imagePathPrefix is where uploaded images are served from.
const imagePathPrefix = "/uploads/"

// ImageContent is the message body stored and relayed for an image event.
func ImageContent(filename string) string {
	return "[image]" + imagePathPrefix + filename
}

// Router turns one inbound event into deliveries plus at most one append.
//
// Failure policy:
//   - a missing or failing recipient is skipped; other recipients still get theirs
//   - a failed append is logged and counted; deliveries already made stand
//   - nothing here tears down a session
type Router struct {
	log     *slog.Logger
	reg     ConnectionRegistry
	store   chatlog.Store
	metrics *Metrics

	persistTimeout time.Duration
	historyLimit   int
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithMetrics records routing outcomes on m.
func WithMetrics(m *Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithPersistTimeout bounds each append; non-positive values keep the default.
func WithPersistTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.persistTimeout = d
		}
	}
}

// NewRouter constructs a Router over reg and store.
func NewRouter(log *slog.Logger, reg ConnectionRegistry, store chatlog.Store, opts ...RouterOption) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		log:            log,
		reg:            reg,
		store:          store,
		persistTimeout: defaultPersistTimeout,
		historyLimit:   historyLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Route dispatches ev from sender.
func (r *Router) Route(ctx context.Context, sender string, ev v1.Event) {
	switch ev := ev.(type) {
	case v1.ChatEvent:
		r.metrics.event(ev.Kind())
		r.relay(ctx, sender, ev.Receiver, ev.Content)

	case v1.ImageEvent:
		r.metrics.event(ev.Kind())
		r.relay(ctx, sender, ev.Receiver, ImageContent(ev.Filename))

	case v1.HistoryRequest:
		r.metrics.event(ev.Kind())
		r.history(ctx, sender, ev.Receiver)

	default:
		r.metrics.malformedEvent()
		r.log.Debug("route.unsupported", "sender", sender, "event", fmt.Sprintf("%T", ev))
	}
}

// Announce broadcasts a system notice. Notices are never persisted.
func (r *Router) Announce(_ context.Context, text string) {
	r.broadcast(ChatPayload{Content: text})
}

func (r *Router) relay(ctx context.Context, sender, receiver, content string) {
	if receiver == "" {
		r.broadcast(ChatPayload{Content: sender + ": " + content})
	} else {
		if h, ok := r.reg.Lookup(sender); ok {
			r.deliver(sender, h, PrivatePayload{Counterpart: receiver, Outgoing: true, Content: content})
		}
		if h, ok := r.reg.Lookup(receiver); ok {
			r.deliver(receiver, h, PrivatePayload{Counterpart: sender, Content: content})
		}
	}
	r.persist(ctx, sender, receiver, content)
}

func (r *Router) history(ctx context.Context, requester, peer string) {
	h, ok := r.reg.Lookup(requester)
	if !ok {
		r.log.Debug("route.history.no_requester", "requester", requester)
		return
	}

	recs, err := r.store.History(ctx, requester, peer, r.historyLimit)
	if err != nil {
		r.log.Error("route.history.fail", "requester", requester, "peer", peer, "err", err)
		return
	}
	r.deliver(requester, h, HistoryPayload{Messages: recs})
}

// persist runs detached from ctx cancellation so a sender hanging up right
// after sending still gets the message logged.
func (r *Router) persist(ctx context.Context, sender, receiver, content string) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
	defer cancel()

	if _, err := r.store.Append(pctx, sender, receiver, content); err != nil {
		r.metrics.persistFailure()
		r.log.Error("route.persist.fail", "sender", sender, "receiver", receiver, "err", err)
	}
}

func (r *Router) broadcast(p Payload) {
	for _, h := range r.reg.All() {
		r.deliver("", h, p)
	}
}

// deliver sends p to h; any failure, including a panicking handle, is a skip.
func (r *Router) deliver(to string, h Handle, p Payload) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.delivery(deliveryDropped)
			r.log.Warn("route.deliver.panic", "to", to, "panic", rec)
		}
	}()

	if err := h.Deliver(p); err != nil {
		r.metrics.delivery(deliveryDropped)
		r.log.Debug("route.deliver.skip", "to", to, "err", err)
		return
	}
	r.metrics.delivery(deliveryOK)
}
