package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	v1 "relay/shared/contracts/relay/v1"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	wsSubprotocolV1 = "relay.v1"

	// Query parameter carrying the connecting identity.
	wsIdentityParam = "username"
)

var (
	errRateLimited     = errors.New("rate limited")
	errSessionReplaced = errors.New("session replaced")
	errHeartbeat       = errors.New("heartbeat failed")
)

// EventRouter routes decoded inbound events.
type EventRouter interface {
	Route(ctx context.Context, sender string, ev v1.Event)
}

// GatewayConfig tunes the websocket gateway. Zero values take defaults.
type GatewayConfig struct {
	// OriginRequired rejects upgrades without an Origin header.
	OriginRequired bool
	// AllowedOrigins is the cross-origin allowlist. Empty leaves only
	// same-host origins acceptable; "*" accepts any origin.
	AllowedOrigins []string
	// RequireSubprotocol closes sessions that did not negotiate relay.v1.
	RequireSubprotocol bool

	WriteTimeout time.Duration
	// ReadIdleTimeout closes a connection that sends nothing for this long. Zero disables it.
	ReadIdleTimeout   time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	SendQueue     int
	MaxFrameBytes int64

	RateEvents int
	RateWindow time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout < 0 {
		c.ReadIdleTimeout = 0
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.SendQueue <= 0 {
		c.SendQueue = defaultSendQueue
	}
	if c.SendQueue < minSendQueue {
		c.SendQueue = minSendQueue
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = maxFrameBytes
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// WSGateway is the WebSocket entrypoint for the relay.
//
// It validates the claimed identity, enforces origin policy, heartbeats and
// rate limits, opens a Session per connection and hands every decoded frame
// to the router in arrival order.
type WSGateway struct {
	log       *slog.Logger
	lifecycle *Lifecycle
	router    EventRouter
	metrics   *Metrics
	cfg       GatewayConfig

	anyOrigin bool
	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. m may be nil.
func NewWSGateway(log *slog.Logger, lc *Lifecycle, router EventRouter, m *Metrics, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	g := &WSGateway{
		log:       log,
		lifecycle: lc,
		router:    router,
		metrics:   m,
		cfg:       cfg,
	}
	for _, o := range cfg.AllowedOrigins {
		if strings.TrimSpace(o) == "*" {
			g.anyOrigin = true
		}
	}
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins)
	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs it until
// either side goes away.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(r.URL.Query().Get(wsIdentityParam))
	if identity == "" {
		http.Error(w, "missing username", http.StatusBadRequest)
		return
	}
	if utf8.RuneCountInString(identity) > v1.MaxIdentityChars {
		http.Error(w, "username too long", http.StatusBadRequest)
		return
	}

	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.anyOrigin,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if g.cfg.RequireSubprotocol && conn.Subprotocol() != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", conn.Subprotocol(), "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(g.cfg.MaxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	log := g.log.With("session_id", sessionID, "identity", identity)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := NewClient(identity, sessionID, g.cfg.SendQueue)
	defer client.Close()

	sess, err := g.lifecycle.Open(ctx, identity, client)
	if err != nil {
		log.Info("ws.session.open.fail", "err", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "invalid identity")
		return
	}
	// Leave is announced even when the request context is already gone.
	defer sess.Close(context.WithoutCancel(ctx))

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return g.writeLoop(gctx, conn, client, log) })
	grp.Go(func() error { return g.heartbeat(gctx, conn, log) })
	grp.Go(func() error { return g.readLoop(gctx, conn, sess, log) })

	err = grp.Wait()
	code, reason := closeFor(err)
	log.Info("ws.session.end", "reason", reason, "err", err)
	_ = conn.Close(code, reason)
}

func (g *WSGateway) readLoop(ctx context.Context, conn *websocket.Conn, sess *Session, log *slog.Logger) error {
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	for {
		readCtx, readCancel := ctx, context.CancelFunc(func() {})
		if g.cfg.ReadIdleTimeout > 0 {
			readCtx, readCancel = context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		}
		_, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			return err
		}

		if !rl.Allow(time.Now().UTC()) {
			return errRateLimited
		}

		ev, err := v1.DecodeEvent(data)
		if err != nil {
			g.metrics.malformedEvent()
			log.Debug("ws.event.malformed", "err", err)
			continue
		}
		g.router.Route(ctx, sess.Identity(), ev)
	}
}

func (g *WSGateway) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client, log *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			// Only a replacing session closes our client while the loop runs.
			return errSessionReplaced
		case p := <-client.Send():
			b, err := EncodePayload(p)
			if err != nil {
				log.Error("ws.encode.fail", "err", err)
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, b)
			wcancel()
			if err != nil {
				log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				return err
			}
		}
	}
}

func (g *WSGateway) heartbeat(ctx context.Context, conn *websocket.Conn, log *slog.Logger) error {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				failures++
				log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					return errHeartbeat
				}
				continue
			}
			failures = 0
		}
	}
}

// closeFor maps the error that ended a session to a close frame.
func closeFor(err error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(err, errRateLimited):
		return websocket.StatusPolicyViolation, "rate limited"
	case errors.Is(err, errSessionReplaced):
		return websocket.StatusPolicyViolation, "session replaced"
	case errors.Is(err, errHeartbeat):
		return websocket.StatusGoingAway, "heartbeat failed"
	}

	switch classifyReadErr(err) {
	case readErrClose:
		return websocket.StatusNormalClosure, "peer closed"
	case readErrCtxDone:
		return websocket.StatusGoingAway, "context done"
	case readErrConnClosed:
		return websocket.StatusAbnormalClosure, "conn closed"
	case readErrTooBig:
		return websocket.StatusMessageTooBig, "frame too large"
	default:
		return websocket.StatusInternalError, "read failed"
	}
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrTooBig
)

func classifyReadErr(err error) readErrKind {
	if err == nil {
		return readErrUnknown
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	if strings.Contains(err.Error(), "read limited at") {
		return readErrTooBig
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	// No allowlist: websocket.Accept still enforces same-host.
	if len(g.cfg.AllowedOrigins) == 0 || g.anyOrigin {
		return nil
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	// Same-host pages are always fine.
	if originHost != "" && originHost == originHostOnly(r.Host) {
		return nil
	}
	return errors.New("origin not allowed: " + origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
