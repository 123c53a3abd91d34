// Package main provides a CI-friendly WebSocket smoke test for a running relay.
//
// It validates:
//   - handshake + subprotocol selection
//   - join broadcast to an already connected client
//   - public chat fanout
//   - private delivery plus the author's echo
//   - pair history fetch
//   - leave broadcast on disconnect
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	v1 "relay/shared/contracts/relay/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	defaultSubprotocol = "relay.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

// frame is the union of every server -> client frame.
type frame struct {
	Type     string             `json:"type"`
	Content  string             `json:"content"`
	Sender   string             `json:"sender"`
	Receiver string             `json:"receiver"`
	Messages []v1.MessageRecord `json:"messages"`
}

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan frame
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", "hello relay 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	nonce := uuid.NewString()[:8]
	nameA, nameB := "smoke-a-"+nonce, "smoke-b-"+nonce

	a := mustConnect(root, nameA, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	a.mustReadChat(root, nameA+" joined the chat", *timeout)

	b := mustConnect(root, nameB, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)
	a.mustReadChat(root, nameB+" joined the chat", *timeout)
	b.mustReadChat(root, nameB+" joined the chat", *timeout)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", nameA, nameB, *origin)
	}

	mustWrite(root, a.conn, v1.InboundFrame{Type: v1.TypeChat, Content: *text}, *timeout)
	public := nameA + ": " + *text
	a.mustReadChat(root, public, *timeout)
	b.mustReadChat(root, public, *timeout)

	private := "psst " + nonce
	mustWrite(root, a.conn, v1.InboundFrame{Type: v1.TypeChat, Receiver: nameB, Content: private}, *timeout)

	got := b.mustReadUntilType(root, v1.TypePrivate, *timeout)
	if got.Sender != nameA || got.Content != private {
		fatalf("private delivery mismatch (%s): sender=%q content=%q", b.name, got.Sender, got.Content)
	}
	echo := a.mustReadUntilType(root, v1.TypePrivate, *timeout)
	if echo.Receiver != nameB || echo.Content != private {
		fatalf("private echo mismatch (%s): receiver=%q content=%q", a.name, echo.Receiver, echo.Content)
	}

	mustWrite(root, b.conn, v1.InboundFrame{Type: v1.TypeGetHistory, Receiver: nameA}, *timeout)
	hist := b.mustReadUntilType(root, v1.TypeHistory, *timeout)
	if len(hist.Messages) != 1 {
		fatalf("history size (%s): got=%d want=1", b.name, len(hist.Messages))
	}
	m := hist.Messages[0]
	if m.Sender != nameA || m.Receiver == nil || *m.Receiver != nameB || m.Content != private || m.Timestamp.IsZero() {
		fatalf("history record mismatch (%s): %+v", b.name, m)
	}

	closeWS(b.conn)
	a.mustReadChat(root, nameB+" left the chat", *timeout)

	fmt.Printf("OK: A=%s B=%s history_id=%d\n", nameA, nameB, m.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	u, err := url.Parse(wsURL)
	if err != nil {
		fatalf("parse url: %v", err)
	}
	q := u.Query()
	q.Set("username", name)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan frame, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if strings.TrimSpace(f.Type) == "" {
				c.fail(errors.New("frame without type"))
				return
			}

			select {
			case c.inbox <- f:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustReadChat waits for a chat frame with exactly want, skipping other chat lines.
func (c *smokeClient) mustReadChat(parent context.Context, want string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		f := c.next(ctx, "chat "+strconv.Quote(want))
		if f.Type == v1.TypeChat && f.Content == want {
			return
		}
		if f.Type != v1.TypeChat {
			fatalf("unexpected frame (%s): got=%q while waiting for chat %q", c.name, f.Type, want)
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) frame {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		f := c.next(ctx, wantType)
		if f.Type == wantType {
			return f
		}
		// Join/leave notices from other smoke runs may interleave.
		if f.Type == v1.TypeChat {
			continue
		}
		fatalf("unexpected frame type (%s): got=%q want=%q", c.name, f.Type, wantType)
	}
}

func (c *smokeClient) next(ctx context.Context, waitingFor string) frame {
	select {
	case <-ctx.Done():
		fatalf("timeout waiting for %s (%s): %v", waitingFor, c.name, ctx.Err())
	case err := <-c.errCh:
		fatalf("connection error while waiting for %s (%s): %v", waitingFor, c.name, err)
	case f, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed while waiting for %s (%s)", waitingFor, c.name)
		}
		return f
	}
	return frame{}
}

func mustWrite(parent context.Context, conn *websocket.Conn, in v1.InboundFrame, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(in)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
