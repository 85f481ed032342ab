package room

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"inkwell/api/internal/identity"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultHeartbeat    = 25 * time.Second
	maxPingFailures     = 3
	maxFrameBytes       = 1 << 20
	closeGrace          = time.Second
)

type GatewayOptions struct {
	// AllowedOrigins are full origins or bare hosts. Same-host requests are
	// always accepted.
	AllowedOrigins []string
	WriteTimeout   time.Duration
	Heartbeat      time.Duration
	// Tokens, when set, lets a client reconnect with the identity token it
	// was issued.
	Tokens *identity.Tokens
	Logger *slog.Logger
}

// Gateway carries document steps and annotation updates between a room and
// its websocket collaborators.
type Gateway struct {
	reg            *Registry
	ids            identity.Provider
	tokens         *identity.Tokens
	log            *slog.Logger
	originPatterns []string
	writeTimeout   time.Duration
	heartbeat      time.Duration
}

func NewGateway(reg *Registry, ids identity.Provider, opts GatewayOptions) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if ids == nil {
		ids = identity.NewAnonymous()
	}
	return &Gateway{
		reg:            reg,
		ids:            ids,
		tokens:         opts.Tokens,
		log:            opts.Logger,
		originPatterns: originPatterns(opts.AllowedOrigins),
		writeTimeout:   opts.WriteTimeout,
		heartbeat:      opts.Heartbeat,
	}
}

// Serve upgrades the request and runs the collaborator session until either
// side hangs up or the room is deleted.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, documentID string) {
	room, err := g.reg.Open(r.Context(), documentID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrInvalidDocumentID):
			status = http.StatusBadRequest
		case errors.Is(err, ErrRoomElsewhere):
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	who, err := g.identify(r)
	if err != nil {
		http.Error(w, "could not issue identity", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.originPatterns})
	if err != nil {
		g.log.Warn("websocket accept failed", "document", documentID, "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := room.Join(ctx, who)
	if err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "room unavailable")
		return
	}
	log := g.log.With("document", documentID, "subscriber", sub.ID, "user", who.ID)
	log.Info("collaborator joined")

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			room.Leave(sub)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				// Deliver whatever was queued before the room let go, such as
				// the deletion notice.
				g.drain(ctx, conn, sub)
				shutdown(websocket.StatusGoingAway, "room closed")
				return
			case f := <-sub.Send:
				if err := g.write(ctx, conn, f); err != nil {
					log.Info("websocket write failed", "error", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(g.heartbeat)
		defer t.Stop()
		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, g.writeTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()
				if err == nil {
					failures = 0
					continue
				}
				failures++
				if failures >= maxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if !expectedReadErr(err) {
				log.Info("websocket read failed", "error", err)
			}
			break
		}
		var msg ClientFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			sub.enqueue(errorFrame("bad_json", "invalid JSON"))
			continue
		}
		switch msg.Type {
		case "steps":
			g.onSteps(ctx, room, sub, msg, log)
		case "ping":
		default:
			sub.enqueue(errorFrame("unsupported", "unsupported frame type: "+msg.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
	log.Info("collaborator left")
}

// onSteps applies a batch. On failure the sender gets the error and a
// fresh snapshot to resynchronise from.
func (g *Gateway) onSteps(ctx context.Context, room *Room, sub *Subscriber, msg ClientFrame, log *slog.Logger) {
	_, _, err := room.Apply(ctx, sub.ID, msg.BaseRevision, msg.Steps)
	if err == nil {
		return
	}
	log.Info("rejected steps", "base", msg.BaseRevision, "count", len(msg.Steps), "error", err)
	sub.enqueue(errorFrame("steps_rejected", err.Error()))
	snap, err := room.Snapshot(ctx)
	if err != nil {
		log.Warn("resync snapshot failed", "error", err)
		return
	}
	sub.enqueue(Frame{Type: FrameSnapshot, Revision: snap.Revision, Snapshot: &snap})
}

func (g *Gateway) write(parent context.Context, conn *websocket.Conn, f Frame) error {
	ctx, cancel := context.WithTimeout(parent, g.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}

func (g *Gateway) drain(ctx context.Context, conn *websocket.Conn, sub *Subscriber) {
	for {
		select {
		case f := <-sub.Send:
			if err := g.write(ctx, conn, f); err != nil {
				return
			}
		default:
			return
		}
	}
}

// identify restores a signed identity token and issues a fresh identity
// otherwise. A bad token is not an error; the client just gets a new
// identity. Unsigned identity fields in the query are only honored when the
// gateway has no token signer.
func (g *Gateway) identify(r *http.Request) (identity.Identity, error) {
	q := r.URL.Query()
	if g.tokens != nil {
		if token := strings.TrimSpace(q.Get("token")); token != "" {
			who, err := g.tokens.Parse(token)
			if err == nil {
				return who, nil
			}
			g.log.Debug("ignoring identity token", "error", err)
		}
		return g.ids.IssueIdentity()
	}
	if id := strings.TrimSpace(q.Get("userId")); id != "" {
		return identity.Identity{
			ID:          id,
			DisplayName: strings.TrimSpace(q.Get("name")),
			Color:       strings.TrimSpace(q.Get("color")),
			Avatar:      strings.TrimSpace(q.Get("avatar")),
		}, nil
	}
	return g.ids.IssueIdentity()
}

func errorFrame(code, message string) Frame {
	return Frame{Type: FrameError, Error: &FrameErr{Code: code, Message: message}}
}

func expectedReadErr(err error) bool {
	return websocket.CloseStatus(err) != -1 ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}

// originPatterns turns allowed origins into the host patterns
// websocket.Accept matches against.
func originPatterns(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if strings.Contains(a, "://") {
			u, err := url.Parse(a)
			if err != nil || u.Host == "" {
				continue
			}
			a = u.Host
		}
		out = append(out, strings.ToLower(a))
	}
	return out
}
