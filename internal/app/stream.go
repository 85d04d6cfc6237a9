package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"paygate/internal/gate"
	"paygate/internal/identity"
)

var (
	streamPongWait     = 60 * time.Second
	streamPingInterval = 25 * time.Second
	streamWriteWait    = 5 * time.Second
)

type streamCommand struct {
	Type string `json:"type"`
}

// handleStream mounts a view for the requested destination and pushes every
// decision change until the view settles on Render or Redirect. Closing the
// socket unmounts the view and cancels its poller.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	dest := query.Get("dest")
	if !strings.HasPrefix(dest, "/") || strings.HasPrefix(dest, "//") {
		dest = "/app/"
	}
	nav := gate.Navigation{
		Destination:     dest,
		CheckoutSuccess: checkoutSignal(query, h.Config.Gate.CheckoutParam),
	}
	token := sessionToken(r, h.Config.Auth.CookieName)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Debug().Err(err).Msg("stream upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ec, src := h.newEngine(ctx, token, true)
	defer ec.Close()
	if h.Revocations != nil {
		if stop, err := identity.WatchRevocations(ctx, h.Revocations, src, h.Logger); err == nil {
			defer stop()
		}
	}
	ec.Start(ctx)

	var writeMu sync.Mutex
	write := func(payload any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(payload)
	}

	go h.readStream(ctx, cancel, conn, func() {
		refreshCtx, done := context.WithTimeout(ctx, h.Config.Gate.RenderTimeout)
		defer done()
		if err := ec.Refresh(refreshCtx); err != nil {
			h.Logger.Debug().Err(err).Msg("stream refresh failed")
		}
	})
	go func() {
		ticker := time.NewTicker(streamPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait))
				writeMu.Unlock()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	view := gate.New(ec, gate.ConfigFrom(h.Config)).Mount(ctx, nav)
	defer view.Close()

	d := view.Decide()
	for {
		resp := newDecisionResponse(d)
		resp.ViewID = view.ID
		if p := view.Poller(); p != nil {
			resp.Reconcile = string(p.State())
		}
		if err := write(resp); err != nil {
			return
		}
		if d.Kind == gate.Render || d.Kind == gate.Redirect {
			writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(d.Kind)),
				time.Now().Add(streamWriteWait))
			writeMu.Unlock()
			return
		}
		next, err := view.Next(ctx, d)
		if err != nil {
			return
		}
		d = next
	}
}

// readStream drains client frames. A {"type":"refresh"} frame triggers a
// profile re-read; any read error ends the stream.
func (h *Handler) readStream(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, refresh func()) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.Logger.Debug().Err(err).Msg("stream read error")
			}
			return
		}
		var cmd streamCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			continue
		}
		if cmd.Type == "refresh" && ctx.Err() == nil {
			refresh()
		}
	}
}

// checkOrigin accepts same-origin upgrades and origins listed in
// http.allowed_origins. Dev mode does not relax it: the stream is
// authenticated by cookie.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.Config.HTTP.AllowedOrigins {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
