package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/raffle/internal/events"
)

const (
	streamBuffer = 64
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// stream pushes raffle events to a websocket client as they are logged.
// ?type=raffle.winner_picked,raffle.payout_failed restricts the feed and
// ?after=<seq> first replays retained events newer than seq, so a client
// that reconnects with the last seq it saw misses nothing still in the
// journal. Slow clients drop live events rather than stall the journal.
func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	filter := events.OfType(eventTypes(r)...)
	var after uint64
	replay := false
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("after must be an event sequence number"))
			return
		}
		after, replay = n, true
	}

	// Subscribe before the handshake completes so no event logged after the
	// client connects is missed.
	journal := h.svc.Events()
	ch := make(chan events.Event, streamBuffer)
	cancel := journal.Subscribe(filter, func(ev events.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	send := func(ev events.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(ev)
	}

	// Live events already queued may overlap the replay; last suppresses them.
	var last uint64
	if replay {
		for _, ev := range journal.Since(after, filter) {
			if err := send(ev); err != nil {
				return
			}
			last = ev.Seq
		}
	}

	// The read loop only watches for the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case ev := <-ch:
			if ev.Seq <= last {
				continue
			}
			if err := send(ev); err != nil {
				return
			}
			last = ev.Seq
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
