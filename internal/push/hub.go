// Package push fans lifecycle and advancement events out to connected
// clients over WebSocket. One logical room per quiz date.
package push

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quizarena/quizarena/internal/auth"
	"github.com/quizarena/quizarena/internal/clock"
	"github.com/quizarena/quizarena/internal/observability"
	"github.com/quizarena/quizarena/internal/quiz"
)

// Event types published into rooms.
const (
	EventStateChanged     = "quiz-state-changed"
	EventQuestionAdvanced = "question-advanced"
	EventQuizEnded        = "quiz-ended"
	EventReauthRequired   = "reauth-required"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBuffer     = 16
	reauthWindow   = 2 * time.Minute
	maxMessageSize = 512
)

// Event is the wire payload.
type Event struct {
	Type       string    `json:"type"`
	Date       string    `json:"date"`
	State      string    `json:"state,omitempty"`
	Slot       *int      `json:"slot,omitempty"`
	ServerTime time.Time `json:"serverTime"`
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	date   string
	expiry time.Time
}

// Hub owns the per-date rooms.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*client]bool
	tokens   *auth.Tokens
	calendar *clock.Calendar
	hooks    *observability.Hooks
	upgrader websocket.Upgrader
}

// NewHub wires the push hub. The hub registers itself as the hooks'
// force-logout sink.
func NewHub(tokens *auth.Tokens, calendar *clock.Calendar, hooks *observability.Hooks) *Hub {
	h := &Hub{
		rooms:    make(map[string]map[*client]bool),
		tokens:   tokens,
		calendar: calendar,
		hooks:    hooks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	hooks.ForceLogout = h.DisconnectUser
	return h
}

// ServeWS upgrades the request into a room subscription. The token
// comes from the Authorization header or, for browser clients, the
// `token` query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	raw, ok := auth.FromBearer(r.Header.Get("Authorization"))
	if !ok {
		raw = r.URL.Query().Get("token")
	}
	claims, err := h.tokens.Verify(raw)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	date := r.URL.Query().Get("date")
	if date == "" {
		date = h.calendar.Today()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: claims.UserID,
		date:   date,
	}
	if claims.ExpiresAt != nil {
		c.expiry = claims.ExpiresAt.Time
	}

	h.mu.Lock()
	if h.rooms[date] == nil {
		h.rooms[date] = make(map[*client]bool)
	}
	h.rooms[date][c] = true
	h.mu.Unlock()
	h.hooks.WSConnected()
	log.Debug().Str("user", c.userID).Str("date", date).Msg("websocket client joined")

	go c.writeLoop()
	go c.readLoop()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	room, ok := h.rooms[c.date]
	if ok {
		if _, present := room[c]; present {
			delete(room, c)
			h.hooks.WSDisconnected()
		}
		if len(room) == 0 {
			delete(h.rooms, c.date)
		}
	}
	h.mu.Unlock()
}

// PublishTransition broadcasts a lifecycle move. Terminal states also
// force-leave every client in the room.
func (h *Hub) PublishTransition(date string, to quiz.State) {
	typ := EventStateChanged
	terminal := false
	switch to {
	case quiz.StateEnded, quiz.StateFinalized, quiz.StateResultPublished:
		typ = EventQuizEnded
		terminal = true
	}
	h.broadcast(date, Event{
		Type:       typ,
		Date:       date,
		State:      string(to),
		ServerTime: h.calendar.Now(),
	})
	if terminal {
		h.CloseRoom(date)
	}
}

// PublishAdvance broadcasts the new current slot. Duplicates are
// harmless; clients treat the slot as monotonic.
func (h *Hub) PublishAdvance(date string, slot int) {
	s := slot
	h.broadcast(date, Event{
		Type:       EventQuestionAdvanced,
		Date:       date,
		Slot:       &s,
		ServerTime: h.calendar.Now(),
	})
}

func (h *Hub) broadcast(date string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("event marshal failed")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[date] {
		select {
		case c.send <- payload:
		default:
			// Slow consumer; drop the connection rather than the day.
			close(c.send)
			delete(h.rooms[date], c)
			h.hooks.WSDisconnected()
		}
	}
}

// CloseRoom force-leaves every client subscribed to the date.
func (h *Hub) CloseRoom(date string) {
	h.mu.Lock()
	room := h.rooms[date]
	delete(h.rooms, date)
	for range room {
		h.hooks.WSDisconnected()
	}
	h.mu.Unlock()
	for c := range room {
		close(c.send)
	}
}

// DisconnectUser drops every connection belonging to the user; wired
// to the anti-cheat temp-block action.
func (h *Hub) DisconnectUser(userID string) {
	h.mu.Lock()
	var victims []*client
	for _, room := range h.rooms {
		for c := range room {
			if c.userID == userID {
				victims = append(victims, c)
				delete(room, c)
				h.hooks.WSDisconnected()
			}
		}
	}
	h.mu.Unlock()
	for _, c := range victims {
		close(c.send)
	}
	if len(victims) > 0 {
		log.Warn().Str("user", userID).Int("connections", len(victims)).Msg("user force-disconnected")
	}
}

// RoomSize reports the current population of a date's room.
func (h *Hub) RoomSize(date string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[date])
}

func (c *client) readLoop() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "room closed"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			// Nudge clients holding a near-expiry token to refresh.
			if !c.expiry.IsZero() && time.Until(c.expiry) <= reauthWindow {
				ev, _ := json.Marshal(Event{Type: EventReauthRequired, Date: c.date, ServerTime: time.Now()})
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, ev); err != nil {
					return
				}
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
