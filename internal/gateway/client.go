package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-server/internal/snowflake"
)

// writeWait is the time allowed to write a message to the peer.
const writeWait = 10 * time.Second

// Client represents a single WebSocket connection. Each client runs two
// goroutines (readPump and writePump) and communicates with the Hub via its
// outbox channel and callback methods.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	outbox chan []byte
	// done is closed when writePump exits, so shutdown can bound its drain.
	done chan struct{}
	log  zerolog.Logger

	// sendMu serialises outbox sends against closeSend: unregister, the
	// heartbeat sweep, shutdown, and dispatch all touch the outbox from
	// different goroutines, and a send racing the close would panic.
	sendMu     sync.Mutex
	sendClosed bool
	overflowed atomic.Bool

	// seq numbers dispatch frames, starting at 1 for READY.
	seq atomic.Int64

	// Session state, protected by mu. Written during Identify/Resume, read by
	// the Hub during dispatch.
	mu         sync.RWMutex
	userID     snowflake.ID
	sessionID  string
	identified bool
	guilds     map[snowflake.ID]struct{}
	lastBeat   time.Time

	// drainCode, when non-zero, is the close code writePump emits after the
	// outbox is drained. Set via closeAfterDrain.
	drainCode   int
	drainReason string

	// Rate limiting state, only touched from readPump.
	eventCount  int
	windowStart time.Time
}

func newClient(hub *Hub, conn *websocket.Conn, logger zerolog.Logger) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		outbox: make(chan []byte, hub.cfg.GatewayOutboxCapacity),
		done:   make(chan struct{}),
		log:    logger,
		guilds: make(map[snowflake.ID]struct{}),
	}
}

// UserID returns the authenticated user ID, zero until identified.
func (c *Client) UserID() snowflake.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SessionID returns the gateway session identifier.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// IsIdentified returns whether the client has completed authentication.
func (c *Client) IsIdentified() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identified
}

// SubscribedGuilds returns a snapshot of the guilds this connection receives
// events for.
func (c *Client) SubscribedGuilds() []snowflake.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]snowflake.ID, 0, len(c.guilds))
	for id := range c.guilds {
		out = append(out, id)
	}
	return out
}

// InGuild reports whether the connection is subscribed to the guild.
func (c *Client) InGuild(guildID snowflake.ID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.guilds[guildID]
	return ok
}

func (c *Client) addGuild(guildID snowflake.ID) {
	c.mu.Lock()
	c.guilds[guildID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) removeGuild(guildID snowflake.ID) {
	c.mu.Lock()
	delete(c.guilds, guildID)
	c.mu.Unlock()
}

// nextSeq increments and returns the next sequence number for a dispatch.
func (c *Client) nextSeq() int64 {
	return c.seq.Add(1)
}

// currentSeq returns the current sequence number without incrementing.
func (c *Client) currentSeq() int64 {
	return c.seq.Load()
}

// markBeat records a heartbeat at the given instant.
func (c *Client) markBeat(now time.Time) {
	c.mu.Lock()
	c.lastBeat = now
	c.mu.Unlock()
}

// heartbeatDeadline returns the instant after which the connection is
// considered dead: last heartbeat plus interval plus grace.
func (c *Client) heartbeatDeadline(interval, grace time.Duration) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastBeat.Add(interval + grace)
}

// readPump reads frames from the WebSocket connection and routes them by
// opcode. It runs in its own goroutine and is responsible for tearing the
// connection down when the read loop exits.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	interval := c.hub.cfg.GatewayHeartbeatInterval
	grace := c.hub.cfg.GatewayHeartbeatGrace
	c.conn.SetReadLimit(c.hub.cfg.GatewayMaxFrameBytes)
	// The socket read deadline backstops the heartbeat supervisor so a dead
	// peer cannot hold the read goroutine forever.
	_ = c.conn.SetReadDeadline(time.Now().Add(interval + grace))
	c.markBeat(c.hub.clock.Now())

	identifyTimer := time.AfterFunc(c.hub.cfg.GatewayIdentifyTimeout, func() {
		if !c.IsIdentified() {
			c.log.Debug().Msg("Client did not identify in time")
			c.sendInvalidSession(CloseNotAuthenticated, "identify timeout")
		}
	})
	defer identifyTimer.Stop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if c.rateLimited() {
			c.closeWithCode(CloseRateLimited, "rate limit exceeded")
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.closeWithCode(CloseDecodeError, "invalid JSON")
			return
		}

		switch frame.Op {
		case OpcodeHeartbeat:
			c.handleHeartbeat(interval, grace)
		case OpcodeIdentify:
			identifyTimer.Stop()
			c.handleIdentify(frame.Data)
		case OpcodeResume:
			identifyTimer.Stop()
			c.handleResume(frame.Data)
		case OpcodePresenceUpdate:
			c.handlePresenceUpdate(frame.Data)
		case OpcodeRequestGuildMembers:
			c.handleRequestGuildMembers(frame.Data)
		default:
			c.closeWithCode(CloseUnknownOpcode, "unknown opcode")
			return
		}
	}
}

// writePump drains the outbox to the WebSocket connection in FIFO order. It
// is the sole writer of data frames and exits when the outbox is closed.
func (c *Client) writePump() {
	defer func() {
		if code, reason := c.drainClose(); code != 0 {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		}
		_ = c.conn.Close()
		close(c.done)
	}()

	for msg := range c.outbox {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

// handleHeartbeat acks the beat, resets the deadline, and refreshes the
// user's presence TTL.
func (c *Client) handleHeartbeat(interval, grace time.Duration) {
	c.markBeat(c.hub.clock.Now())
	_ = c.conn.SetReadDeadline(time.Now().Add(interval + grace))

	ack, err := NewHeartbeatACKFrame()
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to build heartbeat ACK")
		return
	}
	c.enqueue(ack)

	if c.IsIdentified() {
		c.hub.refreshPresence(c.UserID())
	}
}

// handleIdentify decodes an op 2 payload and hands it to the hub.
func (c *Client) handleIdentify(data json.RawMessage) {
	if c.IsIdentified() {
		c.closeWithCode(CloseAlreadyAuthenticated, "already identified")
		return
	}

	var id IdentifyData
	if err := json.Unmarshal(data, &id); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid identify payload")
		return
	}
	if id.Token == "" {
		c.sendInvalidSession(CloseAuthFailed, "token required")
		return
	}

	c.hub.handleIdentify(c, id)
}

// handleResume decodes an op 6 payload and hands it to the hub.
func (c *Client) handleResume(data json.RawMessage) {
	if c.IsIdentified() {
		c.closeWithCode(CloseAlreadyAuthenticated, "already identified")
		return
	}

	var r ResumeData
	if err := json.Unmarshal(data, &r); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid resume payload")
		return
	}
	// The token is optional on resume: the saved session already pins the
	// user, and when a token is supplied the hub checks it matches.
	if r.SessionID == "" {
		c.sendInvalidSession(CloseAuthFailed, "session_id required")
		return
	}

	c.hub.handleResume(c, r)
}

// handlePresenceUpdate decodes an op 3 payload. Ignored until identified.
func (c *Client) handlePresenceUpdate(data json.RawMessage) {
	if !c.IsIdentified() {
		return
	}

	var p PresenceUpdateData
	if err := json.Unmarshal(data, &p); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid presence payload")
		return
	}

	c.hub.handlePresenceUpdate(c, p.Status)
}

// handleRequestGuildMembers decodes an op 8 payload. Ignored until
// identified.
func (c *Client) handleRequestGuildMembers(data json.RawMessage) {
	if !c.IsIdentified() {
		return
	}

	var req RequestGuildMembersData
	if err := json.Unmarshal(data, &req); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid request payload")
		return
	}

	c.hub.handleRequestGuildMembers(c, req)
}

// enqueue offers a frame to the outbox without blocking. On a full outbox the
// connection is declared slow: no further frames are accepted and the socket
// is closed with the overflow code, so one stalled consumer cannot hold up
// dispatch to the rest. Frames offered after closeSend are dropped.
func (c *Client) enqueue(msg []byte) {
	if c.overflowed.Load() {
		return
	}

	c.sendMu.Lock()
	if c.sendClosed {
		c.sendMu.Unlock()
		return
	}
	var full bool
	select {
	case c.outbox <- msg:
	default:
		full = true
	}
	c.sendMu.Unlock()

	if full && c.overflowed.CompareAndSwap(false, true) {
		c.log.Warn().Str("session_id", c.SessionID()).Msg("Outbox full, closing slow connection")
		c.closeWithCode(CloseOutboxOverflow, "outbox overflow")
		c.hub.unregister(c)
	}
}

// closeSend closes the outbox channel, letting writePump drain what is
// already queued and exit. Safe to call from any goroutine, any number of
// times, concurrently with enqueue.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.outbox)
}

// closeAfterDrain records a close code and closes the outbox. writePump
// flushes everything already queued, then emits the close frame. The first
// recorded code wins.
func (c *Client) closeAfterDrain(code int, reason string) {
	c.mu.Lock()
	if c.drainCode == 0 {
		c.drainCode = code
		c.drainReason = reason
	}
	c.mu.Unlock()
	c.closeSend()
}

func (c *Client) drainClose() (int, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.drainCode, c.drainReason
}

// sendInvalidSession tells the client its session cannot be established: an
// op 9 frame with d:false, flushed to the socket before it is closed with the
// given code.
func (c *Client) sendInvalidSession(code int, reason string) {
	frame, err := NewInvalidSessionFrame(false)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to build invalid session frame")
		c.closeWithCode(code, reason)
		return
	}
	c.enqueue(frame)
	c.closeAfterDrain(code, reason)
}

// closeWithCode sends a WebSocket close frame with the given code and reason,
// then closes the underlying connection.
func (c *Client) closeWithCode(code int, reason string) {
	if c.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// rateLimited reports whether the client exceeded the inbound frame budget
// for the current fixed window.
func (c *Client) rateLimited() bool {
	now := time.Now()
	window := time.Duration(c.hub.cfg.RateLimitWSWindowSeconds) * time.Second
	if now.Sub(c.windowStart) > window {
		c.eventCount = 0
		c.windowStart = now
	}
	c.eventCount++
	return c.eventCount > c.hub.cfg.RateLimitWSCount
}
