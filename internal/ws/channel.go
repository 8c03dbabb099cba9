package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"camrelay/internal/log"
	"camrelay/internal/metrics"
	"camrelay/internal/pipeline"
)

// ErrChannelClosed is returned by Attach after Close.
var ErrChannelClosed = errors.New("ws: result channel closed")

// ChannelConfig tunes socket timing. Zero values take defaults.
type ChannelConfig struct {
	WriteTimeout time.Duration // default 2s
	PingInterval time.Duration // default 30s
	PongWait     time.Duration // default 60s
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	return c
}

// ChannelStats is a copy of the channel counters.
type ChannelStats struct {
	Sent     uint64
	Dropped  uint64
	Attached uint64
}

// Channel delivers the results of one session to at most one client.
// Publish never blocks: without a client the message is dropped, and a
// slow client only ever has the newest undelivered result queued. Status
// messages are never evicted by results.
type Channel struct {
	sessionID string
	cfg       ChannelConfig
	logger    zerolog.Logger

	mu     sync.Mutex
	client *Peer
	closed bool
	wg     sync.WaitGroup

	sent     atomic.Uint64
	dropped  atomic.Uint64
	attached atomic.Uint64
}

// NewChannel creates an empty channel for a session.
func NewChannel(sessionID string, cfg ChannelConfig, logger zerolog.Logger) *Channel {
	return &Channel{
		sessionID: sessionID,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str(log.FieldSessionID, sessionID).Logger(),
	}
}

// maxPendingStatus bounds the status messages queued for a slow client.
const maxPendingStatus = 8

type outbound struct {
	data   []byte
	status bool
}

// Peer is one attached websocket connection.
type Peer struct {
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	pending []outbound // in publish order; at most one result
	wake    chan struct{}
}

func newPeer(conn *websocket.Conn) *Peer {
	return &Peer{
		conn: conn,
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
}

// push queues m and reports how many older messages it evicted. A result
// replaces the pending result; a status only evicts the oldest status once
// maxPendingStatus are queued.
func (cl *Peer) push(m outbound) int {
	cl.mu.Lock()
	evicted := 0
	if m.status {
		n := 0
		for _, p := range cl.pending {
			if p.status {
				n++
			}
		}
		if n >= maxPendingStatus {
			cl.pending = removeFirst(cl.pending, true)
			evicted++
		}
	} else if before := len(cl.pending); before > 0 {
		cl.pending = removeFirst(cl.pending, false)
		evicted += before - len(cl.pending)
	}
	cl.pending = append(cl.pending, m)
	cl.mu.Unlock()

	select {
	case cl.wake <- struct{}{}:
	default:
	}
	return evicted
}

func (cl *Peer) pop() ([]byte, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if len(cl.pending) == 0 {
		return nil, false
	}
	m := cl.pending[0]
	cl.pending[0] = outbound{}
	cl.pending = cl.pending[1:]
	return m.data, true
}

func removeFirst(q []outbound, status bool) []outbound {
	for i, p := range q {
		if p.status == status {
			return append(q[:i], q[i+1:]...)
		}
	}
	return q
}

func (cl *Peer) close(code int, reason string, timeout time.Duration) {
	cl.closeOnce.Do(func() {
		close(cl.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = cl.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
		cl.conn.Close()
	})
}

// Attach makes conn the channel's client, closing any previous one.
func (c *Channel) Attach(conn *websocket.Conn) (*Peer, error) {
	cl := newPeer(conn)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cl.close(CloseSessionEnded, "session closed", c.cfg.WriteTimeout)
		return nil, ErrChannelClosed
	}
	old := c.client
	c.client = cl
	c.wg.Add(1)
	c.mu.Unlock()

	if old != nil {
		c.logger.Info().Msg("result client replaced by new connection")
		old.close(CloseReplaced, "replaced by new connection", c.cfg.WriteTimeout)
	}
	c.attached.Add(1)
	go c.writePump(cl)
	return cl, nil
}

// Detach removes cl if it is still the current client and closes it.
func (c *Channel) Detach(cl *Peer) {
	c.mu.Lock()
	if c.client == cl {
		c.client = nil
	}
	c.mu.Unlock()
	cl.close(websocket.CloseNormalClosure, "", c.cfg.WriteTimeout)
}

// Connected reports whether a client is attached.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// Publish queues a result for the current client. It reports false when no
// client is attached and the result was dropped.
func (c *Channel) Publish(result *pipeline.InferenceResult) bool {
	ok := c.send(NewResultMessage(result), false)
	metrics.IncResult(ok)
	return ok
}

// PublishStatus queues a status update for the current client.
func (c *Channel) PublishStatus(msg *StatusMessage) bool {
	return c.send(msg, true)
}

func (c *Channel) send(v any, status bool) bool {
	c.mu.Lock()
	cl := c.client
	c.mu.Unlock()
	if cl == nil {
		c.dropped.Add(1)
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal result message")
		c.dropped.Add(1)
		return false
	}

	if n := cl.push(outbound{data: data, status: status}); n > 0 {
		c.dropped.Add(uint64(n))
	}
	return true
}

// Close detaches the client and rejects further attaches. It waits for the
// writer goroutines to exit.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cl := c.client
	c.client = nil
	c.mu.Unlock()

	if cl != nil {
		cl.close(CloseSessionEnded, "session closed", c.cfg.WriteTimeout)
	}
	c.wg.Wait()
}

// Stats returns the channel counters.
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		Sent:     c.sent.Load(),
		Dropped:  c.dropped.Load(),
		Attached: c.attached.Load(),
	}
}

// writePump is the only writer of data frames on cl.conn.
func (c *Channel) writePump(cl *Peer) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.done:
			return
		case <-cl.wake:
			for {
				data, ok := cl.pop()
				if !ok {
					break
				}
				cl.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
				if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					c.logger.Debug().Err(err).Msg("result write failed, detaching client")
					c.Detach(cl)
					return
				}
				c.sent.Add(1)
			}
		case <-ticker.C:
			if err := cl.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.Detach(cl)
				return
			}
		}
	}
}
