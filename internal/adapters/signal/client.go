package signal

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

// Client is the peer side of the relay: a core.SignalChannel over one websocket.
type Client struct {
	conn     *websocket.Conn
	codec    core.Codec
	opts     Options
	outgoing chan core.Frame
	done     chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	subs      []*subscriber
	finished  bool
}

type subscriber struct {
	ctx context.Context
	ch  chan core.Message
}

var _ core.SignalChannel = (*Client)(nil)

// Dial connects to the relay websocket at rawURL as peer id. An empty id lets
// the relay assign one.
func Dial(ctx context.Context, rawURL string, id domain.PeerID, codec core.Codec, opts Options) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if id != "" {
		q := u.Query()
		q.Set("peer", string(id))
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	opts = opts.withDefaults()
	c := &Client{
		conn:     conn,
		codec:    codec,
		opts:     opts,
		outgoing: make(chan core.Frame, opts.SendBuffer),
		done:     make(chan struct{}),
	}
	c.conn.SetReadLimit(opts.ReadLimit)

	go c.readPump()
	go c.writePump()
	return c, nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Send(ctx context.Context, msg core.Message) error {
	frame, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Subscribe(ctx context.Context) (<-chan core.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return nil, ErrClosed
	}
	sub := &subscriber{ctx: ctx, ch: make(chan core.Message, 256)}
	c.subs = append(c.subs, sub)
	go func() {
		select {
		case <-ctx.Done():
			c.unsubscribe(sub)
		case <-c.done:
		}
	}()
	return sub.ch, nil
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) unsubscribe(sub *subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

func (c *Client) deliver(msg core.Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sub := range c.subs {
		select {
		case sub.ch <- msg:
		case <-sub.ctx.Done():
		case <-c.done:
			return
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.Close()
		_ = c.conn.Close()
		c.mu.Lock()
		c.finished = true
		for _, sub := range c.subs {
			close(sub.ch)
		}
		c.subs = nil
		c.mu.Unlock()
	}()

	pongWait := c.opts.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// the relay pings us; answering resets our deadline too
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Warn().Err(err).Str("module", "signal.client").Msg("read")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		var msg core.Message
		if err := c.codec.Decode(data, &msg); err != nil {
			log.Warn().Err(err).Str("module", "signal.client").Msg("bad frame")
			continue
		}
		c.deliver(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	msgType := websocket.TextMessage
	if c.codec.Binary() {
		msgType = websocket.BinaryMessage
	}
	for {
		select {
		case frame := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(msgType, frame); err != nil {
				log.Warn().Err(err).Str("module", "signal.client").Msg("write")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.opts.WriteWait))
			return
		}
	}
}
