package psnet

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/perfstream/anomalyd/errs"
	"github.com/perfstream/anomalyd/internal/observability"
)

// ClientConfig configures a parameter-server client.
type ClientConfig struct {
	// URL is the websocket endpoint of the parameter server.
	URL string
	// Rank identifies the analysis process.
	Rank uint64
	// ServerRank addresses the aggregator (conventionally 0).
	ServerRank uint64
	// RecvTimeout bounds each blocking request/reply exchange.
	RecvTimeout time.Duration
	// QueueSize bounds the asynchronous send queue.
	QueueSize int
	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration
}

func (c ClientConfig) normalize() ClientConfig {
	if c.RecvTimeout <= 0 {
		c.RecvTimeout = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

type outbound struct {
	msg   Message
	reply chan replyResult
}

type replyResult struct {
	msg Message
	err error
}

// Client owns the transport socket on a single sender goroutine. Send is
// queue-backed and non-blocking; SendAndReceive blocks the caller until the
// reply arrives or the receive timeout expires. The driver never mutates
// client state outside these two operations.
type Client struct {
	cfg  ClientConfig
	ctx  context.Context
	stop context.CancelFunc

	queue chan outbound
	done  chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

// Dial connects to the parameter server and starts the sender goroutine.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	cfg = cfg.normalize()
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:   cfg,
		ctx:   runCtx,
		stop:  cancel,
		queue: make(chan outbound, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	if err := c.connect(ctx); err != nil {
		cancel()
		return nil, err
	}
	go c.run()
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return errs.New("psnet/client", errs.KindTransientIO,
			errs.WithMessage("parameter server unreachable"),
			errs.WithField("url", c.cfg.URL),
			errs.WithCause(err))
	}
	conn.SetReadLimit(-1)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// reconnect re-establishes the socket with exponential backoff, bounded by
// the receive timeout so a dead server fails a request rather than wedging
// the sender.
func (c *Client) reconnect() error {
	bo := backoff.NewExponentialBackOff()
	deadline := time.Now().Add(c.cfg.RecvTimeout)
	for {
		err := c.connect(c.ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		select {
		case <-c.ctx.Done():
			return errs.New("psnet/client", errs.KindTransientIO, errs.WithCause(c.ctx.Err()))
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (c *Client) run() {
	defer close(c.done)
	for job := range c.queue {
		reply, err := c.exchange(job.msg, job.reply != nil)
		if job.reply != nil {
			job.reply <- replyResult{msg: reply, err: err}
			continue
		}
		if err != nil {
			observability.Log().Error("parameter server send failed",
				observability.Field{Key: "kind", Value: string(job.msg.Kind)},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
}

func (c *Client) exchange(msg Message, wantReply bool) (Message, error) {
	raw, err := msg.Encode()
	if err != nil {
		return Message{}, err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		if err := c.reconnect(); err != nil {
			return Message{}, err
		}
		c.mu.Lock()
		conn = c.conn
		c.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RecvTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		c.dropConn(conn)
		return Message{}, errs.New("psnet/client", errs.KindTransientIO,
			errs.WithMessage("write failed"),
			errs.WithCause(err))
	}
	if !wantReply {
		return Message{}, nil
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		c.dropConn(conn)
		return Message{}, errs.New("psnet/client", errs.KindTransientIO,
			errs.WithMessage("receive timeout"),
			errs.WithCause(err))
	}
	return DecodeMessage(data)
}

func (c *Client) dropConn(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusAbnormalClosure, "transport error")
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// Send enqueues a fire-and-forget message. A full queue reports transient
// failure instead of blocking the driver.
func (c *Client) Send(msg Message) error {
	msg.Sender = c.cfg.Rank
	msg.Receiver = c.cfg.ServerRank
	select {
	case c.queue <- outbound{msg: msg}:
		return nil
	default:
		return errs.New("psnet/client", errs.KindTransientIO,
			errs.WithMessage("send queue full"),
			errs.WithField("kind", string(msg.Kind)))
	}
}

// SendAndReceive performs a blocking request/reply exchange.
func (c *Client) SendAndReceive(msg Message) (Message, error) {
	msg.Sender = c.cfg.Rank
	msg.Receiver = c.cfg.ServerRank
	reply := make(chan replyResult, 1)
	select {
	case c.queue <- outbound{msg: msg, reply: reply}:
	case <-c.ctx.Done():
		return Message{}, errs.New("psnet/client", errs.KindTransientIO, errs.WithCause(c.ctx.Err()))
	}
	select {
	case res := <-reply:
		return res.msg, res.err
	case <-time.After(c.cfg.RecvTimeout + c.cfg.RecvTimeout/2):
		return Message{}, errs.New("psnet/client", errs.KindTransientIO,
			errs.WithMessage("request timed out in queue"))
	}
}

// SendAndReceiveParameters implements the detector sync contract.
func (c *Client) SendAndReceiveParameters(step int, payload []byte) ([]byte, error) {
	reply, err := c.SendAndReceive(Message{
		Type:    TypeAdd,
		Kind:    KindParameters,
		Step:    step,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

// SendCombinedStats enqueues the per-step aggregated statistics payload.
func (c *Client) SendCombinedStats(step int, payload []byte) error {
	return c.Send(Message{
		Type:    TypeAdd,
		Kind:    KindCombinedStats,
		Step:    step,
		Payload: payload,
	})
}

// MapFunctions translates local function ids through the server's global
// index map, implementing the assembler's mapper contract.
func (c *Client) MapFunctions(funcs map[uint64]string) (map[uint64]uint64, error) {
	req := indexMapRequest{Functions: make(map[string]string, len(funcs))}
	for local, name := range funcs {
		req.Functions[strconv.FormatUint(local, 10)] = name
	}
	payload, err := encodeJSON(req)
	if err != nil {
		return nil, err
	}
	reply, err := c.SendAndReceive(Message{
		Type:    TypeGet,
		Kind:    KindFunctionIndexMap,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	var parsed indexMapReply
	if err := decodeJSON(reply.Payload, &parsed); err != nil {
		return nil, err
	}
	out := make(map[uint64]uint64, len(parsed.Mapping))
	for key, global := range parsed.Mapping {
		local, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, errs.New("psnet/client", errs.KindInvalidInput,
				errs.WithMessage("malformed index map key"),
				errs.WithField("key", key))
		}
		out[local] = global
	}
	return out, nil
}

// Close drains queued sends and tears the connection down. Queued items are
// given until the context deadline to flush.
func (c *Client) Close(ctx context.Context) error {
	close(c.queue)
	select {
	case <-c.done:
	case <-ctx.Done():
	}
	c.stop()
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	return nil
}
