package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/AGPFMiner/multiminer/clients"
)

const maxLineLength = 1 << 20

//Message is a stratum JSON-RPC line in either direction
type Message struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method,omitempty"`
	Params []interface{} `json:"params,omitempty"`
	Result interface{}   `json:"result,omitempty"`
	Error  interface{}   `json:"error,omitempty"`
}

type request struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

//Error is an error reply. Pools send either [code, message, data] or an object.
type Error struct {
	Code    int    `mapstructure:"code"`
	Message string `mapstructure:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

func parseError(v interface{}) *Error {
	e := &Error{}
	switch val := v.(type) {
	case []interface{}:
		if len(val) > 0 {
			mapstructure.WeakDecode(val[0], &e.Code)
		}
		if len(val) > 1 {
			mapstructure.WeakDecode(val[1], &e.Message)
		}
	case map[string]interface{}:
		mapstructure.WeakDecode(val, e)
	default:
		e.Message = fmt.Sprint(val)
	}
	return e
}

//NotificationHandler is run on the read loop for every server initiated call
type NotificationHandler func(params []interface{})

//Client is a line delimited JSON-RPC connection to a stratum server
type Client struct {
	conn   net.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex // protects following
	seq      uint64
	pending  map[uint64]chan *Message
	handlers map[string]NotificationHandler
	err      error

	// closed when the read loop exits
	done      chan struct{}
	closeOnce sync.Once
}

//Dial connects to a host:port address
func Dial(ctx context.Context, address string, logger *zap.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, logger), nil
}

//NewClient starts reading conn. Handlers should be set before the first call.
func NewClient(conn net.Conn, logger *zap.Logger) *Client {
	c := &Client{
		conn:     conn,
		logger:   logger,
		pending:  make(map[uint64]chan *Message),
		handlers: make(map[string]NotificationHandler),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) SetNotificationHandler(method string, handler NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = handler
}

//Call sends a request and waits for its reply
func (c *Client) Call(ctx context.Context, method string, params ...interface{}) (interface{}, error) {
	if params == nil {
		params = []interface{}{}
	}
	ch := make(chan *Message, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", clients.ErrNotConnected, err)
	}
	c.seq++
	id := c.seq
	c.pending[id] = ch
	c.mu.Unlock()

	line, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return nil, err
	}
	c.writeMu.Lock()
	_, err = c.conn.Write(append(line, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		c.fail(err)
		return nil, fmt.Errorf("%w: %v", clients.ErrNotConnected, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case msg := <-ch:
		if msg == nil {
			return nil, fmt.Errorf("%w: %v", clients.ErrNotConnected, c.Err())
		}
		if msg.Error != nil {
			return nil, parseError(msg.Error)
		}
		return msg.Result, nil
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer close(c.done)
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg := &Message{}
		if err := json.Unmarshal(line, msg); err != nil {
			c.logger.Warn("Malformed line from pool", zap.ByteString("line", line), zap.Error(err))
			continue
		}
		c.dispatch(msg)
	}
	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("connection closed by pool")
	}
	c.fail(err)
}

func (c *Client) dispatch(msg *Message) {
	if msg.Method != "" {
		c.mu.Lock()
		handler := c.handlers[msg.Method]
		c.mu.Unlock()
		if handler == nil {
			c.logger.Debug("Unhandled notification", zap.String("method", msg.Method))
			return
		}
		handler(msg.Params)
		return
	}
	var id uint64
	if err := mapstructure.WeakDecode(msg.ID, &id); err != nil {
		c.logger.Warn("Reply with unusable id", zap.Any("id", msg.ID))
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("Reply to unknown request", zap.Uint64("id", id))
		return
	}
	ch <- msg
}

//fail records the first connection error and releases every waiting call
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	pending := c.pending
	c.pending = make(map[uint64]chan *Message)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

//Done is closed once the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.fail(fmt.Errorf("client closed"))
	<-c.done
	return nil
}
