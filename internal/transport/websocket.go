package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ashureev/shsh-classroom/internal/domain"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	closeWriteTimeout       = 2 * time.Second
)

var errConnClosed = errors.New("room connection closed")

// WSDialer dials rooms over WebSocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// NewDialer creates a WebSocket room dialer.
func NewDialer(handshakeTimeout time.Duration, logger *slog.Logger) *WSDialer {
	if logger == nil {
		logger = slog.Default()
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	return &WSDialer{HandshakeTimeout: handshakeTimeout, Logger: logger}
}

// Dial connects to the room at url with the participant token.
func (d *WSDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+token)

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if resp != nil {
			return nil, fmt.Errorf("%w: room dial failed (status %d): %v", domain.ErrNetwork, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: room dial failed: %v", domain.ErrNetwork, err)
	}

	c := &wsConn{
		conn:     conn,
		logger:   logger,
		messages: make(chan Message, 256),
		states:   make(chan State, 16),
		done:     make(chan struct{}),
		pending:  make(map[string]chan serverFrame),
	}
	c.emitState(StateConnected)
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	messages chan Message
	states   chan State
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]chan serverFrame

	errMu sync.Mutex
	err   error
}

func (c *wsConn) Messages() <-chan Message { return c.messages }
func (c *wsConn) States() <-chan State     { return c.states }
func (c *wsConn) Done() <-chan struct{}    { return c.done }

func (c *wsConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *wsConn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Disconnect leaves the room and waits for the read loop to stop.
func (c *wsConn) Disconnect(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if err := c.writeJSON(leaveFrame{Type: frameLeave}); err != nil {
			c.logger.Debug("Failed to send leave frame", "error", err)
		}
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	id := uuid.NewString()
	_, err := c.request(ctx, frameSetMicrophone, id, setMicrophoneFrame{
		Type:      frameSetMicrophone,
		RequestID: id,
		Enabled:   enabled,
	})
	return err
}

func (c *wsConn) SendFile(ctx context.Context, data []byte, opts FileOptions) (FileInfo, error) {
	id := uuid.NewString()
	ack, err := c.request(ctx, frameSendFile, id, sendFileFrame{
		Type:      frameSendFile,
		RequestID: id,
		MimeType:  opts.MimeType,
		Topic:     opts.Topic,
		DataB64:   base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return FileInfo{}, err
	}
	fileID := ack.FileID
	if fileID == "" {
		fileID = id
	}
	return FileInfo{ID: fileID}, nil
}

func (c *wsConn) Send(ctx context.Context, text string) error {
	id := uuid.NewString()
	_, err := c.request(ctx, frameChat, id, chatFrame{
		Type:      frameChat,
		RequestID: id,
		Text:      text,
	})
	return err
}

func (c *wsConn) request(ctx context.Context, op, id string, frame any) (serverFrame, error) {
	ch := make(chan serverFrame, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeJSON(frame); err != nil {
		return serverFrame{}, fmt.Errorf("%w: %s: %v", domain.ErrNetwork, op, err)
	}

	select {
	case ack := <-ch:
		if !ack.OK {
			ackErr := &AckError{Op: op, Code: "unknown"}
			if ack.Error != nil {
				ackErr.Code = ack.Error.Code
				ackErr.Message = ack.Error.Message
			}
			return serverFrame{}, ackErr
		}
		return ack, nil
	case <-c.done:
		return serverFrame{}, fmt.Errorf("%w: %s: %v", domain.ErrNetwork, op, errConnClosed)
	case <-ctx.Done():
		return serverFrame{}, ctx.Err()
	}
}

func (c *wsConn) writeJSON(v any) error {
	if c.closed.Load() {
		return errConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) readLoop() {
	defer close(c.done)
	defer c.conn.Close()
	defer close(c.messages)
	defer close(c.states)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emitState(StateDisconnected)
				return
			}
			c.setErr(fmt.Errorf("%w: room connection lost: %v", domain.ErrNetwork, err))
			c.emitState(StateDisconnected)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("Ignoring malformed room frame", "error", err)
			continue
		}
		switch frame.Type {
		case frameAck:
			c.resolve(frame)
		case frameMessage:
			c.emitMessage(Message{
				ID:        frame.ID,
				Text:      frame.Text,
				Timestamp: frame.TimestampMS,
				FromSelf:  frame.FromSelf,
			})
		case frameState:
			c.emitState(State(strings.ToLower(strings.TrimSpace(frame.State))))
		default:
			c.logger.Debug("Ignoring unknown room frame", "type", frame.Type)
		}
	}
}

func (c *wsConn) resolve(frame serverFrame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[frame.RequestID]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- frame:
	default:
	}
}

func (c *wsConn) emitMessage(m Message) {
	select {
	case c.messages <- m:
	default:
		c.logger.Warn("Dropping live message, consumer is not keeping up", "message_id", m.ID)
	}
}

func (c *wsConn) emitState(s State) {
	select {
	case c.states <- s:
	default:
	}
}
