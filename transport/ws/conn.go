package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/velocity-tts/velocity/transport"
)

// conn is one client connection. A single goroutine reads; each synthesize
// request streams from its own goroutine, and writes are serialized.
type conn struct {
	id     string
	srv    *Server
	ws     *websocket.Conn
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func newConn(s *Server, id string, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(s.ctx)
	return &conn{
		id:      id,
		srv:     s,
		ws:      ws,
		sem:     semaphore.NewWeighted(s.cfg.MaxStreamsPerConn),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[string]context.CancelFunc),
	}
}

func (c *conn) serve() {
	defer func() {
		c.cancel()
		c.wg.Wait()
		_ = c.ws.Close()
	}()
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.ctx.Err() == nil {
				logrus.Debugf("ws: connection %s read: %v", c.id, err)
			}
			return
		}
		if kind != websocket.TextMessage {
			c.reject("", transport.CodeBadMessage, errors.New("expected a text message"))
			continue
		}
		env, err := transport.Decode(data)
		if err != nil {
			c.reject("", transport.CodeBadMessage, err)
			continue
		}
		switch env.Type {
		case transport.TypeSynthesize:
			c.startStream(env)
		case transport.TypeCancel:
			c.cancelStream(env.ID)
		default:
			c.reject(env.ID, transport.CodeBadMessage, fmt.Errorf("unexpected message type %q", env.Type))
		}
	}
}

func (c *conn) startStream(env transport.Envelope) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if !c.sem.TryAcquire(1) {
		c.reject(env.ID, transport.CodeTooManyStreams,
			fmt.Errorf("connection allows %d concurrent streams", c.srv.cfg.MaxStreamsPerConn))
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if _, dup := c.streams[env.ID]; dup {
		c.mu.Unlock()
		cancel()
		c.sem.Release(1)
		c.reject(env.ID, transport.CodeDuplicateID, fmt.Errorf("stream %s already running", env.ID))
		return
	}
	c.streams[env.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.sem.Release(1)
		defer func() {
			c.mu.Lock()
			delete(c.streams, env.ID)
			c.mu.Unlock()
			cancel()
		}()
		if err := c.srv.streamer.Run(ctx, env, c.send); err != nil {
			logrus.Debugf("ws: connection %s stream %s: %v", c.id, env.ID, err)
		}
	}()
}

func (c *conn) cancelStream(id string) {
	c.mu.Lock()
	cancel, ok := c.streams[id]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *conn) reject(id, code string, err error) {
	if sendErr := c.send(transport.ErrorEnvelope(id, code, err)); sendErr != nil {
		logrus.Debugf("ws: connection %s: %v", c.id, sendErr)
	}
}

func (c *conn) send(env transport.Envelope) error {
	data, err := transport.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
