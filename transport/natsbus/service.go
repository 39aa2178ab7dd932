// Package natsbus exposes the engine on a NATS bus. Synthesize envelopes
// published on <prefix>.request are streamed back to the message's reply
// subject, or to <prefix>.stream.<id> when the request has none. Cancel
// envelopes go to <prefix>.cancel.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/velocity-tts/velocity/transport"
)

// Config controls the bus connection and service.
type Config struct {
	Servers        []string
	Name           string
	Prefix         string        // subject prefix, default velocity.tts
	ConnectTimeout time.Duration // default 2s
	MaxStreams     int64         // concurrent requests, default 64
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "velocity"
	}
	if c.Prefix == "" {
		c.Prefix = "velocity.tts"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 2 * time.Second
	}
	if c.MaxStreams <= 0 {
		c.MaxStreams = 64
	}
	return c
}

// RequestSubject returns the subject synthesize requests are published on.
func (c Config) RequestSubject() string { return c.withDefaults().Prefix + ".request" }

// CancelSubject returns the subject cancel envelopes are published on.
func (c Config) CancelSubject() string { return c.withDefaults().Prefix + ".cancel" }

// StreamSubject returns the subject a request without reply subject streams to.
func (c Config) StreamSubject(id string) string { return c.withDefaults().Prefix + ".stream." + id }

// Connect opens a NATS connection to the configured servers.
func Connect(cfg Config) (*nats.Conn, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, nats.Name(cfg.Name), nats.Timeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logrus.Infof("natsbus: connected to %s", url)
	return conn, nil
}

// Service serves synthesize requests from the bus.
type Service struct {
	cfg      Config
	conn     *nats.Conn
	streamer *transport.Streamer
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription

	mu      sync.Mutex
	streams map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a stopped service on an open connection.
func NewService(parent context.Context, cfg Config, conn *nats.Conn, streamer *transport.Streamer) *Service {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		conn:     conn,
		streamer: streamer,
		sem:      semaphore.NewWeighted(cfg.MaxStreams),
		ctx:      ctx,
		cancel:   cancel,
		streams:  make(map[string]context.CancelFunc),
	}
}

// Start subscribes to the request and cancel subjects.
func (s *Service) Start() error {
	req, err := s.conn.Subscribe(s.cfg.RequestSubject(), s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.cfg.RequestSubject(), err)
	}
	cancel, err := s.conn.Subscribe(s.cfg.CancelSubject(), s.handleCancel)
	if err != nil {
		_ = req.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", s.cfg.CancelSubject(), err)
	}
	s.subs = []*nats.Subscription{req, cancel}
	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	logrus.Infof("natsbus: serving %s", s.cfg.RequestSubject())
	return nil
}

// Close stops accepting requests, cancels running streams and waits for them.
func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

// Healthy reports whether the service is subscribed on a live connection.
func (s *Service) Healthy() bool {
	return len(s.subs) > 0 && s.conn.Status() == nats.CONNECTED
}

func (s *Service) handleRequest(msg *nats.Msg) {
	env, err := transport.Decode(msg.Data)
	if err != nil {
		if msg.Reply != "" {
			s.publish(msg.Reply, transport.ErrorEnvelope("", transport.CodeBadMessage, err))
		}
		logrus.Warnf("natsbus: failed to decode request: %v", err)
		return
	}
	if env.Type != transport.TypeSynthesize {
		s.publishTo(msg.Reply, env.ID, transport.ErrorEnvelope(env.ID, transport.CodeBadMessage,
			fmt.Errorf("unexpected message type %q", env.Type)))
		return
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if msg.Reply == "" && strings.ContainsAny(env.ID, ".*> \t") {
		logrus.Warnf("natsbus: request id %q cannot be used as a subject token", env.ID)
		return
	}
	subject := msg.Reply
	if subject == "" {
		subject = s.cfg.StreamSubject(env.ID)
	}
	if !s.sem.TryAcquire(1) {
		s.publish(subject, transport.ErrorEnvelope(env.ID, transport.CodeTooManyStreams,
			fmt.Errorf("service allows %d concurrent streams", s.cfg.MaxStreams)))
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	if _, dup := s.streams[env.ID]; dup {
		s.mu.Unlock()
		cancel()
		s.sem.Release(1)
		s.publish(subject, transport.ErrorEnvelope(env.ID, transport.CodeDuplicateID,
			fmt.Errorf("stream %s already running", env.ID)))
		return
	}
	s.streams[env.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer func() {
			s.mu.Lock()
			delete(s.streams, env.ID)
			s.mu.Unlock()
			cancel()
		}()
		err := s.streamer.Run(ctx, env, func(out transport.Envelope) error {
			return s.publish(subject, out)
		})
		if err != nil {
			logrus.Warnf("natsbus: stream %s: %v", env.ID, err)
		}
	}()
}

func (s *Service) handleCancel(msg *nats.Msg) {
	env, err := transport.Decode(msg.Data)
	if err != nil {
		logrus.Warnf("natsbus: failed to decode cancel: %v", err)
		return
	}
	s.mu.Lock()
	cancel, ok := s.streams[env.ID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Service) publishTo(reply, id string, env transport.Envelope) {
	if reply == "" {
		if id == "" {
			return
		}
		reply = s.cfg.StreamSubject(id)
	}
	_ = s.publish(reply, env)
}

func (s *Service) publish(subject string, env transport.Envelope) error {
	data, err := transport.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
