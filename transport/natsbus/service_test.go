package natsbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocity-tts/velocity/transport"
	"github.com/velocity-tts/velocity/tts"
	"github.com/velocity-tts/velocity/velocity"
)

func TestMain(m *testing.M) {
	if os.Getenv("DEBUG_TESTS") == "" {
		logrus.SetLevel(logrus.WarnLevel)
	}
	os.Exit(m.Run())
}

func counting(delay time.Duration) velocity.StepExecutor {
	return velocity.ExecutorFunc(func(ctx context.Context, b *velocity.Batch) ([]velocity.StepResult, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		out := make([]velocity.StepResult, len(b.Entries))
		for i, e := range b.Entries {
			out[i].Token = 10 + len(e.Generated)
		}
		return out, nil
	})
}

type busFixture struct {
	cfg     Config
	client  *nats.Conn
	service *Service
	engine  *velocity.Engine
}

func newBusFixture(t *testing.T, cfg Config, delay time.Duration) *busFixture {
	t.Helper()
	ns, err := StartEmbedded("", -1)
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)

	cfg.Servers = []string{ns.ClientURL()}
	serverConn, err := Connect(cfg)
	require.NoError(t, err)
	t.Cleanup(serverConn.Close)
	client, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	e, err := velocity.NewEngine(velocity.DefaultConfig(), counting(delay))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)

	svc := NewService(context.Background(), cfg, serverConn, &transport.Streamer{Engine: e, Tokenizer: tts.NewByteTokenizer()})
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	return &busFixture{cfg: cfg, client: client, service: svc, engine: e}
}

func (f *busFixture) publish(t *testing.T, subject, reply string, env transport.Envelope) {
	t.Helper()
	data, err := transport.Encode(env)
	require.NoError(t, err)
	require.NoError(t, f.client.PublishRequest(subject, reply, data))
}

func next(t *testing.T, sub *nats.Subscription) transport.Envelope {
	t.Helper()
	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	env, err := transport.Decode(msg.Data)
	require.NoError(t, err)
	return env
}

func TestService_StreamsToReplySubject(t *testing.T) {
	// GIVEN a client listening on its own inbox
	f := newBusFixture(t, Config{}, 0)
	inbox := nats.NewInbox()
	sub, err := f.client.SubscribeSync(inbox)
	require.NoError(t, err)
	assert.True(t, f.service.Healthy())

	// WHEN it publishes a request with that inbox as reply subject
	f.publish(t, f.cfg.RequestSubject(), inbox, transport.Envelope{Type: transport.TypeSynthesize, Text: "hi", MaxTokens: 3})

	// THEN the whole stream arrives there in order
	accepted := next(t, sub)
	require.Equal(t, transport.TypeAccepted, accepted.Type)
	for i := 0; i < 3; i++ {
		env := next(t, sub)
		assert.Equal(t, transport.TypeChunk, env.Type)
		assert.Equal(t, accepted.ID, env.ID)
		assert.Equal(t, []int{10 + i}, env.Tokens)
	}
	done := next(t, sub)
	assert.Equal(t, transport.TypeDone, done.Type)
	assert.Equal(t, 3, done.Generated)
}

func TestService_StreamSubjectAndCancel(t *testing.T) {
	f := newBusFixture(t, Config{Prefix: "test.tts"}, time.Millisecond)
	sub, err := f.client.SubscribeSync(f.cfg.StreamSubject("job-1"))
	require.NoError(t, err)
	require.NoError(t, f.client.Flush())

	f.publish(t, f.cfg.RequestSubject(), "", transport.Envelope{Type: transport.TypeSynthesize, ID: "job-1", Tokens: []int{1}, MaxTokens: 2000})
	require.Equal(t, transport.TypeAccepted, next(t, sub).Type)
	f.publish(t, f.cfg.CancelSubject(), "", transport.Envelope{Type: transport.TypeCancel, ID: "job-1"})

	var last transport.Envelope
	for last.Type != transport.TypeError && last.Type != transport.TypeDone {
		last = next(t, sub)
	}
	assert.Equal(t, transport.TypeError, last.Type)
	assert.Equal(t, transport.CodeCancelled, last.Code)
}

func TestService_RejectsOverLimitAndBadMessages(t *testing.T) {
	f := newBusFixture(t, Config{MaxStreams: 1}, time.Millisecond)
	inbox := nats.NewInbox()
	sub, err := f.client.SubscribeSync(inbox)
	require.NoError(t, err)

	f.publish(t, f.cfg.RequestSubject(), inbox, transport.Envelope{Type: transport.TypeSynthesize, ID: "a", Tokens: []int{1}, MaxTokens: 2000})
	require.Equal(t, transport.TypeAccepted, next(t, sub).Type)

	over := nats.NewInbox()
	overSub, err := f.client.SubscribeSync(over)
	require.NoError(t, err)
	f.publish(t, f.cfg.RequestSubject(), over, transport.Envelope{Type: transport.TypeSynthesize, ID: "b", Tokens: []int{1}})
	assert.Equal(t, transport.CodeTooManyStreams, next(t, overSub).Code)

	require.NoError(t, f.client.PublishRequest(f.cfg.RequestSubject(), over, []byte("nope")))
	assert.Equal(t, transport.CodeBadMessage, next(t, overSub).Code)
}

func TestConnect_NoServers(t *testing.T) {
	_, err := Connect(Config{})
	assert.Error(t, err)
}
