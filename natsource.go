package msgcache

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultNATSSubject is the subject event envelopes are published on.
const DefaultNATSSubject = "msgcache.events"

// NATSConfig configures a NATSSource.
type NATSConfig struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
	Own           Identity
	Logger        zerolog.Logger
}

// NATSSource consumes event envelopes published on a NATS subject and hands
// them to an EventHandler. A subscription delivers messages one at a time,
// so events keep their publish order.
type NATSSource struct {
	config  NATSConfig
	handler EventHandler
	log     zerolog.Logger

	mu  sync.Mutex
	nc  *nats.Conn
	sub *nats.Subscription
}

// NewNATSSource creates a source; call Start to connect and subscribe.
func NewNATSSource(config NATSConfig, handler EventHandler) *NATSSource {
	if config.URL == "" {
		config.URL = nats.DefaultURL
	}
	if config.Subject == "" {
		config.Subject = DefaultNATSSubject
	}
	if config.MaxReconnects == 0 {
		config.MaxReconnects = 10
	}
	if config.ReconnectWait == 0 {
		config.ReconnectWait = 2 * time.Second
	}
	return &NATSSource{
		config:  config,
		handler: handler,
		log:     config.Logger.With().Str("component", "nats").Str("subject", config.Subject).Logger(),
	}
}

// Start connects to the server and subscribes. It returns once the
// subscription is active; events arrive on NATS's delivery goroutine until
// Stop is called or ctx ends.
func (s *NATSSource) Start(ctx context.Context) error {
	nc, err := nats.Connect(s.config.URL,
		nats.MaxReconnects(s.config.MaxReconnects),
		nats.ReconnectWait(s.config.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return err
	}

	sub, err := nc.Subscribe(s.config.Subject, func(msg *nats.Msg) {
		s.handleMsg(msg.Data)
	})
	if err != nil {
		nc.Close()
		return err
	}

	s.mu.Lock()
	s.nc = nc
	s.sub = sub
	s.mu.Unlock()
	s.log.Info().Str("url", s.config.URL).Msg("NATS source started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop unsubscribes and closes the connection.
func (s *NATSSource) Stop() {
	s.mu.Lock()
	nc, sub := s.nc, s.sub
	s.nc, s.sub = nil, nil
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if nc != nil {
		nc.Close()
	}
}

// Connected reports whether the source holds a live connection.
func (s *NATSSource) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nc != nil && s.nc.IsConnected()
}

func (s *NATSSource) handleMsg(data []byte) {
	ev, err := DecodeEvent(data, s.config.Own)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to decode event")
		return
	}
	if ev == nil {
		return
	}
	s.handler(ev)
}
