package broadcast

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig configures the NATS-backed channel.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns the defaults used when only a URL is supplied.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          DefaultName,
		SubjectPrefix: "overlay.broadcast",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// NATS publishes envelopes on a core NATS subject. Core NATS is fire-and-forget,
// which matches the channel's best-effort contract.
type NATS struct {
	nc      *nats.Conn
	subject string
}

// DialNATS connects to the server in cfg.URL.
func DialNATS(cfg NATSConfig) (*NATS, error) {
	def := DefaultNATSConfig()
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = def.URL
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}

	opts := []nats.Option{
		nats.Name("overlayd-" + cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("broadcast: nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("broadcast: nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("broadcast: nats error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("broadcast: connect nats: %w", err)
	}
	return &NATS{nc: nc, subject: Subject(cfg.SubjectPrefix, cfg.Name)}, nil
}

// Subject builds the NATS subject for a channel name.
func Subject(prefix, name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" {
		name = DefaultName
	}
	return strings.TrimSuffix(prefix, ".") + "." + name
}

// Publish sends the envelope without waiting for any receiver.
func (n *NATS) Publish(_ context.Context, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(n.subject, data); err != nil {
		return fmt.Errorf("broadcast: nats publish: %w", err)
	}
	return nil
}

// Subscribe delivers every valid envelope on the subject to fn.
func (n *NATS) Subscribe(fn func(Envelope)) (func(), error) {
	sub, err := n.nc.Subscribe(n.subject, func(m *nats.Msg) {
		env, err := Decode(m.Data)
		if err != nil {
			log.Debug().Err(err).Str("subject", m.Subject).Msg("broadcast: ignoring malformed envelope")
			return
		}
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("broadcast: subscriber panicked")
			}
		}()
		fn(env)
	})
	if err != nil {
		return nil, fmt.Errorf("broadcast: nats subscribe: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	if n.nc == nil {
		return nil
	}
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return err
	}
	return nil
}
