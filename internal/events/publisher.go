package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SubjectExchangePersisted is published after a question and answer pair has been stored.
const SubjectExchangePersisted = "tutor.exchange.persisted"

type ExchangePersisted struct {
	OwnerID       string    `json:"owner_id"`
	Kind          string    `json:"kind"`
	SessionID     string    `json:"session_id"`
	Outcome       string    `json:"outcome"` // "completed" or "stopped"
	QuestionChars int       `json:"question_chars"`
	AnswerChars   int       `json:"answer_chars"`
	PersistedAt   time.Time `json:"persisted_at"`
}

type Publisher interface {
	Publish(subject string, data any) error
	Close()
}

// NATSPublisher sends JSON events to a NATS server.
type NATSPublisher struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

func NewNATSPublisher(url, token string, logger zerolog.Logger) (*NATSPublisher, error) {
	logger = logger.With().Str("component", "nats").Logger()
	opts := []nats.Option{
		nats.Name("tutor"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{conn: nc, logger: logger}, nil
}

func (p *NATSPublisher) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return p.conn.Publish(subject, payload)
}

func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn().Err(err).Msg("nats drain failed")
		p.conn.Close()
	}
}

// Nop drops every event. Used when no NATS server is configured.
type Nop struct{}

func (Nop) Publish(string, any) error { return nil }
func (Nop) Close()                    {}
