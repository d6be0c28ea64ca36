package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/avvvet/intentpilot/internal/config"
	"github.com/avvvet/intentpilot/internal/handlers"
	"github.com/avvvet/intentpilot/internal/memory"
	"github.com/avvvet/intentpilot/internal/models"
)

type NATSTransport struct {
	conn    *nats.Conn
	config  *config.Config
	service *Service
	logger  *logrus.Entry

	subs        []*nats.Subscription
	unsubscribe func()
}

func NewNATSTransport(cfg *config.Config, service *Service, logger *logrus.Entry) (*NATSTransport, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	conn, err := nats.Connect(cfg.NatsURL,
		nats.Name(cfg.ServiceName),
		nats.Timeout(cfg.NatsTimeout),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.WithField("url", c.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.WithField("url", cfg.NatsURL).Info("Connected to NATS server")

	return &NATSTransport{
		conn:    conn,
		config:  cfg,
		service: service,
		logger:  logger,
	}, nil
}

// Start answers queries on the request subject and, when a store is
// configured, publishes every recorded interaction on the activity subject.
func (nt *NATSTransport) Start() error {
	sub, err := nt.conn.Subscribe(nt.config.NatsRequestSubject, nt.handleRequest)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", nt.config.NatsRequestSubject, err)
	}
	nt.subs = append(nt.subs, sub)
	nt.logger.WithField("subject", nt.config.NatsRequestSubject).Info("Subscribed to request subject")

	if store := nt.service.Store(); store != nil && nt.config.NatsActivitySubject != "" {
		nt.unsubscribe = store.Subscribe(nt.publishActivity)
		nt.logger.WithField("subject", nt.config.NatsActivitySubject).Info("Publishing interaction activity")
	}
	return nil
}

func (nt *NATSTransport) handleRequest(msg *nats.Msg) {
	timeout := nt.config.NatsTimeout
	if nt.config.LLMTimeout > timeout {
		timeout = nt.config.LLMTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := msg.Respond(nt.reply(ctx, msg.Data)); err != nil {
		nt.logger.WithError(err).Error("Failed to send response")
	}
}

// reply resolves one request payload into its response payload.
func (nt *NATSTransport) reply(ctx context.Context, data []byte) []byte {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		nt.logger.WithError(err).Warn("Invalid request payload")
		return encode(models.ErrorResponse{
			Error:  "Invalid request format",
			Status: statusError,
			Code:   models.ErrorParseError,
		})
	}
	if strings.TrimSpace(req.Query) == "" {
		return encode(ErrorBody(handlers.ErrEmptyQuery))
	}

	resp, err := nt.service.Resolve(ctx, req)
	if err != nil {
		nt.logger.WithError(err).Warn("Query failed")
		return encode(ErrorBody(err))
	}
	return encode(resp)
}

func (nt *NATSTransport) publishActivity(e memory.Entry) {
	if err := nt.conn.Publish(nt.config.NatsActivitySubject, encode(viewOf(e))); err != nil {
		nt.logger.WithError(err).Warn("Failed to publish activity")
	}
}

func encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(models.ErrorResponse{
			Error:  fmt.Sprintf("failed to marshal response: %v", err),
			Status: statusError,
			Code:   models.ErrorLLMFailed,
		})
	}
	return data
}

func (nt *NATSTransport) Close() error {
	if nt.unsubscribe != nil {
		nt.unsubscribe()
	}
	for _, sub := range nt.subs {
		if err := sub.Unsubscribe(); err != nil {
			nt.logger.WithError(err).Warn("Failed to unsubscribe")
		}
	}
	if nt.conn != nil {
		if err := nt.conn.Drain(); err != nil {
			nt.conn.Close()
		}
		nt.logger.Info("NATS connection closed")
	}
	return nil
}
