package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig configures the optional JetStream audit publisher.
type NATSConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	MaxAge        time.Duration
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		StreamName:    "DELIVERY_AUDIT",
		SubjectPrefix: "delivery.audit",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		MaxAge:        30 * 24 * time.Hour,
	}
}

// NATSEmitter publishes audit entries to a JetStream stream so downstream
// consumers (alerting, warehousing) can subscribe without touching the store.
type NATSEmitter struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config NATSConfig
}

func NewNATSEmitter(cfg NATSConfig, logger *slog.Logger) (*NATSEmitter, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.StreamName == "" {
		cfg.StreamName = DefaultNATSConfig().StreamName
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultNATSConfig().SubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", slog.Any("err", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	e := &NATSEmitter{nc: nc, js: js, config: cfg}
	if err := e.ensureStream(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return e, nil
}

func (e *NATSEmitter) ensureStream(ctx context.Context) error {
	_, err := e.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     e.config.StreamName,
		Subjects: []string{e.config.SubjectPrefix + ".>"},
		MaxAge:   e.config.MaxAge,
		Storage:  jetstream.FileStorage,
	})
	return err
}

func (e *NATSEmitter) Emit(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	subject := fmt.Sprintf("%s.corrected.%s", e.config.SubjectPrefix, entry.NewStatus)
	if _, err := e.js.Publish(ctx, subject, payload, jetstream.WithMsgID(entry.SweepID+"/"+entry.RecordID)); err != nil {
		return fmt.Errorf("publish audit entry: %w", err)
	}
	return nil
}

func (e *NATSEmitter) Close() {
	if e == nil || e.nc == nil {
		return
	}
	e.nc.Close()
}
