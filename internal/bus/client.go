package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kanilabs/kani-core/internal/config"
	"github.com/kanilabs/kani-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection and JetStream context.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	log = log.With(slog.String("component", "bus"))

	options := []nats.Option{
		nats.Name("kani-runtime"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))
	return &Client{conn: conn, js: js, log: log}, nil
}

// EnsureStatusStream creates the JetStream stream that retains status messages
// for late subscribers. Servers without JetStream return an error.
func (c *Client) EnsureStatusStream(maxAge time.Duration) error {
	subjects := []string{protocol.SubjectSessionStatusPrefix + ".>"}
	_, err := c.js.StreamInfo(protocol.StreamSessionStatus)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("lookup status stream: %w", err)
	}
	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:     protocol.StreamSessionStatus,
		Subjects: subjects,
		MaxAge:   maxAge,
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create status stream: %w", err)
	}
	return nil
}

// PublishStatus broadcasts msg on its session subject.
func (c *Client) PublishStatus(msg protocol.SessionStatus) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal session status: %w", err)
	}
	return c.conn.Publish(protocol.SessionStatusSubject(msg.ClinicID, msg.SessionID), data)
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
