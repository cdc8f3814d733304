package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/LerianStudio/lib-reliable/reliable/internal/nilcheck"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	libOpentelemetry "github.com/LerianStudio/lib-reliable/reliable/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrNilConnection     = errors.New("rabbitmq connection is nil")
	ErrEmptyURL          = errors.New("rabbitmq url cannot be empty")
	ErrConnectionClosed  = errors.New("rabbitmq connection is closed")
	ErrChannelRequired   = errors.New("rabbitmq channel is required")
	ErrPublisherRequired = errors.New("confirmable publisher is required")
)

// Connection owns one AMQP connection and hands out dedicated channels.
type Connection struct {
	url    string
	logger log.Logger

	dial        func(url string) (*amqp.Connection, error)
	openChannel func(*amqp.Connection) (*amqp.Channel, error)

	mu   sync.Mutex
	conn *amqp.Connection
}

// NewConnection returns an unconnected Connection to url.
func NewConnection(url string, logger log.Logger) (*Connection, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrEmptyURL
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Connection{
		url:    url,
		logger: logger,
		dial:   amqp.Dial,
		openChannel: func(conn *amqp.Connection) (*amqp.Channel, error) {
			return conn.Channel()
		},
	}, nil
}

// Connect dials the broker unless a live connection exists.
func (c *Connection) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilConnection
	}

	_, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.connect")
	defer span.End()

	span.SetAttributes(attribute.String("messaging.system", "rabbitmq"))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	conn, err := c.dial(c.url)
	if err != nil {
		sanitized := newSanitizedError(err, c.url, "failed to connect to rabbitmq")
		c.logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq", log.Err(sanitized))
		libOpentelemetry.HandleSpanError(span, "Failed to connect to rabbitmq", sanitized)

		return sanitized
	}

	c.conn = conn
	c.logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return nil
}

// Channel opens a new channel, reconnecting first when the connection
// dropped. Publishers and consumers each need their own channel.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	if c == nil {
		return nil, ErrNilConnection
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil, ErrConnectionClosed
	}

	ch, err := c.openChannel(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to open channel on rabbitmq: %w", err)
	}

	return ch, nil
}

// ChannelProvider adapts Channel for publisher recovery.
func (c *Connection) ChannelProvider(ctx context.Context) ChannelProvider {
	return func() (ConfirmableChannel, error) {
		ch, err := c.Channel(ctx)
		if err != nil {
			return nil, err
		}

		return ch, nil
	}
}

// Close closes the connection and every channel opened on it.
func (c *Connection) Close() error {
	if c == nil {
		return ErrNilConnection
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}

	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close rabbitmq connection: %w", err)
	}

	return nil
}

// BuildConnectionString constructs an AMQP url. An empty vhost selects the
// default vhost.
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		u.Host = host
	}

	if vhost != "" {
		escaped := strings.ReplaceAll(url.QueryEscape(vhost), "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escaped
	}

	return u.String()
}

// sanitizedError keeps the original error for errors.Is while hiding the
// credentials from its message.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()

	reference, parseErr := url.Parse(connectionString)
	if connectionString == "" || parseErr != nil {
		return msg
	}

	redacted := reference.Redacted()
	msg = strings.ReplaceAll(msg, connectionString, redacted)

	if reference.User != nil {
		if pass, ok := reference.User.Password(); ok && pass != "" {
			msg = strings.ReplaceAll(msg, pass, "xxxxx")
		}
	}

	return msg
}
