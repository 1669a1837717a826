// Package coa sends Disconnect-Request and CoA-Request messages to NAS
// devices (RFC 5176), or the vendor DM datagram for NAS models that only
// understand it
package coa

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radiusd/pkg/message"
	"github.com/codelaboratoryltd/radiusd/pkg/metrics"
	"github.com/codelaboratoryltd/radiusd/pkg/radius"
)

// DefaultPort is the RFC 5176 dynamic authorization port
const DefaultPort = 3799

var (
	// ErrTimeout is returned when no valid reply arrived within the retry budget
	ErrTimeout = errors.New("coa: no valid reply")
	// ErrAuthenticatorMismatch marks a reply whose authenticator did not verify
	ErrAuthenticatorMismatch = errors.New("coa: reply authenticator mismatch")
)

// Config holds CoA client configuration
type Config struct {
	// Timeout bounds the wait for a reply to each attempt
	Timeout time.Duration
	// Retries is the total number of send attempts
	Retries int
	// Backoff is multiplied by the attempt number between attempts
	Backoff time.Duration
	// DMVendorID selects the vendor whose NAS devices get the DM datagram
	// instead of a Disconnect-Request. Zero disables it.
	DMVendorID uint32
	// Port is used when a request carries no CoA port
	Port int
}

// Request addresses one NAS
type Request struct {
	VendorID   uint32
	Secret     string
	NasAddr    net.IP
	CoAPort    int
	Attributes []radius.Attribute
}

// Result is the outcome of a request. It never carries a panic; Err is set
// when no valid reply arrived.
type Result struct {
	// Code is the reply code, zero without a valid reply
	Code     radius.Code
	Acked    bool
	Attempts int
	Reply    *radius.Packet
	Err      error
}

// Client is a CoA/Disconnect client
type Client struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a CoA client. metrics may be nil.
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, logger: logger, metrics: m}
}

// Disconnect asks the NAS to terminate a session
func (c *Client) Disconnect(ctx context.Context, req Request) Result {
	if c.cfg.DMVendorID != 0 && req.VendorID == c.cfg.DMVendorID {
		return c.sendDM(ctx, req)
	}
	msg := message.NewDisconnectRequest([]byte(req.Secret), req.VendorID, req.Attributes)
	return c.send(ctx, "disconnect", req, msg.Packet, radius.CodeDisconnectACK, radius.CodeDisconnectNAK)
}

// CoA pushes changed authorization attributes for a session
func (c *Client) CoA(ctx context.Context, req Request) Result {
	msg := message.NewCoARequest([]byte(req.Secret), req.VendorID, req.Attributes)
	return c.send(ctx, "coa", req, msg.Packet, radius.CodeCoAACK, radius.CodeCoANAK)
}

// DisconnectAsync runs Disconnect in its own goroutine. Callers that do not
// care about the outcome may drop the future.
func (c *Client) DisconnectAsync(ctx context.Context, req Request) *Future {
	f := newFuture()
	go func() {
		f.resolve(c.Disconnect(ctx, req))
	}()
	return f
}

func (c *Client) addr(req Request) string {
	port := req.CoAPort
	if port == 0 {
		port = c.cfg.Port
	}
	return net.JoinHostPort(req.NasAddr.String(), strconv.Itoa(port))
}

func (c *Client) send(ctx context.Context, kind string, req Request, p *radius.Packet, ack, nak radius.Code) Result {
	start := time.Now()
	p.Identifier = nextIdentifier()
	b, err := p.EncodeRequest()
	if err != nil {
		return c.finish(kind, req, start, Result{Err: fmt.Errorf("encode %s: %w", p.Code, err)})
	}
	requestAuth := p.Authenticator
	secret := []byte(req.Secret)

	validate := func(reply []byte) (Result, error) {
		if len(reply) < radius.HeaderLength || reply[1] != p.Identifier {
			return Result{}, radius.ErrMalformedPacket
		}
		code := radius.Code(reply[0])
		if code != ack && code != nak {
			return Result{}, fmt.Errorf("unexpected reply %s: %w", code, radius.ErrMalformedPacket)
		}
		if !radius.VerifyReply(reply, requestAuth, secret) {
			return Result{}, ErrAuthenticatorMismatch
		}
		rp, err := radius.Decode(reply, secret)
		if err != nil {
			return Result{}, err
		}
		return Result{Code: code, Acked: code == ack, Reply: rp}, nil
	}

	res := c.exchange(ctx, c.addr(req), b, validate)
	return c.finish(kind, req, start, res)
}

func (c *Client) sendDM(ctx context.Context, req Request) Result {
	start := time.Now()
	id := nextIdentifier()
	msg := message.NewDisconnectRequest([]byte(req.Secret), req.VendorID, req.Attributes)
	b, err := radius.EncodeDMDatagram(id, msg.DMFields(), []byte(req.Secret))
	if err != nil {
		return c.finish("dm", req, start, Result{Err: fmt.Errorf("encode dm datagram: %w", err)})
	}

	validate := func(reply []byte) (Result, error) {
		status, err := radius.DecodeDMReply(reply, b, []byte(req.Secret))
		if err != nil {
			return Result{}, err
		}
		if status != 0 {
			return Result{Code: radius.CodeDisconnectNAK}, nil
		}
		return Result{Code: radius.CodeDisconnectACK, Acked: true}, nil
	}

	res := c.exchange(ctx, c.addr(req), b, validate)
	return c.finish("dm", req, start, res)
}

// exchange sends b up to Retries times, waiting Timeout for a reply that
// validate accepts and sleeping attempt*Backoff between attempts
func (c *Client) exchange(ctx context.Context, addr string, b []byte, validate func([]byte) (Result, error)) Result {
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= c.cfg.Retries; attempt++ {
		attempts = attempt
		res, err := c.attempt(ctx, addr, b, validate)
		if err == nil {
			res.Attempts = attempt
			return res
		}
		lastErr = err

		c.logger.Debug("CoA attempt failed",
			zap.String("nas", addr),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if ctx.Err() != nil {
			break
		}
		if attempt < c.cfg.Retries && c.cfg.Backoff > 0 {
			t := time.NewTimer(time.Duration(attempt) * c.cfg.Backoff)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
			if ctx.Err() != nil {
				break
			}
		}
	}
	if ctx.Err() != nil {
		lastErr = ctx.Err()
	}
	return Result{
		Attempts: attempts,
		Err:      fmt.Errorf("%w from %s after %d attempts: %w", ErrTimeout, addr, attempts, lastErr),
	}
}

func (c *Client) attempt(ctx context.Context, addr string, b []byte, validate func([]byte) (Result, error)) (Result, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		c.logger.Debug("Failed to set CoA socket deadline", zap.String("nas", addr), zap.Error(err))
		return Result{}, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := conn.Write(b); err != nil {
		return Result{}, err
	}

	buf := make([]byte, radius.MaxPacketLength)
	var invalid error
	for {
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if invalid != nil && errors.As(err, &netErr) && netErr.Timeout() {
				return Result{}, invalid
			}
			return Result{}, err
		}
		res, err := validate(buf[:n])
		if err == nil {
			return res, nil
		}
		// keep listening for a valid reply until the deadline
		invalid = err
	}
}

func (c *Client) finish(kind string, req Request, start time.Time, res Result) Result {
	result := "ack"
	switch {
	case res.Err != nil:
		result = "failed"
		c.logger.Warn("CoA request abandoned",
			zap.String("kind", kind),
			zap.String("nas", req.NasAddr.String()),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err),
		)
	case !res.Acked:
		result = "nak"
		c.logger.Info("NAS refused CoA request",
			zap.String("kind", kind),
			zap.String("nas", req.NasAddr.String()),
		)
	default:
		c.logger.Debug("CoA request acknowledged",
			zap.String("kind", kind),
			zap.String("nas", req.NasAddr.String()),
			zap.Int("attempts", res.Attempts),
		)
	}
	c.metrics.RecordCoA(kind, result, res.Attempts, time.Since(start))
	return res
}
