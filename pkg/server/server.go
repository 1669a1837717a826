// Package server runs the RADIUS authentication and accounting listeners.
// Each datagram is handled in its own goroutine: the sending NAS is looked
// up, the packet is verified against its secret, passed through the
// middleware chain and dispatched.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codelaboratoryltd/radiusd/pkg/auth"
	"github.com/codelaboratoryltd/radiusd/pkg/dictionary"
	"github.com/codelaboratoryltd/radiusd/pkg/message"
	"github.com/codelaboratoryltd/radiusd/pkg/metrics"
	"github.com/codelaboratoryltd/radiusd/pkg/radius"
	"github.com/codelaboratoryltd/radiusd/pkg/store"
)

// Listener names
const (
	ListenerAuth = "auth"
	ListenerAcct = "acct"
)

// ErrUnauthorizedClient is returned for datagrams from unknown NAS devices
var ErrUnauthorizedClient = errors.New("unauthorized client")

// AuthHandler answers Access-Requests. *auth.Authenticator implements it.
type AuthHandler interface {
	Handle(ctx context.Context, msg *message.AuthMessage) *radius.Packet
}

// AcctHandler answers Accounting-Requests. *accounting.Machine implements it.
type AcctHandler interface {
	Handle(ctx context.Context, msg *message.AcctMessage, client *store.Client) (*radius.Packet, error)
}

// Request is a verified datagram on its way through the middleware chain
type Request struct {
	Packet   *radius.Packet
	Client   *store.Client
	Source   *net.UDPAddr
	Listener string
	TraceID  string
}

// Config configures the listeners
type Config struct {
	AuthAddr string
	AcctAddr string
	// ReadTimeout bounds each blocking read so cancellation is noticed
	ReadTimeout time.Duration
	// RequireMessageAuthenticator drops Access-Requests without one
	RequireMessageAuthenticator bool
}

// Deps are the collaborators of the server. Metrics is optional.
type Deps struct {
	Clients    store.ClientRegistry
	Dictionary *dictionary.Dictionary
	Auth       AuthHandler
	Acct       AcctHandler
	Middleware []Middleware
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Server is the RADIUS server
type Server struct {
	cfg        Config
	clients    store.ClientRegistry
	dict       *dictionary.Dictionary
	auth       AuthHandler
	acct       AcctHandler
	middleware []Middleware
	metrics    *metrics.Metrics
	logger     *zap.Logger

	// in-flight datagrams
	wg sync.WaitGroup
}

// New creates a server
func New(cfg Config, deps Deps) *Server {
	if cfg.AuthAddr == "" {
		cfg.AuthAddr = ":1812"
	}
	if cfg.AcctAddr == "" {
		cfg.AcctAddr = ":1813"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		clients:    deps.Clients,
		dict:       deps.Dictionary,
		auth:       deps.Auth,
		acct:       deps.Acct,
		middleware: deps.Middleware,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}
}

// ListenAndServe serves both listeners until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context) error {
	authConn, err := listen(s.cfg.AuthAddr)
	if err != nil {
		return err
	}
	acctConn, err := listen(s.cfg.AcctAddr)
	if err != nil {
		authConn.Close()
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(ctx, authConn, ListenerAuth) })
	g.Go(func() error { return s.Serve(ctx, acctConn, ListenerAcct) })
	return g.Wait()
}

func listen(address string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address %s: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return conn, nil
}

// Serve reads datagrams from conn until ctx is cancelled, then closes conn
// and waits for in-flight requests
func (s *Server) Serve(ctx context.Context, conn *net.UDPConn, listener string) error {
	defer s.wg.Wait()
	defer conn.Close()

	s.logger.Info("RADIUS listener started",
		zap.String("listener", listener),
		zap.String("address", conn.LocalAddr().String()),
	)

	buf := make([]byte, radius.MaxPacketLength)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("RADIUS listener stopped", zap.String("listener", listener))
			return nil
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			// a closed conn fails the read below as well
			s.logger.Debug("Failed to set read deadline", zap.String("listener", listener), zap.Error(err))
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("Read error", zap.String("listener", listener), zap.Error(err))
			continue
		}

		b := append([]byte(nil), buf[:n]...)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn, listener, b, addr)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn *net.UDPConn, listener string, b []byte, src *net.UDPAddr) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.RecordDrop(listener, "panic")
			s.logger.Error("Recovered from panic while handling datagram",
				zap.String("listener", listener),
				zap.String("from", src.String()),
				zap.Any("panic", r),
			)
		}
	}()
	s.metrics.RecordPacket(listener)

	req, err := s.verify(ctx, listener, b, src)
	if err != nil {
		s.drop(listener, src, err)
		return
	}

	for _, mw := range s.middleware {
		next, err := mw.Handle(ctx, req)
		if err != nil {
			if req.Packet.Code == radius.CodeAccessRequest && !errors.Is(err, ErrRateLimited) {
				msg := message.NewAuthMessage(req.Packet, req.Client.VendorID, src, s.dict)
				s.logger.Info("Access rejected by middleware",
					zap.String("trace_id", req.TraceID),
					zap.String("username", msg.Username()),
					zap.Error(err),
				)
				s.reply(conn, listener, src, auth.RejectFor(msg, err))
				return
			}
			s.drop(listener, src, err)
			return
		}
		req = next
	}

	reply, err := s.dispatch(ctx, req)
	if err != nil {
		s.drop(listener, src, err)
		return
	}
	s.reply(conn, listener, src, reply)
}

// verify resolves the client and checks the packet against its secret
func (s *Server) verify(ctx context.Context, listener string, b []byte, src *net.UDPAddr) (*Request, error) {
	raw, err := radius.Parse(b, nil)
	if err != nil {
		return nil, err
	}

	client, err := s.clients.FindClient(ctx, src.IP, raw.GetString(radius.AttrNASIdentifier))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnauthorizedClient, src.IP, err)
	}

	p, err := radius.Decode(b, []byte(client.Secret))
	if err != nil {
		return nil, err
	}
	if s.cfg.RequireMessageAuthenticator && p.Code == radius.CodeAccessRequest && !p.Has(radius.AttrMessageAuthenticator) {
		return nil, fmt.Errorf("access-request without Message-Authenticator: %w", radius.ErrAuthenticatorMismatch)
	}

	return &Request{
		Packet:   p,
		Client:   client,
		Source:   src,
		Listener: listener,
		TraceID:  uuid.NewString(),
	}, nil
}

func (s *Server) dispatch(ctx context.Context, req *Request) (*radius.Packet, error) {
	p := req.Packet
	switch {
	case p.Code == radius.CodeStatusServer:
		return s.statusServer(req)
	case p.Code == radius.CodeAccessRequest && req.Listener == ListenerAuth:
		msg := message.NewAuthMessage(p, req.Client.VendorID, req.Source, s.dict)
		reply := s.authenticate(ctx, msg)
		reply.AddMessageAuthenticator()
		return reply, nil
	case p.Code == radius.CodeAccountingRequest && req.Listener == ListenerAcct:
		msg := message.NewAcctMessage(p, req.Client.VendorID, req.Source, s.dict)
		return s.account(ctx, msg, req), nil
	}
	return nil, fmt.Errorf("unexpected %s on %s listener: %w", p.Code, req.Listener, radius.ErrMalformedPacket)
}

// statusServer answers RFC 5997 Status-Server, which must be signed
func (s *Server) statusServer(req *Request) (*radius.Packet, error) {
	if !req.Packet.Has(radius.AttrMessageAuthenticator) {
		return nil, fmt.Errorf("status-server without Message-Authenticator: %w", radius.ErrAuthenticatorMismatch)
	}
	code := radius.CodeAccessAccept
	if req.Listener == ListenerAcct {
		code = radius.CodeAccountingResponse
	}
	reply := req.Packet.Response(code)
	reply.AddMessageAuthenticator()
	return reply, nil
}

func (s *Server) authenticate(ctx context.Context, msg *message.AuthMessage) (reply *radius.Packet) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered from panic in auth handler",
				zap.String("username", msg.Username()),
				zap.Any("panic", r),
			)
			reply = msg.Reject(auth.ReplyMessage(nil))
		}
	}()
	return s.auth.Handle(ctx, msg)
}

func (s *Server) account(ctx context.Context, msg *message.AcctMessage, req *Request) (reply *radius.Packet) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered from panic in accounting handler",
				zap.String("acct_session_id", msg.AcctSessionID()),
				zap.Any("panic", r),
			)
			reply = msg.Response()
		}
	}()

	reply, err := s.acct.Handle(ctx, msg, req.Client)
	if err != nil {
		s.logger.Warn("Accounting request processed with errors",
			zap.String("trace_id", req.TraceID),
			zap.String("nas", req.Client.Name),
			zap.String("acct_session_id", msg.AcctSessionID()),
			zap.Error(err),
		)
	}
	return reply
}

func (s *Server) reply(conn *net.UDPConn, listener string, dst *net.UDPAddr, p *radius.Packet) {
	b, err := p.Encode()
	if err != nil {
		s.logger.Error("Failed to encode reply",
			zap.String("listener", listener),
			zap.Stringer("code", p.Code),
			zap.Error(err),
		)
		return
	}
	if _, err := conn.WriteToUDP(b, dst); err != nil {
		s.logger.Warn("Failed to send reply",
			zap.String("listener", listener),
			zap.String("to", dst.String()),
			zap.Error(err),
		)
	}
}

func (s *Server) drop(listener string, src *net.UDPAddr, err error) {
	reason := "malformed"
	switch {
	case errors.Is(err, ErrUnauthorizedClient):
		reason = "unknown_client"
	case errors.Is(err, radius.ErrAuthenticatorMismatch):
		reason = "authenticator"
	case errors.Is(err, ErrRateLimited):
		reason = "rate_limited"
	case errors.Is(err, auth.ErrMACMismatch):
		reason = "mac_binding"
	}
	s.metrics.RecordDrop(listener, reason)
	s.logger.Debug("Dropped datagram",
		zap.String("listener", listener),
		zap.String("from", src.String()),
		zap.String("reason", reason),
		zap.Error(err),
	)
}
