package server

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/codelaboratoryltd/radiusd/pkg/auth"
	"github.com/codelaboratoryltd/radiusd/pkg/message"
	"github.com/codelaboratoryltd/radiusd/pkg/radius"
	"github.com/codelaboratoryltd/radiusd/pkg/store"
)

// ErrRateLimited makes the server drop a request without reply
var ErrRateLimited = errors.New("rate limit exceeded")

// Middleware inspects or rewrites a request before it reaches the auth or
// accounting handler. Returning an error stops the chain.
type Middleware interface {
	Handle(ctx context.Context, req *Request) (*Request, error)
}

// MiddlewareFunc adapts a function to Middleware
type MiddlewareFunc func(ctx context.Context, req *Request) (*Request, error)

func (f MiddlewareFunc) Handle(ctx context.Context, req *Request) (*Request, error) {
	return f(ctx, req)
}

// RateLimiter bounds the Access-Request and Status-Server rate of each NAS.
// Accounting-Requests pass unlimited.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter allows perSecond requests per NAS with the given burst
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

func (rl *RateLimiter) Handle(ctx context.Context, req *Request) (*Request, error) {
	if req.Packet.Code == radius.CodeAccountingRequest {
		return req, nil
	}
	key := req.Source.IP.String()
	if req.Client != nil && req.Client.Name != "" {
		key = req.Client.Name
	}
	if !rl.limiter(key).Allow() {
		return nil, ErrRateLimited
	}
	return req, nil
}

// StripDomain removes the realm from User-Name: "alice@example.net" and
// "EXAMPLE\alice" both become "alice"
type StripDomain struct{}

func (StripDomain) Handle(ctx context.Context, req *Request) (*Request, error) {
	name, ok := req.Packet.Lookup(radius.AttrUserName)
	if !ok {
		return req, nil
	}
	if stripped := StripRealm(string(name)); stripped != string(name) {
		req.Packet.Set(radius.AttrUserName, []byte(stripped))
	}
	return req, nil
}

// StripRealm returns username without its realm
func StripRealm(username string) string {
	if i := strings.LastIndexByte(username, '\\'); i >= 0 {
		username = username[i+1:]
	}
	if i := strings.IndexByte(username, '@'); i >= 0 {
		username = username[:i]
	}
	return username
}

// MACBinding rejects Access-Requests whose Calling-Station-Id differs from
// the MAC address bound to the account
type MACBinding struct {
	Accounts store.AccountRepository
}

func (mb MACBinding) Handle(ctx context.Context, req *Request) (*Request, error) {
	if req.Packet.Code != radius.CodeAccessRequest {
		return req, nil
	}
	acct, err := mb.Accounts.FindAccount(ctx, req.Packet.GetString(radius.AttrUserName))
	if err != nil {
		// the authenticator reports missing accounts
		return req, nil
	}
	if !acct.BindMAC || acct.MacAddr == "" {
		return req, nil
	}
	got := message.NormalizeMAC(req.Packet.GetString(radius.AttrCallingStationID))
	if got != message.NormalizeMAC(acct.MacAddr) {
		return nil, auth.ErrMACMismatch
	}
	return req, nil
}
