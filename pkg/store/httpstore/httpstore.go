// Package httpstore reaches accounts, NAS clients and the ticket sink
// through a REST backend, behind a circuit breaker
package httpstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radiusd/pkg/session"
	"github.com/codelaboratoryltd/radiusd/pkg/store"
)

// ErrUnavailable is returned when the backend fails or the breaker is open
var ErrUnavailable = errors.New("httpstore: backend unavailable")

// Config configures the client
type Config struct {
	BaseURL          string
	Token            string
	Timeout          time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Store implements the store interfaces over HTTP
type Store struct {
	http   *resty.Client
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// New creates an HTTP-backed store
func New(cfg Config, logger *zap.Logger) *Store {
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		httpClient.SetAuthToken(cfg.Token)
	}

	s := &Store{http: httpClient, logger: logger}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "httpstore",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return s
}

// statusError carries a non-2xx response that is not a backend failure
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "unexpected status " + strconv.Itoa(e.code)
}

// do runs a request through the breaker. 4xx responses are returned as
// statusError without counting against the breaker.
func (s *Store) do(req func() (*resty.Response, error)) (*resty.Response, error) {
	var clientErr error
	out, err := s.cb.Execute(func() (interface{}, error) {
		resp, err := req()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= 500 {
			return nil, &statusError{code: resp.StatusCode()}
		}
		if resp.IsError() {
			clientErr = &statusError{code: resp.StatusCode()}
		}
		return resp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if clientErr != nil {
		return out.(*resty.Response), clientErr
	}
	return out.(*resty.Response), nil
}

func statusCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.code
	}
	return 0
}

// FindAccount fetches GET /accounts/{number}
func (s *Store) FindAccount(ctx context.Context, number string) (*store.Account, error) {
	var acct store.Account
	_, err := s.do(func() (*resty.Response, error) {
		return s.http.R().
			SetContext(ctx).
			SetPathParam("number", number).
			SetResult(&acct).
			Get("/accounts/{number}")
	})
	if statusCode(err) == http.StatusNotFound {
		return nil, fmt.Errorf("account %s: %w", number, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", number, err)
	}
	acct.AccountNumber = number
	return &acct, nil
}

// SaveAccount writes PUT /accounts/{number} unconditionally
func (s *Store) SaveAccount(ctx context.Context, acct *store.Account) error {
	_, err := s.put(ctx, acct, "")
	return err
}

func (s *Store) put(ctx context.Context, acct *store.Account, ifMatch string) (*store.Account, error) {
	var saved store.Account
	_, err := s.do(func() (*resty.Response, error) {
		r := s.http.R().
			SetContext(ctx).
			SetPathParam("number", acct.AccountNumber).
			SetBody(acct).
			SetResult(&saved)
		if ifMatch != "" {
			r.SetHeader("If-Match", ifMatch)
		}
		return r.Put("/accounts/{number}")
	})
	switch statusCode(err) {
	case 0:
	case http.StatusNotFound:
		return nil, fmt.Errorf("account %s: %w", acct.AccountNumber, store.ErrNotFound)
	case http.StatusPreconditionFailed:
		return nil, store.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("save account %s: %w", acct.AccountNumber, err)
	}
	if saved.AccountNumber == "" {
		saved = *acct
	}
	acct.Version = saved.Version
	return &saved, nil
}

// Update reads, applies fn and writes back with If-Match on the version the
// change was based on
func (s *Store) Update(ctx context.Context, number string, fn func(*store.Account) error) (*store.Account, error) {
	for i := 0; i < store.MaxUpdateAttempts; i++ {
		acct, err := s.FindAccount(ctx, number)
		if err != nil {
			return nil, err
		}
		version := acct.Version
		if err := fn(acct); err != nil {
			return nil, err
		}
		acct.AccountNumber = number
		saved, err := s.put(ctx, acct, strconv.FormatInt(version, 10))
		if errors.Is(err, store.ErrConflict) {
			s.logger.Debug("Account version conflict, retrying",
				zap.String("account", number),
				zap.Int("attempt", i+1))
			continue
		}
		if err != nil {
			return nil, err
		}
		return saved, nil
	}
	return nil, fmt.Errorf("account %s: %w", number, store.ErrConflict)
}

type clientDTO struct {
	Name       string `json:"name"`
	Addr       string `json:"addr"`
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
	VendorID   uint32 `json:"vendor_id"`
	CoAPort    int    `json:"coa_port"`
}

// FindClient fetches GET /clients?addr=&nas_id=
func (s *Store) FindClient(ctx context.Context, nasIP net.IP, nasID string) (*store.Client, error) {
	var dto clientDTO
	addr := ""
	if nasIP != nil {
		addr = nasIP.String()
	}
	_, err := s.do(func() (*resty.Response, error) {
		return s.http.R().
			SetContext(ctx).
			SetQueryParam("addr", addr).
			SetQueryParam("nas_id", nasID).
			SetResult(&dto).
			Get("/clients")
	})
	if statusCode(err) == http.StatusNotFound {
		return nil, fmt.Errorf("client %v/%q: %w", nasIP, nasID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load client: %w", err)
	}
	c := &store.Client{
		Name:       dto.Name,
		Identifier: dto.Identifier,
		Secret:     dto.Secret,
		VendorID:   dto.VendorID,
		CoAPort:    dto.CoAPort,
	}
	if dto.Addr != "" {
		c.Addr = net.ParseIP(dto.Addr)
	}
	return c, nil
}

// WriteTicket posts the ticket to POST /tickets
func (s *Store) WriteTicket(ctx context.Context, t *session.Ticket) error {
	_, err := s.do(func() (*resty.Response, error) {
		return s.http.R().
			SetContext(ctx).
			SetBody(t).
			Post("/tickets")
	})
	if err != nil {
		return fmt.Errorf("write ticket %s: %w", t.ID, err)
	}
	return nil
}

// State reports the breaker state
func (s *Store) State() gobreaker.State {
	return s.cb.State()
}
