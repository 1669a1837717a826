//go:generate mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks

package store

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/codelaboratoryltd/radiusd/pkg/session"
)

var (
	// ErrNotFound is returned when an account or client does not exist
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a compare-and-swap update keeps losing
	ErrConflict = errors.New("store: concurrent update conflict")
)

// AccountStatus is the administrative state of an account
type AccountStatus string

const (
	StatusPreAuth   AccountStatus = "pre-auth"
	StatusNormal    AccountStatus = "normal"
	StatusPaused    AccountStatus = "paused"
	StatusCancelled AccountStatus = "cancelled"
	StatusExpired   AccountStatus = "expired"
)

// BillingPolicy selects how usage is charged
type BillingPolicy string

const (
	PolicyPrepaidMonthly BillingPolicy = "prepaid-monthly"
	PolicyPrepaidTime    BillingPolicy = "prepaid-time"
	PolicyBoughtMonthly  BillingPolicy = "bought-monthly"
	PolicyBoughtTime     BillingPolicy = "bought-time"
	PolicyPrepaidFlow    BillingPolicy = "prepaid-flow"
	PolicyBoughtFlow     BillingPolicy = "bought-flow"
)

// IsMonthly reports whether validity is governed by the expiry date only
func (p BillingPolicy) IsMonthly() bool {
	return p == PolicyPrepaidMonthly || p == PolicyBoughtMonthly
}

// IsTime reports whether the policy meters session seconds
func (p BillingPolicy) IsTime() bool {
	return p == PolicyPrepaidTime || p == PolicyBoughtTime
}

// IsFlow reports whether the policy meters data volume
func (p BillingPolicy) IsFlow() bool {
	return p == PolicyPrepaidFlow || p == PolicyBoughtFlow
}

// Valid reports whether p is a known policy
func (p BillingPolicy) Valid() bool {
	return p.IsMonthly() || p.IsTime() || p.IsFlow()
}

// Account is a subscriber account
type Account struct {
	AccountNumber string        `json:"account_number"`
	Password      string        `json:"password"`
	Status        AccountStatus `json:"status"`
	Policy        BillingPolicy `json:"policy"`
	Balance       int64         `json:"balance"`
	TimeLength    int64         `json:"time_length"` // seconds
	FlowLength    int64         `json:"flow_length"` // KiB
	ExpireDate    time.Time     `json:"expire_date"`
	Version       int64         `json:"version"`

	InputRateKbps  int64  `json:"input_rate_kbps"`
	OutputRateKbps int64  `json:"output_rate_kbps"`
	BindMAC        bool   `json:"bind_mac"`
	MacAddr        string `json:"mac_addr"`
	OnlineLimit    int    `json:"online_limit"`
}

// Clone returns a copy of a
func (a *Account) Clone() *Account {
	c := *a
	return &c
}

// Client is a NAS allowed to talk to the server
type Client struct {
	Name       string `json:"name" yaml:"name"`
	Addr       net.IP `json:"addr" yaml:"-"`
	Identifier string `json:"identifier" yaml:"identifier"`
	Secret     string `json:"secret" yaml:"secret"`
	VendorID   uint32 `json:"vendor_id" yaml:"vendor_id"`
	CoAPort    int    `json:"coa_port" yaml:"coa_port"`
}

// AccountRepository loads and atomically updates accounts
type AccountRepository interface {
	FindAccount(ctx context.Context, number string) (*Account, error)
	SaveAccount(ctx context.Context, acct *Account) error
	// Update loads the account, applies fn to a copy and stores the result
	// only if nobody else changed the account meanwhile. fn may be invoked
	// more than once. The stored account is returned.
	Update(ctx context.Context, number string, fn func(*Account) error) (*Account, error)
}

// ClientRegistry resolves NAS clients by source address, then by
// NAS-Identifier
type ClientRegistry interface {
	FindClient(ctx context.Context, nasIP net.IP, nasID string) (*Client, error)
}

// TicketSink stores closed-session records. It is append-only.
type TicketSink interface {
	WriteTicket(ctx context.Context, t *session.Ticket) error
}

// TeeTickets writes every ticket to each sink in order. A failing sink does
// not stop the others; the errors are joined.
type TeeTickets []TicketSink

// WriteTicket implements TicketSink
func (s TeeTickets) WriteTicket(ctx context.Context, t *session.Ticket) error {
	var errs []error
	for _, sink := range s {
		if err := sink.WriteTicket(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MaxUpdateAttempts bounds compare-and-swap retries in Update
const MaxUpdateAttempts = 8
