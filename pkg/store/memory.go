package store

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/codelaboratoryltd/radiusd/pkg/session"
)

// MemoryAccounts is an in-memory AccountRepository for tests and small
// deployments
type MemoryAccounts struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewMemoryAccounts creates a repository preloaded with accounts
func NewMemoryAccounts(accounts ...*Account) *MemoryAccounts {
	m := &MemoryAccounts{accounts: make(map[string]*Account)}
	for _, a := range accounts {
		m.accounts[a.AccountNumber] = a.Clone()
	}
	return m
}

// FindAccount returns a copy of the account
func (m *MemoryAccounts) FindAccount(ctx context.Context, number string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[number]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", number, ErrNotFound)
	}
	return a.Clone(), nil
}

// SaveAccount stores the account unconditionally and bumps its version
func (m *MemoryAccounts) SaveAccount(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := acct.Clone()
	if old, ok := m.accounts[acct.AccountNumber]; ok {
		c.Version = old.Version + 1
	}
	m.accounts[acct.AccountNumber] = c
	acct.Version = c.Version
	return nil
}

// Update applies fn under the repository lock
func (m *MemoryAccounts) Update(ctx context.Context, number string, fn func(*Account) error) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[number]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", number, ErrNotFound)
	}
	c := a.Clone()
	if err := fn(c); err != nil {
		return nil, err
	}
	c.AccountNumber = number
	c.Version = a.Version + 1
	m.accounts[number] = c
	return c.Clone(), nil
}

// MemoryClients is a static ClientRegistry
type MemoryClients struct {
	mu       sync.RWMutex
	byAddr   map[string]*Client
	byNASID  map[string]*Client
	fallback *Client
}

// NewMemoryClients creates a registry from a list of clients. A client with
// no address and no identifier acts as a catch-all.
func NewMemoryClients(clients ...*Client) *MemoryClients {
	m := &MemoryClients{
		byAddr:  make(map[string]*Client),
		byNASID: make(map[string]*Client),
	}
	for _, c := range clients {
		m.Add(c)
	}
	return m
}

// Add registers a client
func (m *MemoryClients) Add(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cc := *c
	switch {
	case cc.Addr != nil:
		m.byAddr[cc.Addr.String()] = &cc
		if cc.Identifier != "" {
			m.byNASID[cc.Identifier] = &cc
		}
	case cc.Identifier != "":
		m.byNASID[cc.Identifier] = &cc
	default:
		m.fallback = &cc
	}
}

// FindClient looks the client up by source address, then NAS-Identifier
func (m *MemoryClients) FindClient(ctx context.Context, nasIP net.IP, nasID string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if nasIP != nil {
		if c, ok := m.byAddr[nasIP.String()]; ok {
			cc := *c
			return &cc, nil
		}
	}
	if nasID != "" {
		if c, ok := m.byNASID[nasID]; ok {
			cc := *c
			return &cc, nil
		}
	}
	if m.fallback != nil {
		cc := *m.fallback
		cc.Addr = nasIP
		return &cc, nil
	}
	return nil, fmt.Errorf("client %v/%q: %w", nasIP, nasID, ErrNotFound)
}

// MemoryTickets is an append-only in-memory TicketSink
type MemoryTickets struct {
	mu      sync.RWMutex
	tickets []*session.Ticket

	// Index by account
	byAccount map[string][]int
}

// NewMemoryTickets creates an empty ticket sink
func NewMemoryTickets() *MemoryTickets {
	return &MemoryTickets{byAccount: make(map[string][]int)}
}

// WriteTicket appends a ticket
func (m *MemoryTickets) WriteTicket(ctx context.Context, t *session.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc := *t
	m.tickets = append(m.tickets, &tc)
	m.byAccount[t.AccountNumber] = append(m.byAccount[t.AccountNumber], len(m.tickets)-1)
	return nil
}

// Tickets returns every ticket in write order
func (m *MemoryTickets) Tickets() []session.Ticket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]session.Ticket, 0, len(m.tickets))
	for _, t := range m.tickets {
		out = append(out, *t)
	}
	return out
}

// ByAccount returns the tickets of one account, most recent stop first
func (m *MemoryTickets) ByAccount(account string) []session.Ticket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []session.Ticket
	for _, i := range m.byAccount[account] {
		out = append(out, *m.tickets[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AcctStopTime.After(out[j].AcctStopTime)
	})
	return out
}
