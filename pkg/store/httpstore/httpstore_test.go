package httpstore

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/radiusd/pkg/session"
	"github.com/codelaboratoryltd/radiusd/pkg/store"
)

type backend struct {
	mu       sync.Mutex
	accounts map[string]store.Account
	tickets  []session.Ticket
	// conflicts forces this many 412 answers before accepting a PUT
	conflicts int
	fail      bool
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	switch {
	case strings.HasPrefix(r.URL.Path, "/accounts/"):
		number := strings.TrimPrefix(r.URL.Path, "/accounts/")
		cur, ok := b.accounts[number]
		switch r.Method {
		case http.MethodGet:
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(cur)
		case http.MethodPut:
			if m := r.Header.Get("If-Match"); m != "" {
				if !ok {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				if b.conflicts > 0 || m != strconv.FormatInt(cur.Version, 10) {
					b.conflicts--
					w.WriteHeader(http.StatusPreconditionFailed)
					return
				}
			}
			var a store.Account
			if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			a.Version = cur.Version + 1
			b.accounts[number] = a
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(a)
		}
	case r.URL.Path == "/clients":
		if r.URL.Query().Get("addr") != "10.0.0.1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(clientDTO{Name: "bras1", Addr: "10.0.0.1", Secret: "s1", VendorID: 9})
	case r.URL.Path == "/tickets":
		var t session.Ticket
		json.NewDecoder(r.Body).Decode(&t)
		b.tickets = append(b.tickets, t)
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (b *backend) account(n string) store.Account {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accounts[n]
}

func (b *backend) set(fn func(b *backend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *backend) ticketList() []session.Ticket {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]session.Ticket(nil), b.tickets...)
}

func newTest(t *testing.T) (*Store, *backend) {
	t.Helper()
	b := &backend{accounts: map[string]store.Account{
		"alice": {AccountNumber: "alice", Policy: store.PolicyBoughtFlow, FlowLength: 2000, Version: 3},
	}}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", FailureThreshold: 2, OpenTimeout: time.Minute}, nil), b
}

func TestFindAccount(t *testing.T) {
	s, _ := newTest(t)
	ctx := context.Background()

	a, err := s.FindAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), a.FlowLength)
	assert.Equal(t, int64(3), a.Version)

	_, err = s.FindAccount(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdate(t *testing.T) {
	s, b := newTest(t)
	ctx := context.Background()

	a, err := s.Update(ctx, "alice", func(a *store.Account) error {
		a.FlowLength -= 1500
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), a.FlowLength)
	assert.Equal(t, int64(4), a.Version)
	assert.Equal(t, int64(500), b.account("alice").FlowLength)
}

func TestUpdateRetriesOnPreconditionFailed(t *testing.T) {
	s, b := newTest(t)
	b.set(func(b *backend) { b.conflicts = 2 })
	calls := 0

	a, err := s.Update(context.Background(), "alice", func(a *store.Account) error {
		calls++
		a.FlowLength -= 100
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, int64(1900), a.FlowLength)

	b.set(func(b *backend) { b.conflicts = store.MaxUpdateAttempts })
	_, err = s.Update(context.Background(), "alice", func(*store.Account) error { return nil })
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestSaveAccount(t *testing.T) {
	s, b := newTest(t)
	acct := &store.Account{AccountNumber: "bob", Status: store.StatusNormal}
	require.NoError(t, s.SaveAccount(context.Background(), acct))
	assert.Equal(t, int64(1), acct.Version)
	assert.Equal(t, store.StatusNormal, b.account("bob").Status)
}

func TestFindClient(t *testing.T) {
	s, _ := newTest(t)
	c, err := s.FindClient(context.Background(), net.ParseIP("10.0.0.1"), "")
	require.NoError(t, err)
	assert.Equal(t, "s1", c.Secret)
	assert.Equal(t, uint32(9), c.VendorID)
	assert.True(t, c.Addr.Equal(net.ParseIP("10.0.0.1")))

	_, err = s.FindClient(context.Background(), net.ParseIP("10.0.0.2"), "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWriteTicket(t *testing.T) {
	s, b := newTest(t)
	tk := session.NewTicket(session.Online{AccountNumber: "alice", AcctSessionID: "S1"}, time.Now(), 1, true)
	require.NoError(t, s.WriteTicket(context.Background(), tk))
	tickets := b.ticketList()
	require.Len(t, tickets, 1)
	assert.Equal(t, tk.ID, tickets[0].ID)
}

func TestBreakerOpens(t *testing.T) {
	s, b := newTest(t)
	b.set(func(b *backend) { b.fail = true })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.FindAccount(ctx, "alice")
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, gobreaker.StateOpen, s.State())

	// an open breaker rejects even when the backend has recovered
	b.set(func(b *backend) { b.fail = false })
	_, err := s.FindAccount(ctx, "alice")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNotFoundDoesNotTrip(t *testing.T) {
	s, _ := newTest(t)
	for i := 0; i < 5; i++ {
		_, err := s.FindAccount(context.Background(), "nobody")
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, s.State())
}
