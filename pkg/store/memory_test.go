package store

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/radiusd/pkg/session"
)

func TestMemoryAccounts(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAccounts(&Account{AccountNumber: "alice", Password: "pw", Policy: PolicyBoughtFlow, FlowLength: 2000})

	a, err := repo.FindAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), a.FlowLength)

	a.FlowLength = 1
	again, _ := repo.FindAccount(ctx, "alice")
	assert.Equal(t, int64(2000), again.FlowLength, "FindAccount must return a copy")

	_, err = repo.FindAccount(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	updated, err := repo.Update(ctx, "alice", func(a *Account) error {
		a.FlowLength -= 1500
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), updated.FlowLength)
	assert.Equal(t, int64(1), updated.Version)

	boom := errors.New("boom")
	_, err = repo.Update(ctx, "alice", func(*Account) error { return boom })
	assert.ErrorIs(t, err, boom)
	a, _ = repo.FindAccount(ctx, "alice")
	assert.Equal(t, int64(500), a.FlowLength, "failed update must not be stored")

	_, err = repo.Update(ctx, "nobody", func(*Account) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.SaveAccount(ctx, &Account{AccountNumber: "bob", Status: StatusNormal}))
	b, err := repo.FindAccount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusNormal, b.Status)
}

func TestMemoryAccountsConcurrentUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAccounts(&Account{AccountNumber: "alice", TimeLength: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Update(ctx, "alice", func(a *Account) error {
				a.TimeLength -= 10
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	a, _ := repo.FindAccount(ctx, "alice")
	assert.Equal(t, int64(500), a.TimeLength)
	assert.Equal(t, int64(50), a.Version)
}

func TestMemoryClients(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryClients(
		&Client{Name: "bras1", Addr: net.ParseIP("10.0.0.1"), Secret: "s1", VendorID: 14988},
		&Client{Name: "ap", Identifier: "ap-7", Secret: "s2"},
	)

	c, err := reg.FindClient(ctx, net.ParseIP("10.0.0.1"), "")
	require.NoError(t, err)
	assert.Equal(t, "s1", c.Secret)

	c, err = reg.FindClient(ctx, net.ParseIP("10.9.9.9"), "ap-7")
	require.NoError(t, err)
	assert.Equal(t, "ap", c.Name)

	_, err = reg.FindClient(ctx, net.ParseIP("10.9.9.9"), "")
	assert.ErrorIs(t, err, ErrNotFound)

	reg.Add(&Client{Name: "any", Secret: "catch-all"})
	c, err = reg.FindClient(ctx, net.ParseIP("10.9.9.9"), "")
	require.NoError(t, err)
	assert.Equal(t, "catch-all", c.Secret)
	assert.Equal(t, "10.9.9.9", c.Addr.String())
}

func TestMemoryTickets(t *testing.T) {
	ctx := context.Background()
	sink := NewMemoryTickets()
	now := time.Now()

	require.NoError(t, sink.WriteTicket(ctx, &session.Ticket{ID: "1", AccountNumber: "alice", AcctStopTime: now.Add(-time.Hour)}))
	require.NoError(t, sink.WriteTicket(ctx, &session.Ticket{ID: "2", AccountNumber: "alice", AcctStopTime: now}))
	require.NoError(t, sink.WriteTicket(ctx, &session.Ticket{ID: "3", AccountNumber: "bob", AcctStopTime: now}))

	assert.Len(t, sink.Tickets(), 3)
	alice := sink.ByAccount("alice")
	require.Len(t, alice, 2)
	assert.Equal(t, "2", alice[0].ID)
}

type failingSink struct{ err error }

func (f failingSink) WriteTicket(context.Context, *session.Ticket) error { return f.err }

func TestTeeTickets(t *testing.T) {
	ctx := context.Background()
	first, second := NewMemoryTickets(), NewMemoryTickets()
	boom := errors.New("disk full")

	tee := TeeTickets{first, failingSink{boom}, second}
	err := tee.WriteTicket(ctx, &session.Ticket{ID: "1", AccountNumber: "alice"})
	require.ErrorIs(t, err, boom)

	assert.Len(t, first.Tickets(), 1)
	assert.Len(t, second.Tickets(), 1)

	require.NoError(t, TeeTickets{first}.WriteTicket(ctx, &session.Ticket{ID: "2"}))
	assert.Len(t, first.Tickets(), 2)
}

func TestBillingPolicy(t *testing.T) {
	assert.True(t, PolicyPrepaidMonthly.IsMonthly())
	assert.True(t, PolicyBoughtTime.IsTime())
	assert.True(t, PolicyPrepaidFlow.IsFlow())
	assert.False(t, BillingPolicy("free").Valid())
}
