package redisstore

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/radiusd/pkg/session"
	"github.com/codelaboratoryltd/radiusd/pkg/store"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := Dial(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestDialError(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1:1", "", 0)
	assert.Error(t, err)
}

func TestAccountRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	expire := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	in := &store.Account{
		AccountNumber: "alice",
		Password:      "secret",
		Status:        store.StatusNormal,
		Policy:        store.PolicyBoughtFlow,
		FlowLength:    2000,
		ExpireDate:    expire,
		InputRateKbps: 1024,
		BindMAC:       true,
		MacAddr:       "aa:bb:cc:dd:ee:ff",
		OnlineLimit:   2,
	}
	require.NoError(t, s.SaveAccount(ctx, in))
	assert.Equal(t, int64(1), in.Version)

	out, err := s.FindAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = s.FindAccount(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAccountReadsSeededHash(t *testing.T) {
	s, mr := newTestStore(t)
	mr.HSet("account:bob", "password", "pw", "status", "normal", "policy", "prepaid-time", "time_length", "3600")

	a, err := s.FindAccount(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(3600), a.TimeLength)
	assert.True(t, a.ExpireDate.IsZero())

	mr.HSet("account:bad", "time_length", "lots")
	_, err = s.FindAccount(context.Background(), "bad")
	assert.Error(t, err)
}

func TestUpdate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveAccount(ctx, &store.Account{AccountNumber: "alice", FlowLength: 2000}))

	a, err := s.Update(ctx, "alice", func(a *store.Account) error {
		a.FlowLength -= 1500
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), a.FlowLength)
	assert.Equal(t, int64(2), a.Version)

	boom := errors.New("boom")
	_, err = s.Update(ctx, "alice", func(*store.Account) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = s.Update(ctx, "nobody", func(*store.Account) error { return nil })
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateConcurrent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveAccount(ctx, &store.Account{AccountNumber: "alice", TimeLength: 1000}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "alice", func(a *store.Account) error {
				a.TimeLength -= 100
				return nil
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, store.ErrConflict)
			}
		}()
	}
	wg.Wait()

	a, err := s.FindAccount(ctx, "alice")
	require.NoError(t, err)
	// every successful update is applied exactly once
	assert.Equal(t, int64(1000-100*ok), a.TimeLength)
}

func TestUpdateConflictExhausted(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close(); other.Close() })
	s := New(rdb)
	ctx := context.Background()
	require.NoError(t, s.SaveAccount(ctx, &store.Account{AccountNumber: "alice", TimeLength: 1000}))

	calls := 0
	_, err := s.Update(ctx, "alice", func(a *store.Account) error {
		calls++
		// a competing writer touches the key inside every attempt
		other.HSet(ctx, "account:alice", "balance", calls)
		a.TimeLength--
		return nil
	})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, store.MaxUpdateAttempts, calls)
}

func TestClients(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutClient(ctx, &store.Client{
		Name: "bras1", Addr: net.ParseIP("10.0.0.1"), Identifier: "bras-1",
		Secret: "s1", VendorID: 14988, CoAPort: 3799,
	}))
	require.NoError(t, s.PutClient(ctx, &store.Client{Name: "ap", Identifier: "ap-7", Secret: "s2"}))

	c, err := s.FindClient(ctx, net.ParseIP("10.0.0.1"), "")
	require.NoError(t, err)
	assert.Equal(t, "s1", c.Secret)
	assert.Equal(t, uint32(14988), c.VendorID)
	assert.Equal(t, 3799, c.CoAPort)

	c, err = s.FindClient(ctx, net.ParseIP("10.9.9.9"), "bras-1")
	require.NoError(t, err)
	assert.Equal(t, "bras1", c.Name)

	c, err = s.FindClient(ctx, net.ParseIP("10.9.9.9"), "ap-7")
	require.NoError(t, err)
	assert.Equal(t, "s2", c.Secret)
	assert.Nil(t, c.Addr)

	_, err = s.FindClient(ctx, net.ParseIP("10.9.9.9"), "unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.FindClient(ctx, net.ParseIP("10.9.9.9"), "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// hashes seeded by an operator tool are readable too
	mr.HSet("client:192.168.1.1", "secret", "testing123")
	c, err = s.FindClient(ctx, net.ParseIP("192.168.1.1"), "")
	require.NoError(t, err)
	assert.Equal(t, "testing123", c.Secret)
}

func TestTickets(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	o := session.Online{AccountNumber: "alice", NasAddr: "10.0.0.1", AcctSessionID: "S1", BillingTimes: 120}
	tk := session.NewTicket(o, time.Now().UTC().Truncate(time.Second), 1, true)
	require.NoError(t, s.WriteTicket(ctx, tk))

	all, err := s.Tickets(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, tk.ID, all[0].ID)
	assert.Equal(t, int64(120), all[0].SessionTime)
	assert.True(t, tk.AcctStopTime.Equal(all[0].AcctStopTime))
}
