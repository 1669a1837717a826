// Package redisstore keeps accounts, NAS clients and tickets in Redis
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codelaboratoryltd/radiusd/pkg/session"
	"github.com/codelaboratoryltd/radiusd/pkg/store"
)

// Key prefixes
const (
	KeyPrefixAccount = "account:"
	KeyPrefixClient  = "client:"
	KeyPrefixNASID   = "nasid:"
	KeyTickets       = "tickets"
)

// Store implements the store interfaces on a Redis hash per record
type Store struct {
	rdb *redis.Client
}

// New wraps an existing client
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Dial connects to addr and pings the server
func Dial(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Store{rdb: rdb}, nil
}

// Close closes the connection pool
func (s *Store) Close() error {
	return s.rdb.Close()
}

// FindAccount loads an account hash
func (s *Store) FindAccount(ctx context.Context, number string) (*store.Account, error) {
	return findAccount(ctx, s.rdb, number)
}

type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func findAccount(ctx context.Context, c hashGetter, number string) (*store.Account, error) {
	fields, err := c.HGetAll(ctx, KeyPrefixAccount+number).Result()
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", number, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("account %s: %w", number, store.ErrNotFound)
	}
	return decodeAccount(number, fields)
}

// SaveAccount overwrites an account and bumps its version
func (s *Store) SaveAccount(ctx context.Context, acct *store.Account) error {
	key := KeyPrefixAccount + acct.AccountNumber
	version, err := s.rdb.HIncrBy(ctx, key, "version", 1).Result()
	if err != nil {
		return fmt.Errorf("save account %s: %w", acct.AccountNumber, err)
	}
	acct.Version = version
	if err := s.rdb.HSet(ctx, key, encodeAccount(acct)).Err(); err != nil {
		return fmt.Errorf("save account %s: %w", acct.AccountNumber, err)
	}
	return nil
}

// Update runs fn inside an optimistic WATCH transaction, retrying when the
// key changes under it
func (s *Store) Update(ctx context.Context, number string, fn func(*store.Account) error) (*store.Account, error) {
	key := KeyPrefixAccount + number
	var result *store.Account

	txf := func(tx *redis.Tx) error {
		acct, err := findAccount(ctx, tx, number)
		if err != nil {
			return err
		}
		if err := fn(acct); err != nil {
			return err
		}
		acct.AccountNumber = number
		acct.Version++
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeAccount(acct))
			return nil
		})
		if err == nil {
			result = acct
		}
		return err
	}

	for i := 0; i < store.MaxUpdateAttempts; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("account %s: %w", number, store.ErrConflict)
}

// PutClient registers a NAS client. Clients without an address are stored
// under their NAS-Identifier.
func (s *Store) PutClient(ctx context.Context, c *store.Client) error {
	fields := map[string]any{
		"name":       c.Name,
		"identifier": c.Identifier,
		"secret":     c.Secret,
		"vendor_id":  c.VendorID,
		"coa_port":   c.CoAPort,
	}
	key := KeyPrefixClient + KeyPrefixNASID + c.Identifier
	if c.Addr != nil {
		fields["addr"] = c.Addr.String()
		key = KeyPrefixClient + c.Addr.String()
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if c.Identifier != "" {
		pipe.Set(ctx, KeyPrefixNASID+c.Identifier, key, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save client %s: %w", c.Name, err)
	}
	return nil
}

// FindClient looks the client up by address, then by NAS-Identifier
func (s *Store) FindClient(ctx context.Context, nasIP net.IP, nasID string) (*store.Client, error) {
	if nasIP != nil {
		c, err := s.clientAt(ctx, KeyPrefixClient+nasIP.String())
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if nasID == "" {
		return nil, fmt.Errorf("client %v: %w", nasIP, store.ErrNotFound)
	}

	key, err := s.rdb.Get(ctx, KeyPrefixNASID+nasID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("client %v/%q: %w", nasIP, nasID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("lookup client %q: %w", nasID, err)
	}
	return s.clientAt(ctx, key)
}

func (s *Store) clientAt(ctx context.Context, key string) (*store.Client, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("load client %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("client %s: %w", key, store.ErrNotFound)
	}
	c := &store.Client{
		Name:       fields["name"],
		Identifier: fields["identifier"],
		Secret:     fields["secret"],
	}
	if a := fields["addr"]; a != "" {
		c.Addr = net.ParseIP(a)
	}
	if v, err := strconv.ParseUint(fields["vendor_id"], 10, 32); err == nil {
		c.VendorID = uint32(v)
	}
	if v, err := strconv.Atoi(fields["coa_port"]); err == nil {
		c.CoAPort = v
	}
	return c, nil
}

// WriteTicket appends the ticket as JSON to the ticket list
func (s *Store) WriteTicket(ctx context.Context, t *session.Ticket) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := s.rdb.RPush(ctx, KeyTickets, b).Err(); err != nil {
		return fmt.Errorf("write ticket %s: %w", t.ID, err)
	}
	return nil
}

// Tickets reads back every stored ticket
func (s *Store) Tickets(ctx context.Context) ([]session.Ticket, error) {
	raw, err := s.rdb.LRange(ctx, KeyTickets, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]session.Ticket, 0, len(raw))
	for _, r := range raw {
		var t session.Ticket
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, fmt.Errorf("decode ticket: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func encodeAccount(a *store.Account) map[string]any {
	expire := int64(0)
	if !a.ExpireDate.IsZero() {
		expire = a.ExpireDate.Unix()
	}
	return map[string]any{
		"password":         a.Password,
		"status":           string(a.Status),
		"policy":           string(a.Policy),
		"balance":          a.Balance,
		"time_length":      a.TimeLength,
		"flow_length":      a.FlowLength,
		"expire_date":      expire,
		"version":          a.Version,
		"input_rate_kbps":  a.InputRateKbps,
		"output_rate_kbps": a.OutputRateKbps,
		"bind_mac":         strconv.FormatBool(a.BindMAC),
		"mac_addr":         a.MacAddr,
		"online_limit":     a.OnlineLimit,
	}
}

func decodeAccount(number string, f map[string]string) (*store.Account, error) {
	a := &store.Account{
		AccountNumber: number,
		Password:      f["password"],
		Status:        store.AccountStatus(f["status"]),
		Policy:        store.BillingPolicy(f["policy"]),
		MacAddr:       f["mac_addr"],
	}
	ints := []struct {
		name string
		dst  *int64
	}{
		{"balance", &a.Balance},
		{"time_length", &a.TimeLength},
		{"flow_length", &a.FlowLength},
		{"version", &a.Version},
		{"input_rate_kbps", &a.InputRateKbps},
		{"output_rate_kbps", &a.OutputRateKbps},
	}
	for _, i := range ints {
		v := f[i.name]
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("account %s field %s: %w", number, i.name, err)
		}
		*i.dst = n
	}
	if v := f["expire_date"]; v != "" && v != "0" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("account %s field expire_date: %w", number, err)
		}
		a.ExpireDate = time.Unix(n, 0).UTC()
	}
	if v := f["online_limit"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("account %s field online_limit: %w", number, err)
		}
		a.OnlineLimit = n
	}
	a.BindMAC, _ = strconv.ParseBool(f["bind_mac"])
	return a, nil
}
