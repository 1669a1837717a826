// Package sqlstore keeps accounts, NAS clients and tickets in SQLite
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codelaboratoryltd/radiusd/pkg/session"
	"github.com/codelaboratoryltd/radiusd/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_number TEXT PRIMARY KEY,
	password TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'normal',
	policy TEXT NOT NULL DEFAULT '',
	balance INTEGER NOT NULL DEFAULT 0,
	time_length INTEGER NOT NULL DEFAULT 0,
	flow_length INTEGER NOT NULL DEFAULT 0,
	expire_date INTEGER NOT NULL DEFAULT 0,
	input_rate_kbps INTEGER NOT NULL DEFAULT 0,
	output_rate_kbps INTEGER NOT NULL DEFAULT 0,
	bind_mac INTEGER NOT NULL DEFAULT 0,
	mac_addr TEXT NOT NULL DEFAULT '',
	online_limit INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS clients (
	name TEXT NOT NULL,
	addr TEXT NOT NULL DEFAULT '',
	identifier TEXT NOT NULL DEFAULT '',
	secret TEXT NOT NULL,
	vendor_id INTEGER NOT NULL DEFAULT 0,
	coa_port INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_clients_addr ON clients(addr);
CREATE INDEX IF NOT EXISTS idx_clients_identifier ON clients(identifier);
CREATE TABLE IF NOT EXISTS tickets (
	id TEXT PRIMARY KEY,
	account_number TEXT NOT NULL,
	nas_addr TEXT NOT NULL,
	nas_port_id TEXT NOT NULL DEFAULT '',
	acct_session_id TEXT NOT NULL,
	framed_ip_addr TEXT NOT NULL DEFAULT '',
	mac_addr TEXT NOT NULL DEFAULT '',
	start_source TEXT NOT NULL DEFAULT '',
	acct_start_time INTEGER NOT NULL,
	acct_stop_time INTEGER NOT NULL,
	session_time INTEGER NOT NULL,
	input_total INTEGER NOT NULL,
	output_total INTEGER NOT NULL,
	terminate_cause INTEGER NOT NULL,
	billed INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tickets_account ON tickets(account_number);
`

// Store implements the store interfaces on a SQLite database
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" keeps everything
// in process.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; a single connection also keeps :memory:
	// databases shared.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

const accountColumns = `account_number, password, status, policy, balance, time_length, flow_length,
	expire_date, input_rate_kbps, output_rate_kbps, bind_mac, mac_addr, online_limit, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (*store.Account, error) {
	var (
		a      store.Account
		expire int64
		status string
		policy string
	)
	err := r.Scan(&a.AccountNumber, &a.Password, &status, &policy, &a.Balance, &a.TimeLength,
		&a.FlowLength, &expire, &a.InputRateKbps, &a.OutputRateKbps, &a.BindMAC, &a.MacAddr,
		&a.OnlineLimit, &a.Version)
	if err != nil {
		return nil, err
	}
	a.Status = store.AccountStatus(status)
	a.Policy = store.BillingPolicy(policy)
	if expire != 0 {
		a.ExpireDate = time.Unix(expire, 0).UTC()
	}
	return &a, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// FindAccount loads an account row
func (s *Store) FindAccount(ctx context.Context, number string) (*store.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_number = ?`, number)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", number, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", number, err)
	}
	return a, nil
}

// SaveAccount inserts or replaces an account, bumping its version
func (s *Store) SaveAccount(ctx context.Context, a *store.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(account_number) DO UPDATE SET
			password = excluded.password,
			status = excluded.status,
			policy = excluded.policy,
			balance = excluded.balance,
			time_length = excluded.time_length,
			flow_length = excluded.flow_length,
			expire_date = excluded.expire_date,
			input_rate_kbps = excluded.input_rate_kbps,
			output_rate_kbps = excluded.output_rate_kbps,
			bind_mac = excluded.bind_mac,
			mac_addr = excluded.mac_addr,
			online_limit = excluded.online_limit,
			version = accounts.version + 1
	`, a.AccountNumber, a.Password, string(a.Status), string(a.Policy), a.Balance, a.TimeLength,
		a.FlowLength, unixOrZero(a.ExpireDate), a.InputRateKbps, a.OutputRateKbps, a.BindMAC,
		a.MacAddr, a.OnlineLimit)
	if err != nil {
		return fmt.Errorf("save account %s: %w", a.AccountNumber, err)
	}
	return s.db.QueryRowContext(ctx, `SELECT version FROM accounts WHERE account_number = ?`,
		a.AccountNumber).Scan(&a.Version)
}

// Update applies fn and writes the result guarded by the version column
func (s *Store) Update(ctx context.Context, number string, fn func(*store.Account) error) (*store.Account, error) {
	for i := 0; i < store.MaxUpdateAttempts; i++ {
		a, err := s.FindAccount(ctx, number)
		if err != nil {
			return nil, err
		}
		version := a.Version
		if err := fn(a); err != nil {
			return nil, err
		}
		a.AccountNumber = number
		res, err := s.db.ExecContext(ctx, `
			UPDATE accounts SET
				password = ?, status = ?, policy = ?, balance = ?, time_length = ?, flow_length = ?,
				expire_date = ?, input_rate_kbps = ?, output_rate_kbps = ?, bind_mac = ?,
				mac_addr = ?, online_limit = ?, version = version + 1
			WHERE account_number = ? AND version = ?
		`, a.Password, string(a.Status), string(a.Policy), a.Balance, a.TimeLength, a.FlowLength,
			unixOrZero(a.ExpireDate), a.InputRateKbps, a.OutputRateKbps, a.BindMAC, a.MacAddr,
			a.OnlineLimit, number, version)
		if err != nil {
			return nil, fmt.Errorf("update account %s: %w", number, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			a.Version = version + 1
			return a, nil
		}
	}
	return nil, fmt.Errorf("account %s: %w", number, store.ErrConflict)
}

// PutClient registers a NAS client
func (s *Store) PutClient(ctx context.Context, c *store.Client) error {
	addr := ""
	if c.Addr != nil {
		addr = c.Addr.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (name, addr, identifier, secret, vendor_id, coa_port)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.Name, addr, c.Identifier, c.Secret, c.VendorID, c.CoAPort)
	if err != nil {
		return fmt.Errorf("save client %s: %w", c.Name, err)
	}
	return nil
}

// FindClient looks the client up by address, then by NAS-Identifier
func (s *Store) FindClient(ctx context.Context, nasIP net.IP, nasID string) (*store.Client, error) {
	addr := ""
	if nasIP != nil {
		addr = nasIP.String()
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT name, addr, identifier, secret, vendor_id, coa_port FROM clients
		WHERE (addr = ? AND addr != '') OR (identifier = ? AND identifier != '')
		ORDER BY CASE WHEN addr = ? THEN 0 ELSE 1 END
		LIMIT 1
	`, addr, nasID, addr)

	var (
		c     store.Client
		cAddr string
	)
	err := row.Scan(&c.Name, &cAddr, &c.Identifier, &c.Secret, &c.VendorID, &c.CoAPort)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("client %v/%q: %w", nasIP, nasID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load client: %w", err)
	}
	if cAddr != "" {
		c.Addr = net.ParseIP(cAddr)
	}
	return &c, nil
}

// WriteTicket inserts a ticket row
func (s *Store) WriteTicket(ctx context.Context, t *session.Ticket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tickets (id, account_number, nas_addr, nas_port_id, acct_session_id,
			framed_ip_addr, mac_addr, start_source, acct_start_time, acct_stop_time,
			session_time, input_total, output_total, terminate_cause, billed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.AccountNumber, t.NasAddr, t.NasPortID, t.AcctSessionID, t.FramedIPAddr, t.MacAddr,
		string(t.StartSource), unixOrZero(t.AcctStartTime), unixOrZero(t.AcctStopTime),
		t.SessionTime, t.InputTotal, t.OutputTotal, t.TerminateCause, t.Billed)
	if err != nil {
		return fmt.Errorf("write ticket %s: %w", t.ID, err)
	}
	return nil
}

// TicketsByAccount returns an account's tickets, most recent stop first
func (s *Store) TicketsByAccount(ctx context.Context, account string) ([]session.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_number, nas_addr, nas_port_id, acct_session_id, framed_ip_addr,
			mac_addr, start_source, acct_start_time, acct_stop_time, session_time,
			input_total, output_total, terminate_cause, billed
		FROM tickets WHERE account_number = ? ORDER BY acct_stop_time DESC
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.Ticket
	for rows.Next() {
		var (
			t           session.Ticket
			source      string
			start, stop int64
		)
		if err := rows.Scan(&t.ID, &t.AccountNumber, &t.NasAddr, &t.NasPortID, &t.AcctSessionID,
			&t.FramedIPAddr, &t.MacAddr, &source, &start, &stop, &t.SessionTime,
			&t.InputTotal, &t.OutputTotal, &t.TerminateCause, &t.Billed); err != nil {
			return nil, err
		}
		t.StartSource = session.StartSource(source)
		if start != 0 {
			t.AcctStartTime = time.Unix(start, 0).UTC()
		}
		t.AcctStopTime = time.Unix(stop, 0).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}
