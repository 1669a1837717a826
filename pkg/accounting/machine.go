// Package accounting tracks online sessions from Accounting-Request traffic,
// charges accounts as usage is reported and writes a ticket when a session
// closes.
//
// Every request for one session key is processed under a per-key lock. The
// counters already charged for a session are kept as floors that only grow,
// so retransmitted and reordered requests never charge the same usage twice.
package accounting

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radiusd/pkg/billing"
	"github.com/codelaboratoryltd/radiusd/pkg/coa"
	"github.com/codelaboratoryltd/radiusd/pkg/events"
	"github.com/codelaboratoryltd/radiusd/pkg/message"
	"github.com/codelaboratoryltd/radiusd/pkg/metrics"
	"github.com/codelaboratoryltd/radiusd/pkg/radius"
	"github.com/codelaboratoryltd/radiusd/pkg/session"
	"github.com/codelaboratoryltd/radiusd/pkg/store"
)

// Disconnector asks a NAS to end a session. *coa.Client implements it.
type Disconnector interface {
	Disconnect(ctx context.Context, req coa.Request) coa.Result
}

// Config configures the state machine
type Config struct {
	// InterimInterval is the Acct-Interim-Interval handed to NAS devices
	InterimInterval time.Duration
	// IdleMultiplier is the number of missed interims before a session is
	// considered lost
	IdleMultiplier int
	// IdleGrace is added to the idle deadline
	IdleGrace time.Duration
	// SweepInterval is how often Run looks for lost sessions
	SweepInterval time.Duration
	// ClosedCacheSize bounds the set of recently closed session keys
	ClosedCacheSize int
	// DisconnectTimeout bounds an asynchronous disconnect including retries
	DisconnectTimeout time.Duration
}

// DefaultConfig returns the defaults used when fields are left zero
func DefaultConfig() Config {
	return Config{
		InterimInterval:   5 * time.Minute,
		IdleMultiplier:    3,
		IdleGrace:         time.Minute,
		SweepInterval:     time.Minute,
		ClosedCacheSize:   65536,
		DisconnectTimeout: 30 * time.Second,
	}
}

// Deps are the collaborators of the state machine. Clients, CoA, Events and
// Metrics are optional.
type Deps struct {
	Sessions *session.Store
	Accounts store.AccountRepository
	Tickets  store.TicketSink
	Clients  store.ClientRegistry
	CoA      Disconnector
	Events   events.Bus
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	// Now defaults to time.Now
	Now func() time.Time
}

// Machine is the accounting state machine
type Machine struct {
	cfg      Config
	sessions *session.Store
	accounts store.AccountRepository
	tickets  store.TicketSink
	clients  store.ClientRegistry
	coa      Disconnector
	bus      events.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	locks  *keyedMutex
	closed *closedSet

	// pending disconnects
	wg sync.WaitGroup
}

// New creates a state machine
func New(cfg Config, deps Deps) *Machine {
	def := DefaultConfig()
	if cfg.InterimInterval <= 0 {
		cfg.InterimInterval = def.InterimInterval
	}
	if cfg.IdleMultiplier <= 0 {
		cfg.IdleMultiplier = def.IdleMultiplier
	}
	if cfg.IdleGrace < 0 {
		cfg.IdleGrace = 0
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.ClosedCacheSize <= 0 {
		cfg.ClosedCacheSize = def.ClosedCacheSize
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = def.DisconnectTimeout
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewStore(session.DefaultShards)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Machine{
		cfg:      cfg,
		sessions: deps.Sessions,
		accounts: deps.Accounts,
		tickets:  deps.Tickets,
		clients:  deps.Clients,
		coa:      deps.CoA,
		bus:      deps.Events,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      deps.Now,
		locks:    newKeyedMutex(),
		closed:   newClosedSet(cfg.ClosedCacheSize),
	}
}

// Sessions returns the online session table
func (m *Machine) Sessions() *session.Store {
	return m.sessions
}

// CountByAccount returns the number of online sessions of an account
func (m *Machine) CountByAccount(account string) int {
	return m.sessions.CountByAccount(account)
}

// Handle processes one Accounting-Request and returns the
// Accounting-Response. The response is returned even when err is set: a
// NAS always gets its acknowledgement once the request authenticated.
func (m *Machine) Handle(ctx context.Context, msg *message.AcctMessage, client *store.Client) (*radius.Packet, error) {
	begin := time.Now()
	resp := msg.Response()

	status, ok := msg.StatusType()
	if !ok {
		m.metrics.RecordAcct("missing", time.Since(begin))
		return resp, ErrMissingStatusType
	}

	r := RecordFrom(msg, client, m.now())
	var err error
	switch status {
	case radius.AcctStatusStart:
		err = m.Start(ctx, r)
	case radius.AcctStatusInterimUpdate:
		err = m.Update(ctx, r)
	case radius.AcctStatusStop:
		err = m.Stop(ctx, r)
	case radius.AcctStatusAccountingOn:
		m.ResetNAS(ctx, r.Key.NasAddr, r.EventTime, radius.TerminateCauseNASReboot)
	case radius.AcctStatusAccountingOff:
		m.ResetNAS(ctx, r.Key.NasAddr, r.EventTime, radius.TerminateCauseNASRequest)
	default:
		err = fmt.Errorf("%w: %d", ErrUnknownStatusType, uint32(status))
	}

	m.metrics.RecordAcct(status.String(), time.Since(begin))
	return resp, err
}

// Start opens a session. A retransmitted Start for a live session refreshes
// its descriptive fields and keeps the counters already charged.
func (m *Machine) Start(ctx context.Context, r Record) error {
	unlock := m.locks.Lock(r.Key)
	defer unlock()

	var seqErr error
	if m.closed.Remove(r.Key) {
		seqErr = &SequenceError{Key: r.Key, Reason: "start after stop"}
		m.logger.Warn("Start received after Stop, opening a new session",
			zap.String("nas_addr", r.Key.NasAddr),
			zap.String("acct_session_id", r.Key.AcctSessionID),
		)
	}

	o, ok := m.sessions.Get(r.Key)
	if !ok {
		o = m.open(r, session.SourceStart)
	}
	r.annotate(&o)
	o.LastUpdate = m.now()
	m.sessions.Put(o)

	m.logger.Debug("Accounting start",
		zap.String("account", o.AccountNumber),
		zap.String("nas_addr", o.NasAddr),
		zap.String("acct_session_id", o.AcctSessionID),
		zap.Bool("retransmit", ok),
	)
	return seqErr
}

// Update charges the usage reported beyond the session's floors. An Update
// for an unknown session opens it. If the account is expired or exhausted a
// disconnect is dispatched in the background.
func (m *Machine) Update(ctx context.Context, r Record) error {
	unlock := m.locks.Lock(r.Key)
	defer unlock()

	o, ok := m.sessions.Get(r.Key)
	if !ok {
		if m.closed.Contains(r.Key) {
			m.logger.Debug("Ignoring interim update for closed session",
				zap.String("nas_addr", r.Key.NasAddr),
				zap.String("acct_session_id", r.Key.AcctSessionID),
			)
			return &SequenceError{Key: r.Key, Reason: "update after stop"}
		}
		o = m.open(r, session.SourceUpdate)
	}
	r.annotate(&o)
	o.LastUpdate = m.now()

	res, err := m.bill(ctx, &o, r)
	m.sessions.Put(o)
	if err != nil {
		return err
	}

	if res.Outcome.Disconnects() {
		m.logger.Info("Session no longer authorised, disconnecting",
			zap.String("account", o.AccountNumber),
			zap.String("nas_addr", o.NasAddr),
			zap.String("acct_session_id", o.AcctSessionID),
			zap.Stringer("outcome", res.Outcome),
		)
		m.publish(events.TopicSessionExpired, o, res.Outcome, 0)
		m.disconnect(ctx, o, r.Client)
	}
	return nil
}

// Stop charges the final usage, writes the ticket and removes the session.
// A Stop for a session that was already closed is acknowledged without
// effect.
func (m *Machine) Stop(ctx context.Context, r Record) error {
	unlock := m.locks.Lock(r.Key)
	defer unlock()

	o, ok := m.sessions.Get(r.Key)
	if !ok {
		if m.closed.Contains(r.Key) {
			m.logger.Debug("Ignoring replayed stop",
				zap.String("nas_addr", r.Key.NasAddr),
				zap.String("acct_session_id", r.Key.AcctSessionID),
			)
			return nil
		}
		o = m.open(r, session.SourceStop)
	}
	r.annotate(&o)
	o.LastUpdate = m.now()

	res, err := m.bill(ctx, &o, r)
	billed := err == nil && res.Outcome != billing.AccountMissing

	m.sessions.Delete(r.Key)
	m.finish(ctx, o, m.eventTime(r), r.TerminateCause, billed, "stopped")
	return err
}

// ResetNAS closes every session of a NAS without charging them, as done for
// Accounting-On and Accounting-Off. It returns the number of sessions closed.
func (m *Machine) ResetNAS(ctx context.Context, nasAddr string, at time.Time, cause uint32) int {
	if at.IsZero() {
		at = m.now()
	}
	closed := 0
	for _, listed := range m.sessions.ListByNAS(nasAddr) {
		k := listed.Key()
		unlock := m.locks.Lock(k)
		// an Update in flight holds the key and stores its result first
		if o, ok := m.sessions.Delete(k); ok {
			m.finish(ctx, o, at, cause, false, "nas_reset")
			closed++
		}
		unlock()
	}

	m.logger.Info("NAS reset its sessions",
		zap.String("nas_addr", nasAddr),
		zap.Uint32("cause", cause),
		zap.Int("closed", closed),
	)
	return closed
}

// Close ends a session as if the NAS had sent a Stop with the given cause.
// Usage already charged stays charged. It reports whether the session was
// online.
func (m *Machine) Close(ctx context.Context, k session.Key, cause uint32) bool {
	unlock := m.locks.Lock(k)
	defer unlock()

	o, ok := m.sessions.Delete(k)
	if !ok {
		return false
	}
	m.finish(ctx, o, m.now(), cause, true, "closed")
	return true
}

// Wait blocks until background disconnects have finished
func (m *Machine) Wait() {
	m.wg.Wait()
}

// open builds a session for a key the table does not know yet. The start
// time is derived from the reported session time.
func (m *Machine) open(r Record, source session.StartSource) session.Online {
	m.metrics.RecordSessionCreated()
	return session.Online{
		NasAddr:       r.Key.NasAddr,
		AcctSessionID: r.Key.AcctSessionID,
		StartSource:   source,
		AcctStartTime: m.eventTime(r).Add(-time.Duration(r.SessionTime) * time.Second),
	}
}

func (m *Machine) eventTime(r Record) time.Time {
	if r.EventTime.IsZero() {
		return m.now()
	}
	return r.EventTime
}

// bill charges the usage of r beyond o's floors and advances the floors.
// On a repository error the floors stay put so the usage is charged by the
// next request.
func (m *Machine) bill(ctx context.Context, o *session.Online, r Record) (billing.Result, error) {
	delta, floor := billing.Diff(billedUsage(o), r.Usage())

	res, err := m.charge(ctx, o.AccountNumber, delta)
	if err != nil {
		m.logger.Error("Failed to charge account",
			zap.String("account", o.AccountNumber),
			zap.String("acct_session_id", o.AcctSessionID),
			zap.Error(err),
		)
		return res, fmt.Errorf("charge account %q: %w", o.AccountNumber, err)
	}

	o.BillingTimes = floor.Seconds
	o.InputTotal = floor.InputKiB
	o.OutputTotal = floor.OutputKiB

	m.metrics.RecordBilling(res.Outcome.String(), chargeUnit(res.Account), res.Charged)
	if res.Outcome == billing.AccountMissing {
		m.logger.Warn("Accounting for unknown account",
			zap.String("account", o.AccountNumber),
			zap.String("acct_session_id", o.AcctSessionID),
		)
	}
	return res, nil
}

func (m *Machine) charge(ctx context.Context, number string, d billing.Delta) (billing.Result, error) {
	now := m.now()
	if m.accounts == nil {
		return billing.Apply(nil, d, now), nil
	}

	if d.IsZero() {
		acct, err := m.accounts.FindAccount(ctx, number)
		if errors.Is(err, store.ErrNotFound) {
			return billing.Apply(nil, d, now), nil
		}
		if err != nil {
			return billing.Result{}, err
		}
		return billing.Apply(acct, d, now), nil
	}

	var res billing.Result
	_, err := m.accounts.Update(ctx, number, func(a *store.Account) error {
		res = billing.Apply(a, d, now)
		*a = *res.Account
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return billing.Apply(nil, d, now), nil
	}
	if err != nil {
		return billing.Result{}, err
	}
	return res, nil
}

func chargeUnit(a *store.Account) string {
	switch {
	case a == nil:
		return ""
	case a.Policy.IsTime():
		return "seconds"
	case a.Policy.IsFlow():
		return "kib"
	}
	return ""
}

// finish records a closed session. The caller has already removed it from
// the table.
func (m *Machine) finish(ctx context.Context, o session.Online, stop time.Time, cause uint32, billed bool, reason string) {
	m.closed.Add(o.Key())

	t := session.NewTicket(o, stop, cause, billed)
	var err error
	if m.tickets != nil {
		err = m.tickets.WriteTicket(ctx, t)
	}
	m.metrics.RecordTicket(err)
	m.metrics.RecordSessionClosed(reason, stop.Sub(o.AcctStartTime))
	if err != nil {
		m.logger.Error("Failed to write ticket",
			zap.String("ticket_id", t.ID),
			zap.String("account", o.AccountNumber),
			zap.String("acct_session_id", o.AcctSessionID),
			zap.Error(err),
		)
	}

	m.logger.Debug("Session closed",
		zap.String("account", o.AccountNumber),
		zap.String("nas_addr", o.NasAddr),
		zap.String("acct_session_id", o.AcctSessionID),
		zap.Uint32("cause", cause),
		zap.Int64("session_time", o.BillingTimes),
		zap.Bool("billed", billed),
	)
	m.publish(events.TopicSessionClosed, o, billing.OK, cause)
}

// disconnect asks the NAS to end o in the background. An acknowledged
// disconnect closes the session with Admin-Reset; a Stop arriving first
// makes that a no-op.
func (m *Machine) disconnect(ctx context.Context, o session.Online, client *store.Client) {
	if m.coa == nil {
		return
	}
	nasIP := net.ParseIP(o.NasAddr)
	if client == nil && m.clients != nil {
		c, err := m.clients.FindClient(ctx, nasIP, "")
		if err == nil {
			client = c
		}
	}
	if client == nil {
		m.logger.Warn("No client known for NAS, cannot disconnect",
			zap.String("nas_addr", o.NasAddr),
			zap.String("acct_session_id", o.AcctSessionID),
		)
		return
	}

	req := coa.Request{
		VendorID:   client.VendorID,
		Secret:     client.Secret,
		NasAddr:    nasIP,
		CoAPort:    client.CoAPort,
		Attributes: message.SessionAttributes(o.AccountNumber, o.AcctSessionID, nasIP, net.ParseIP(o.FramedIPAddr)),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DisconnectTimeout)
		defer cancel()

		if res := m.coa.Disconnect(ctx, req); res.Acked {
			m.Close(ctx, o.Key(), radius.TerminateCauseAdminReset)
		}
	}()
}

func (m *Machine) publish(topic string, o session.Online, outcome billing.Outcome, cause uint32) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, events.Event{
		ID:        uuid.NewString(),
		Type:      topic,
		Timestamp: m.now(),
		Source:    "accounting",
		Data: events.SessionEvent{
			AccountNumber:  o.AccountNumber,
			NasAddr:        o.NasAddr,
			AcctSessionID:  o.AcctSessionID,
			Outcome:        outcome.String(),
			TerminateCause: cause,
		},
	})
}
