// Package billing meters session usage against subscriber accounts.
//
// Apply is pure: it never touches the session table or the repository, so the
// accounting state machine can run it on a snapshot and write back the result.
package billing

import (
	"time"

	"github.com/codelaboratoryltd/radiusd/pkg/store"
)

// Outcome is the result of charging an account
type Outcome int

const (
	OK Outcome = iota
	Expired
	OverLimit
	AccountMissing
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Expired:
		return "expired"
	case OverLimit:
		return "over-limit"
	case AccountMissing:
		return "account-missing"
	default:
		return "unknown"
	}
}

// Disconnects reports whether the session must be torn down
func (o Outcome) Disconnects() bool {
	return o == Expired || o == OverLimit
}

// Usage is a set of cumulative session counters
type Usage struct {
	Seconds   int64
	InputKiB  int64
	OutputKiB int64
}

// Delta is usage not yet charged
type Delta struct {
	Seconds   int64
	InputKiB  int64
	OutputKiB int64
}

// FlowKiB returns input plus output volume
func (d Delta) FlowKiB() int64 {
	return d.InputKiB + d.OutputKiB
}

// IsZero reports whether there is nothing to charge
func (d Delta) IsZero() bool {
	return d.Seconds == 0 && d.InputKiB == 0 && d.OutputKiB == 0
}

// Diff returns the usage reported beyond what was already billed, and the new
// billed floor. A counter smaller than its floor (stale retransmit or NAS
// counter reset) contributes zero and leaves the floor in place.
func Diff(billed, reported Usage) (Delta, Usage) {
	var d Delta
	floor := billed
	if reported.Seconds > billed.Seconds {
		d.Seconds = reported.Seconds - billed.Seconds
		floor.Seconds = reported.Seconds
	}
	if reported.InputKiB > billed.InputKiB {
		d.InputKiB = reported.InputKiB - billed.InputKiB
		floor.InputKiB = reported.InputKiB
	}
	if reported.OutputKiB > billed.OutputKiB {
		d.OutputKiB = reported.OutputKiB - billed.OutputKiB
		floor.OutputKiB = reported.OutputKiB
	}
	return d, floor
}

// Result is the charged account and the outcome
type Result struct {
	// Account is a modified copy, nil when the account is missing
	Account *store.Account
	Outcome Outcome
	// Charged is the amount actually deducted, in seconds or KiB
	Charged int64
}

// Apply charges d against a copy of acct
func Apply(acct *store.Account, d Delta, now time.Time) Result {
	if acct == nil {
		return Result{Outcome: AccountMissing}
	}
	a := acct.Clone()
	res := Result{Account: a}

	switch {
	case a.Policy.IsTime():
		res.Charged, res.Outcome = deduct(&a.TimeLength, d.Seconds)
	case a.Policy.IsFlow():
		res.Charged, res.Outcome = deduct(&a.FlowLength, d.FlowKiB())
	}
	if expired(a, now) {
		res.Outcome = Expired
	}
	return res
}

// deduct subtracts amount from *remaining, clamping at zero. An exhausted
// balance is reported as over-limit.
func deduct(remaining *int64, amount int64) (int64, Outcome) {
	if amount < 0 {
		amount = 0
	}
	if *remaining <= 0 {
		*remaining = 0
		return 0, OverLimit
	}
	if amount >= *remaining {
		charged := *remaining
		*remaining = 0
		return charged, OverLimit
	}
	*remaining -= amount
	return amount, OK
}

func expired(a *store.Account, now time.Time) bool {
	switch a.Status {
	case store.StatusExpired, store.StatusCancelled, store.StatusPaused:
		return true
	}
	return !a.ExpireDate.IsZero() && now.After(a.ExpireDate)
}

// Check evaluates whether acct may open a new session
func Check(acct *store.Account, now time.Time) Outcome {
	if acct == nil {
		return AccountMissing
	}
	if expired(acct, now) {
		return Expired
	}
	switch {
	case acct.Policy.IsTime() && acct.TimeLength <= 0:
		return OverLimit
	case acct.Policy.IsFlow() && acct.FlowLength <= 0:
		return OverLimit
	}
	return OK
}

// Remaining returns how long a new session may last. ok is false when the
// account is not limited in time.
func Remaining(acct *store.Account, now time.Time) (d time.Duration, ok bool) {
	if acct == nil {
		return 0, false
	}
	if acct.Policy.IsTime() {
		d, ok = time.Duration(max(acct.TimeLength, 0))*time.Second, true
	}
	if !acct.ExpireDate.IsZero() {
		untilExpiry := acct.ExpireDate.Sub(now)
		if untilExpiry < 0 {
			untilExpiry = 0
		}
		if !ok || untilExpiry < d {
			d, ok = untilExpiry, true
		}
	}
	return d, ok
}
