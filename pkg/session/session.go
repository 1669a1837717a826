package session

import (
	"time"

	"github.com/google/uuid"
)

// StartSource records which accounting message created the session
type StartSource string

const (
	SourceStart  StartSource = "start"
	SourceUpdate StartSource = "update"
	SourceStop   StartSource = "stop"
)

// Key identifies a session. Acct-Session-Id is only unique per NAS.
type Key struct {
	NasAddr       string
	AcctSessionID string
}

func (k Key) String() string {
	return k.NasAddr + "/" + k.AcctSessionID
}

// Online is a live session. BillingTimes, InputTotal and OutputTotal are the
// cumulative values already charged; they only ever grow.
type Online struct {
	AccountNumber string      `json:"account_number"`
	NasAddr       string      `json:"nas_addr"`
	NasPortID     string      `json:"nas_port_id"`
	AcctSessionID string      `json:"acct_session_id"`
	FramedIPAddr  string      `json:"framed_ip_addr"`
	MacAddr       string      `json:"mac_addr"`
	StartSource   StartSource `json:"start_source"`
	AcctStartTime time.Time   `json:"acct_start_time"`
	BillingTimes  int64       `json:"billing_times"` // seconds
	InputTotal    int64       `json:"input_total"`   // KiB
	OutputTotal   int64       `json:"output_total"`  // KiB
	LastUpdate    time.Time   `json:"last_update"`
}

// Key returns the session key
func (o *Online) Key() Key {
	return Key{NasAddr: o.NasAddr, AcctSessionID: o.AcctSessionID}
}

// Ticket is the immutable record of a closed session
type Ticket struct {
	ID             string      `json:"id"`
	AccountNumber  string      `json:"account_number"`
	NasAddr        string      `json:"nas_addr"`
	NasPortID      string      `json:"nas_port_id"`
	AcctSessionID  string      `json:"acct_session_id"`
	FramedIPAddr   string      `json:"framed_ip_addr"`
	MacAddr        string      `json:"mac_addr"`
	StartSource    StartSource `json:"start_source"`
	AcctStartTime  time.Time   `json:"acct_start_time"`
	AcctStopTime   time.Time   `json:"acct_stop_time"`
	SessionTime    int64       `json:"session_time"`
	InputTotal     int64       `json:"input_total"`
	OutputTotal    int64       `json:"output_total"`
	TerminateCause uint32      `json:"terminate_cause"`
	Billed         bool        `json:"billed"`
}

// NewTicket closes o at stop
func NewTicket(o Online, stop time.Time, cause uint32, billed bool) *Ticket {
	return &Ticket{
		ID:             uuid.NewString(),
		AccountNumber:  o.AccountNumber,
		NasAddr:        o.NasAddr,
		NasPortID:      o.NasPortID,
		AcctSessionID:  o.AcctSessionID,
		FramedIPAddr:   o.FramedIPAddr,
		MacAddr:        o.MacAddr,
		StartSource:    o.StartSource,
		AcctStartTime:  o.AcctStartTime,
		AcctStopTime:   stop,
		SessionTime:    o.BillingTimes,
		InputTotal:     o.InputTotal,
		OutputTotal:    o.OutputTotal,
		TerminateCause: cause,
		Billed:         billed,
	}
}
