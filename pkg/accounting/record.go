package accounting

import (
	"time"

	"github.com/codelaboratoryltd/radiusd/pkg/billing"
	"github.com/codelaboratoryltd/radiusd/pkg/message"
	"github.com/codelaboratoryltd/radiusd/pkg/session"
	"github.com/codelaboratoryltd/radiusd/pkg/store"
)

// Record is the part of an Accounting-Request the state machine acts on
type Record struct {
	Key            session.Key
	AccountNumber  string
	NasPortID      string
	FramedIPAddr   string
	MacAddr        string
	SessionTime    int64 // seconds
	InputKiB       int64
	OutputKiB      int64
	TerminateCause uint32
	EventTime      time.Time

	// Client is the NAS that sent the request. Disconnects are addressed
	// with its secret and CoA port.
	Client *store.Client
}

// RecordFrom extracts a Record from an accounting message
func RecordFrom(msg *message.AcctMessage, client *store.Client, now time.Time) Record {
	r := Record{
		Key: session.Key{
			AcctSessionID: msg.AcctSessionID(),
		},
		AccountNumber:  msg.Username(),
		NasPortID:      msg.NASPortID(),
		FramedIPAddr:   msg.FramedIPAddr(),
		MacAddr:        msg.MacAddr(),
		SessionTime:    msg.SessionTime(),
		InputKiB:       msg.InputKiB(),
		OutputKiB:      msg.OutputKiB(),
		TerminateCause: msg.TerminateCause(),
		EventTime:      msg.EventTime(now),
		Client:         client,
	}
	if ip := msg.NASAddr(); ip != nil {
		r.Key.NasAddr = ip.String()
	}
	return r
}

// Usage returns the cumulative counters reported by the NAS
func (r Record) Usage() billing.Usage {
	return billing.Usage{
		Seconds:   r.SessionTime,
		InputKiB:  r.InputKiB,
		OutputKiB: r.OutputKiB,
	}
}

// annotate copies descriptive fields onto o. Empty values never clear what
// an earlier request reported.
func (r Record) annotate(o *session.Online) {
	if r.AccountNumber != "" {
		o.AccountNumber = r.AccountNumber
	}
	if r.NasPortID != "" {
		o.NasPortID = r.NasPortID
	}
	if r.FramedIPAddr != "" {
		o.FramedIPAddr = r.FramedIPAddr
	}
	if r.MacAddr != "" {
		o.MacAddr = r.MacAddr
	}
}

func billedUsage(o *session.Online) billing.Usage {
	return billing.Usage{
		Seconds:   o.BillingTimes,
		InputKiB:  o.InputTotal,
		OutputKiB: o.OutputTotal,
	}
}
