package message

import (
	"net"
	"time"

	"github.com/codelaboratoryltd/radiusd/pkg/dictionary"
	"github.com/codelaboratoryltd/radiusd/pkg/radius"
)

// AcctMessage wraps an Accounting-Request
type AcctMessage struct {
	base
}

// NewAcctMessage wraps a decoded Accounting-Request
func NewAcctMessage(p *radius.Packet, vendorID uint32, src *net.UDPAddr, dict *dictionary.Dictionary) *AcctMessage {
	return &AcctMessage{base{Packet: p, VendorID: vendorID, Source: src, dict: dict}}
}

// StatusType returns Acct-Status-Type
func (m *AcctMessage) StatusType() (radius.AcctStatusType, bool) {
	v, ok := m.GetInteger(radius.AttrAcctStatusType)
	return radius.AcctStatusType(v), ok
}

// AcctSessionID returns Acct-Session-Id
func (m *AcctMessage) AcctSessionID() string {
	return m.GetString(radius.AttrAcctSessionID)
}

// SessionTime returns Acct-Session-Time in seconds
func (m *AcctMessage) SessionTime() int64 {
	v, _ := m.GetInteger(radius.AttrAcctSessionTime)
	return int64(v)
}

// InputOctets returns the cumulative input byte count including gigawords
func (m *AcctMessage) InputOctets() uint64 {
	lo, _ := m.GetInteger(radius.AttrAcctInputOctets)
	hi, _ := m.GetInteger(radius.AttrAcctInputGigawords)
	return uint64(hi)<<32 | uint64(lo)
}

// OutputOctets returns the cumulative output byte count including gigawords
func (m *AcctMessage) OutputOctets() uint64 {
	lo, _ := m.GetInteger(radius.AttrAcctOutputOctets)
	hi, _ := m.GetInteger(radius.AttrAcctOutputGigawords)
	return uint64(hi)<<32 | uint64(lo)
}

// InputKiB returns InputOctets in whole KiB
func (m *AcctMessage) InputKiB() int64 {
	return int64(m.InputOctets() / 1024)
}

// OutputKiB returns OutputOctets in whole KiB
func (m *AcctMessage) OutputKiB() int64 {
	return int64(m.OutputOctets() / 1024)
}

// TerminateCause returns Acct-Terminate-Cause, or 0
func (m *AcctMessage) TerminateCause() uint32 {
	v, _ := m.GetInteger(radius.AttrAcctTerminateCause)
	return v
}

// EventTime returns Event-Timestamp corrected by Acct-Delay-Time, falling
// back to now minus the delay
func (m *AcctMessage) EventTime(now time.Time) time.Time {
	delay, _ := m.GetInteger(radius.AttrAcctDelayTime)
	if ts, err := radius.Date(m.Get(radius.AttrEventTimestamp)); err == nil {
		return ts
	}
	return now.Add(-time.Duration(delay) * time.Second)
}

// Response builds the Accounting-Response
func (m *AcctMessage) Response() *radius.Packet {
	return m.Packet.Response(radius.CodeAccountingResponse)
}
