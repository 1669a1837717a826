package radius

import (
	"encoding/binary"
	"errors"
	"net"
	"time"
)

// RADIUS attribute types (RFC 2865, 2866, 2869, 3576)
const (
	AttrUserName             = 1
	AttrUserPassword         = 2
	AttrCHAPPassword         = 3
	AttrNASIPAddress         = 4
	AttrNASPort              = 5
	AttrServiceType          = 6
	AttrFramedProtocol       = 7
	AttrFramedIPAddress      = 8
	AttrFramedIPNetmask      = 9
	AttrFilterID             = 11
	AttrReplyMessage         = 18
	AttrState                = 24
	AttrClass                = 25
	AttrVendorSpecific       = 26
	AttrSessionTimeout       = 27
	AttrIdleTimeout          = 28
	AttrCalledStationID      = 30
	AttrCallingStationID     = 31
	AttrNASIdentifier        = 32
	AttrProxyState           = 33
	AttrAcctStatusType       = 40
	AttrAcctDelayTime        = 41
	AttrAcctInputOctets      = 42
	AttrAcctOutputOctets     = 43
	AttrAcctSessionID        = 44
	AttrAcctSessionTime      = 46
	AttrAcctInputPackets     = 47
	AttrAcctOutputPackets    = 48
	AttrAcctTerminateCause   = 49
	AttrAcctInputGigawords   = 52
	AttrAcctOutputGigawords  = 53
	AttrEventTimestamp       = 55
	AttrCHAPChallenge        = 60
	AttrNASPortType          = 61
	AttrEAPMessage           = 79
	AttrMessageAuthenticator = 80
	AttrAcctInterimInterval  = 85
	AttrNASPortID            = 87
	AttrFramedPool           = 88
	AttrErrorCause           = 101
)

// Well-known vendor ids
const (
	VendorCisco     = 9
	VendorMicrosoft = 311
	VendorHuawei    = 2011
	VendorZTE       = 3902
	VendorMikroTik  = 14988
	VendorH3C       = 25506
)

// Microsoft vendor attribute types (RFC 2548)
const (
	MSCHAPResponse         = 1
	MSCHAPError            = 2
	MSMPPEEncryptionPolicy = 7
	MSMPPEEncryptionTypes  = 8
	MSCHAPChallenge        = 11
	MSMPPESendKey          = 16
	MSMPPERecvKey          = 17
	MSCHAP2Response        = 25
	MSCHAP2Success         = 26
)

// AcctStatusType represents RADIUS accounting status types
type AcctStatusType uint32

const (
	AcctStatusStart         AcctStatusType = 1
	AcctStatusStop          AcctStatusType = 2
	AcctStatusInterimUpdate AcctStatusType = 3
	AcctStatusAccountingOn  AcctStatusType = 7
	AcctStatusAccountingOff AcctStatusType = 8
)

func (t AcctStatusType) String() string {
	switch t {
	case AcctStatusStart:
		return "start"
	case AcctStatusStop:
		return "stop"
	case AcctStatusInterimUpdate:
		return "interim-update"
	case AcctStatusAccountingOn:
		return "accounting-on"
	case AcctStatusAccountingOff:
		return "accounting-off"
	default:
		return "unknown"
	}
}

// Acct-Terminate-Cause values (RFC 2866)
const (
	TerminateCauseUserRequest        = 1
	TerminateCauseLostCarrier        = 2
	TerminateCauseLostService        = 3
	TerminateCauseIdleTimeout        = 4
	TerminateCauseSessionTimeout     = 5
	TerminateCauseAdminReset         = 6
	TerminateCauseAdminReboot        = 7
	TerminateCausePortError          = 8
	TerminateCauseNASError           = 9
	TerminateCauseNASRequest         = 10
	TerminateCauseNASReboot          = 11
	TerminateCausePortUnneeded       = 12
	TerminateCausePortPreempted      = 13
	TerminateCausePortSuspended      = 14
	TerminateCauseServiceUnavailable = 15
	TerminateCauseCallback           = 16
	TerminateCauseUserError          = 17
	TerminateCauseHostRequest        = 18
)

// Error-Cause attribute values (RFC 3576)
const (
	ErrorCauseResidualSessionContextRemoved = 201
	ErrorCauseMissingAttribute              = 402
	ErrorCauseNASIdentificationMismatch     = 403
	ErrorCauseInvalidRequest                = 404
	ErrorCauseUnsupportedService            = 405
	ErrorCauseAdministrativelyProhibited    = 501
	ErrorCauseSessionContextNotFound        = 503
	ErrorCauseSessionContextNotRemovable    = 504
	ErrorCauseResourcesUnavailable          = 506
)

// Attribute is a single type-length-value attribute. Value excludes the
// two header bytes.
type Attribute struct {
	Type  uint8
	Value []byte
}

// VendorAttribute is a sub-attribute carried inside a Vendor-Specific
// attribute
type VendorAttribute struct {
	VendorID uint32
	Type     uint8
	Value    []byte
}

var errValueLength = errors.New("radius: invalid value length")

// NewInteger encodes a 4-byte network-order integer value
func NewInteger(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// Integer decodes a 4-byte network-order integer value
func Integer(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, errValueLength
	}
	return binary.BigEndian.Uint32(b), nil
}

// NewIPAddr encodes an IPv4 address value. Non-IPv4 addresses yield nil.
func NewIPAddr(ip net.IP) []byte {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}
	out := make([]byte, 4)
	copy(out, ip4)
	return out
}

// IPAddr decodes an IPv4 address value
func IPAddr(b []byte) (net.IP, error) {
	if len(b) != 4 {
		return nil, errValueLength
	}
	return net.IPv4(b[0], b[1], b[2], b[3]).To4(), nil
}

// NewDate encodes a date value (seconds since the epoch)
func NewDate(t time.Time) []byte {
	return NewInteger(uint32(t.Unix()))
}

// Date decodes a date value
func Date(b []byte) (time.Time, error) {
	n, err := Integer(b)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(n), 0).UTC(), nil
}
