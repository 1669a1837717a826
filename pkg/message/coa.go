package message

import (
	"net"

	"github.com/codelaboratoryltd/radiusd/pkg/radius"
)

// CoAMessage is an outbound Disconnect-Request or CoA-Request addressed to
// a NAS
type CoAMessage struct {
	base
}

// NewDisconnectRequest builds a Disconnect-Request carrying attrs
func NewDisconnectRequest(secret []byte, vendorID uint32, attrs []radius.Attribute) *CoAMessage {
	return newCoAMessage(radius.CodeDisconnectRequest, secret, vendorID, attrs)
}

// NewCoARequest builds a CoA-Request carrying attrs
func NewCoARequest(secret []byte, vendorID uint32, attrs []radius.Attribute) *CoAMessage {
	return newCoAMessage(radius.CodeCoARequest, secret, vendorID, attrs)
}

func newCoAMessage(code radius.Code, secret []byte, vendorID uint32, attrs []radius.Attribute) *CoAMessage {
	p := &radius.Packet{Code: code, Secret: secret}
	for _, a := range attrs {
		p.Attributes = append(p.Attributes, radius.Attribute{Type: a.Type, Value: append([]byte(nil), a.Value...)})
	}
	return &CoAMessage{base{Packet: p, VendorID: vendorID}}
}

// AcctSessionID returns Acct-Session-Id
func (m *CoAMessage) AcctSessionID() string {
	return m.GetString(radius.AttrAcctSessionID)
}

// DMFields maps the session-identifying attributes onto DM datagram records
func (m *CoAMessage) DMFields() []radius.DMField {
	var fields []radius.DMField
	if v := m.Username(); v != "" {
		fields = append(fields, radius.DMField{Key: radius.DMKeyUserName, Value: []byte(v)})
	}
	if v := m.AcctSessionID(); v != "" {
		fields = append(fields, radius.DMField{Key: radius.DMKeyAcctSessionID, Value: []byte(v)})
	}
	if v := m.FramedIPAddr(); v != "" {
		fields = append(fields, radius.DMField{Key: radius.DMKeyFramedIP, Value: []byte(v)})
	}
	return fields
}

// SessionAttributes builds the attributes identifying a session for a
// Disconnect-Request or CoA-Request
func SessionAttributes(username, acctSessionID string, nasAddr, framedIP net.IP) []radius.Attribute {
	var attrs []radius.Attribute
	if username != "" {
		attrs = append(attrs, radius.Attribute{Type: radius.AttrUserName, Value: []byte(username)})
	}
	if acctSessionID != "" {
		attrs = append(attrs, radius.Attribute{Type: radius.AttrAcctSessionID, Value: []byte(acctSessionID)})
	}
	if v := radius.NewIPAddr(nasAddr); v != nil {
		attrs = append(attrs, radius.Attribute{Type: radius.AttrNASIPAddress, Value: v})
	}
	if v := radius.NewIPAddr(framedIP); v != nil {
		attrs = append(attrs, radius.Attribute{Type: radius.AttrFramedIPAddress, Value: v})
	}
	return attrs
}
