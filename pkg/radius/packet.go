package radius

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"strconv"
)

// Code is the RADIUS packet code
type Code uint8

// Packet codes (RFC 2865, 2866, 5176, 5997)
const (
	CodeAccessRequest      Code = 1
	CodeAccessAccept       Code = 2
	CodeAccessReject       Code = 3
	CodeAccountingRequest  Code = 4
	CodeAccountingResponse Code = 5
	CodeAccessChallenge    Code = 11
	CodeStatusServer       Code = 12
	CodeStatusClient       Code = 13
	CodeDisconnectRequest  Code = 40
	CodeDisconnectACK      Code = 41
	CodeDisconnectNAK      Code = 42
	CodeCoARequest         Code = 43
	CodeCoAACK             Code = 44
	CodeCoANAK             Code = 45
)

func (c Code) String() string {
	switch c {
	case CodeAccessRequest:
		return "Access-Request"
	case CodeAccessAccept:
		return "Access-Accept"
	case CodeAccessReject:
		return "Access-Reject"
	case CodeAccountingRequest:
		return "Accounting-Request"
	case CodeAccountingResponse:
		return "Accounting-Response"
	case CodeAccessChallenge:
		return "Access-Challenge"
	case CodeStatusServer:
		return "Status-Server"
	case CodeStatusClient:
		return "Status-Client"
	case CodeDisconnectRequest:
		return "Disconnect-Request"
	case CodeDisconnectACK:
		return "Disconnect-ACK"
	case CodeDisconnectNAK:
		return "Disconnect-NAK"
	case CodeCoARequest:
		return "CoA-Request"
	case CodeCoAACK:
		return "CoA-ACK"
	case CodeCoANAK:
		return "CoA-NAK"
	}
	return "Code(" + strconv.Itoa(int(c)) + ")"
}

// IsReply reports whether packets with this code answer a request, i.e. carry
// a response authenticator
func (c Code) IsReply() bool {
	switch c {
	case CodeAccessAccept, CodeAccessReject, CodeAccountingResponse, CodeAccessChallenge,
		CodeDisconnectACK, CodeDisconnectNAK, CodeCoAACK, CodeCoANAK:
		return true
	}
	return false
}

// hasComputedAuthenticator reports whether the request authenticator is
// MD5(code|id|len|16 zero bytes|attrs|secret) rather than random
func (c Code) hasComputedAuthenticator() bool {
	return c == CodeAccountingRequest || c == CodeDisconnectRequest || c == CodeCoARequest
}

const (
	// HeaderLength is the fixed header size
	HeaderLength = 20
	// MaxPacketLength is the largest packet allowed on the wire
	MaxPacketLength = 4096
	// MaxAttributeValueLength is the largest value of a single TLV
	MaxAttributeValueLength = 253

	maxVendorValueLength = MaxAttributeValueLength - 6
)

// Packet is a RADIUS packet. Attributes are kept in wire order.
//
// For replies Authenticator holds the authenticator of the request being
// answered; the response authenticator is computed by Encode.
type Packet struct {
	Code          Code
	Identifier    uint8
	Authenticator [16]byte
	Attributes    []Attribute
	Secret        []byte
}

// New creates a request packet with a random identifier and authenticator
func New(code Code, secret []byte) *Packet {
	p := &Packet{Code: code, Secret: secret}
	var b [17]byte
	_, _ = rand.Read(b[:])
	p.Identifier = b[0]
	copy(p.Authenticator[:], b[1:])
	return p
}

// Response creates a reply to p with the given code. Proxy-State attributes
// are copied in order (RFC 2865 section 5.33).
func (p *Packet) Response(code Code) *Packet {
	r := &Packet{
		Code:          code,
		Identifier:    p.Identifier,
		Authenticator: p.Authenticator,
		Secret:        p.Secret,
	}
	for _, a := range p.Attributes {
		if a.Type == AttrProxyState {
			r.Attributes = append(r.Attributes, Attribute{Type: a.Type, Value: append([]byte(nil), a.Value...)})
		}
	}
	return r
}

// Add appends an attribute. Values longer than 253 bytes are split across
// consecutive attributes of the same type.
func (p *Packet) Add(typ uint8, value []byte) {
	if len(value) == 0 {
		p.Attributes = append(p.Attributes, Attribute{Type: typ, Value: []byte{}})
		return
	}
	for len(value) > 0 {
		n := len(value)
		if n > MaxAttributeValueLength {
			n = MaxAttributeValueLength
		}
		chunk := make([]byte, n)
		copy(chunk, value[:n])
		p.Attributes = append(p.Attributes, Attribute{Type: typ, Value: chunk})
		value = value[n:]
	}
}

// AddString appends a string attribute
func (p *Packet) AddString(typ uint8, value string) {
	p.Add(typ, []byte(value))
}

// AddInteger appends an integer attribute
func (p *Packet) AddInteger(typ uint8, value uint32) {
	p.Add(typ, NewInteger(value))
}

// Set replaces all instances of typ with value
func (p *Packet) Set(typ uint8, value []byte) {
	p.Del(typ)
	p.Add(typ, value)
}

// Del removes all instances of typ
func (p *Packet) Del(typ uint8) {
	out := p.Attributes[:0]
	for _, a := range p.Attributes {
		if a.Type != typ {
			out = append(out, a)
		}
	}
	p.Attributes = out
}

// Lookup returns the value of typ with all instances concatenated in wire
// order, and whether the attribute was present
func (p *Packet) Lookup(typ uint8) ([]byte, bool) {
	var out []byte
	found := false
	for _, a := range p.Attributes {
		if a.Type == typ {
			found = true
			out = append(out, a.Value...)
		}
	}
	if found && out == nil {
		out = []byte{}
	}
	return out, found
}

// Get is Lookup without the presence flag
func (p *Packet) Get(typ uint8) []byte {
	v, _ := p.Lookup(typ)
	return v
}

// GetString returns the concatenated value of typ as a string
func (p *Packet) GetString(typ uint8) string {
	return string(p.Get(typ))
}

// GetInteger returns the first instance of typ decoded as an integer
func (p *Packet) GetInteger(typ uint8) (uint32, bool) {
	for _, a := range p.Attributes {
		if a.Type == typ {
			n, err := Integer(a.Value)
			return n, err == nil
		}
	}
	return 0, false
}

// GetAll returns every instance of typ without concatenation
func (p *Packet) GetAll(typ uint8) [][]byte {
	var out [][]byte
	for _, a := range p.Attributes {
		if a.Type == typ {
			out = append(out, a.Value)
		}
	}
	return out
}

// Has reports whether typ is present
func (p *Packet) Has(typ uint8) bool {
	for _, a := range p.Attributes {
		if a.Type == typ {
			return true
		}
	}
	return false
}

// AddVendor appends a Vendor-Specific attribute carrying one sub-attribute.
// Long values are split across several Vendor-Specific attributes.
func (p *Packet) AddVendor(vendorID uint32, typ uint8, value []byte) {
	for {
		n := len(value)
		if n > maxVendorValueLength {
			n = maxVendorValueLength
		}
		v := make([]byte, 6+n)
		binary.BigEndian.PutUint32(v[0:4], vendorID)
		v[4] = typ
		v[5] = uint8(2 + n)
		copy(v[6:], value[:n])
		p.Attributes = append(p.Attributes, Attribute{Type: AttrVendorSpecific, Value: v})
		value = value[n:]
		if len(value) == 0 {
			return
		}
	}
}

// VendorAttributes returns the sub-attributes of every Vendor-Specific
// attribute for vendorID, in wire order. Vendor id 0 matches all vendors.
// Vendor-Specific attributes whose contents do not parse as sub-TLVs are
// skipped.
func (p *Packet) VendorAttributes(vendorID uint32) []VendorAttribute {
	var out []VendorAttribute
	for _, a := range p.Attributes {
		if a.Type != AttrVendorSpecific || len(a.Value) < 4 {
			continue
		}
		vid := binary.BigEndian.Uint32(a.Value[0:4])
		if vendorID != 0 && vid != vendorID {
			continue
		}
		subs, ok := parseVendorValue(vid, a.Value[4:])
		if !ok {
			continue
		}
		out = append(out, subs...)
	}
	return out
}

// Vendor returns the concatenated value of a vendor sub-attribute
func (p *Packet) Vendor(vendorID uint32, typ uint8) ([]byte, bool) {
	var out []byte
	found := false
	for _, va := range p.VendorAttributes(vendorID) {
		if va.Type == typ {
			found = true
			out = append(out, va.Value...)
		}
	}
	return out, found
}

func parseVendorValue(vendorID uint32, data []byte) ([]VendorAttribute, bool) {
	var out []VendorAttribute
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, false
		}
		l := int(data[1])
		if l < 2 || l > len(data) {
			return nil, false
		}
		out = append(out, VendorAttribute{
			VendorID: vendorID,
			Type:     data[0],
			Value:    append([]byte(nil), data[2:l]...),
		})
		data = data[l:]
	}
	return out, true
}

// Equal compares code, identifier, authenticator and attributes
func (p *Packet) Equal(o *Packet) bool {
	if p.Code != o.Code || p.Identifier != o.Identifier || p.Authenticator != o.Authenticator {
		return false
	}
	if len(p.Attributes) != len(o.Attributes) {
		return false
	}
	for i := range p.Attributes {
		if p.Attributes[i].Type != o.Attributes[i].Type || !bytes.Equal(p.Attributes[i].Value, o.Attributes[i].Value) {
			return false
		}
	}
	return true
}
