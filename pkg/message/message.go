package message

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/codelaboratoryltd/radiusd/pkg/dictionary"
	"github.com/codelaboratoryltd/radiusd/pkg/radius"
)

// ErrAttributeNotFound is returned by Value when the attribute is absent
var ErrAttributeNotFound = errors.New("message: attribute not present")

// base carries what every message wrapper shares: the decoded packet, the
// NAS vendor and where the datagram came from
type base struct {
	*radius.Packet
	VendorID uint32
	Source   *net.UDPAddr
	dict     *dictionary.Dictionary
}

// Value returns the typed value of a dictionary attribute by name:
// string, []byte, uint32, net.IP or time.Time
func (m *base) Value(name string) (any, error) {
	if m.dict == nil {
		return nil, errors.New("message: no dictionary")
	}
	def, ok := m.dict.ByName(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, dictionary.ErrUnknownAttribute)
	}
	var (
		raw   []byte
		found bool
	)
	if def.VendorID != 0 {
		raw, found = m.Packet.Vendor(def.VendorID, def.Code)
	} else {
		raw, found = m.Packet.Lookup(def.Code)
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", name, ErrAttributeNotFound)
	}
	return def.Type.Decode(raw)
}

// StringValue is Value for string attributes, returning "" when absent
func (m *base) StringValue(name string) string {
	v, err := m.Value(name)
	if err != nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	}
	return fmt.Sprint(v)
}

// Username returns User-Name
func (m *base) Username() string {
	return m.GetString(radius.AttrUserName)
}

// NASIdentifier returns NAS-Identifier
func (m *base) NASIdentifier() string {
	return m.GetString(radius.AttrNASIdentifier)
}

// NASAddr returns NAS-IP-Address, falling back to the datagram source
func (m *base) NASAddr() net.IP {
	if ip, err := radius.IPAddr(m.Get(radius.AttrNASIPAddress)); err == nil {
		return ip
	}
	if m.Source != nil {
		return m.Source.IP
	}
	return nil
}

// NASPortID returns NAS-Port-Id
func (m *base) NASPortID() string {
	return m.GetString(radius.AttrNASPortID)
}

// MacAddr returns Calling-Station-Id normalised to aa:bb:cc:dd:ee:ff when it
// parses as a MAC address, otherwise verbatim
func (m *base) MacAddr() string {
	return NormalizeMAC(m.GetString(radius.AttrCallingStationID))
}

// FramedIPAddr returns Framed-IP-Address as a string, or ""
func (m *base) FramedIPAddr() string {
	ip, err := radius.IPAddr(m.Get(radius.AttrFramedIPAddress))
	if err != nil {
		return ""
	}
	return ip.String()
}

// NormalizeMAC canonicalises the common MAC spellings (aa-bb-.., aabb.ccdd..,
// AABBCCDDEEFF)
func NormalizeMAC(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if hw, err := net.ParseMAC(s); err == nil && len(hw) == 6 {
		return hw.String()
	}
	if len(s) == 12 {
		var b strings.Builder
		for i := 0; i < 12; i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(s[i : i+2])
		}
		if hw, err := net.ParseMAC(b.String()); err == nil {
			return hw.String()
		}
	}
	return s
}
