package dictionary

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	layehdict "layeh.com/radius/dictionary"
)

// DataType is the value type of an attribute
type DataType int

const (
	String DataType = iota
	Octets
	Integer
	IPAddr
	Date
)

func (t DataType) String() string {
	switch t {
	case String:
		return "string"
	case Octets:
		return "octets"
	case Integer:
		return "integer"
	case IPAddr:
		return "ipaddr"
	case Date:
		return "date"
	default:
		return "unknown"
	}
}

// dataTypeOf maps a parsed attribute type onto a DataType. Types the engine
// has no special handling for (ether, abinary, ipv6addr, ...) are treated as
// opaque octets.
func dataTypeOf(t layehdict.AttributeType) DataType {
	switch t {
	case layehdict.AttributeString:
		return String
	case layehdict.AttributeInteger:
		return Integer
	case layehdict.AttributeIPAddr:
		return IPAddr
	case layehdict.AttributeDate:
		return Date
	default:
		return Octets
	}
}

// Decode converts a raw wire value into a typed Go value:
// string, []byte, uint32, net.IP or time.Time.
func (t DataType) Decode(b []byte) (any, error) {
	switch t {
	case String:
		return string(b), nil
	case Octets:
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	case Integer:
		if len(b) != 4 {
			return nil, fmt.Errorf("integer value must be 4 bytes, got %d", len(b))
		}
		return binary.BigEndian.Uint32(b), nil
	case IPAddr:
		if len(b) != 4 {
			return nil, fmt.Errorf("ipaddr value must be 4 bytes, got %d", len(b))
		}
		return net.IPv4(b[0], b[1], b[2], b[3]).To4(), nil
	case Date:
		if len(b) != 4 {
			return nil, fmt.Errorf("date value must be 4 bytes, got %d", len(b))
		}
		return time.Unix(int64(binary.BigEndian.Uint32(b)), 0).UTC(), nil
	}
	return nil, fmt.Errorf("unknown data type %d", t)
}

// Encode converts a Go value into its wire form
func (t DataType) Encode(v any) ([]byte, error) {
	switch t {
	case String, Octets:
		switch x := v.(type) {
		case string:
			return []byte(x), nil
		case []byte:
			return x, nil
		}
	case Integer:
		var n uint32
		switch x := v.(type) {
		case uint32:
			n = x
		case int:
			if x < 0 {
				return nil, fmt.Errorf("negative integer %d", x)
			}
			n = uint32(x)
		case int64:
			if x < 0 {
				return nil, fmt.Errorf("negative integer %d", x)
			}
			n = uint32(x)
		case string:
			u, err := strconv.ParseUint(x, 10, 32)
			if err != nil {
				return nil, err
			}
			n = uint32(u)
		default:
			return nil, fmt.Errorf("cannot encode %T as integer", v)
		}
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, n)
		return b, nil
	case IPAddr:
		var ip net.IP
		switch x := v.(type) {
		case net.IP:
			ip = x
		case string:
			ip = net.ParseIP(x)
		}
		ip4 := ip.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("cannot encode %v as ipaddr", v)
		}
		out := make([]byte, 4)
		copy(out, ip4)
		return out, nil
	case Date:
		x, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("cannot encode %T as date", v)
		}
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(x.Unix()))
		return b, nil
	}
	return nil, fmt.Errorf("cannot encode %T as %s", v, t)
}
