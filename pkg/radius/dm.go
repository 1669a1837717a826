package radius

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// Vendor DM datagram. Some NAS vendors only accept a proprietary disconnect
// message instead of RFC 5176 Disconnect-Request:
//
//	magic "DM" (2) | version (1) | id (1) | length (2, BE) | authenticator (16) | body
//
// The body is a sequence of [key-len (1) | key | value-len (2, BE) | value]
// records. The authenticator is MD5 over the datagram with a zeroed
// authenticator field followed by the shared secret. The NAS answers with
//
//	magic "DM" (2) | id (1) | status (1) | authenticator (16)
//
// where status 0 means the session was removed and the authenticator is
// MD5 over the first four reply bytes, the request authenticator and the
// shared secret.
const (
	dmVersion      = 1
	dmHeaderLength = 22
	dmReplyLength  = 20

	// DM body keys
	DMKeyUserName      = "user-name"
	DMKeyAcctSessionID = "acct-session-id"
	DMKeyFramedIP      = "framed-ip"
)

var dmMagic = [2]byte{'D', 'M'}

// DMField is a key/value record of the DM body
type DMField struct {
	Key   string
	Value []byte
}

// EncodeDMDatagram builds a vendor DM datagram
func EncodeDMDatagram(id uint8, fields []DMField, secret []byte) ([]byte, error) {
	size := dmHeaderLength
	for _, f := range fields {
		if len(f.Key) == 0 || len(f.Key) > 255 {
			return nil, fmt.Errorf("dm key %q: invalid length", f.Key)
		}
		if len(f.Value) > 0xffff {
			return nil, fmt.Errorf("dm value for %q too long", f.Key)
		}
		size += 1 + len(f.Key) + 2 + len(f.Value)
	}
	if size > MaxPacketLength {
		return nil, ErrPacketTooLarge
	}

	b := make([]byte, size)
	copy(b[0:2], dmMagic[:])
	b[2] = dmVersion
	b[3] = id
	binary.BigEndian.PutUint16(b[4:6], uint16(size))

	off := dmHeaderLength
	for _, f := range fields {
		b[off] = uint8(len(f.Key))
		off++
		off += copy(b[off:], f.Key)
		binary.BigEndian.PutUint16(b[off:off+2], uint16(len(f.Value)))
		off += 2
		off += copy(b[off:], f.Value)
	}

	auth := dmAuthenticator(b, secret)
	copy(b[6:22], auth[:])
	return b, nil
}

// DecodeDMDatagram parses and verifies a DM datagram. It is the NAS side of
// EncodeDMDatagram and is used by test doubles.
func DecodeDMDatagram(b []byte, secret []byte) (uint8, []DMField, error) {
	if len(b) < dmHeaderLength || b[0] != dmMagic[0] || b[1] != dmMagic[1] || b[2] != dmVersion {
		return 0, nil, ErrMalformedPacket
	}
	if int(binary.BigEndian.Uint16(b[4:6])) != len(b) {
		return 0, nil, ErrMalformedPacket
	}
	auth := dmAuthenticator(b, secret)
	if subtle.ConstantTimeCompare(auth[:], b[6:22]) != 1 {
		return 0, nil, ErrAuthenticatorMismatch
	}

	var fields []DMField
	data := b[dmHeaderLength:]
	for len(data) > 0 {
		kl := int(data[0])
		if kl == 0 || 1+kl+2 > len(data) {
			return 0, nil, ErrMalformedPacket
		}
		key := string(data[1 : 1+kl])
		vl := int(binary.BigEndian.Uint16(data[1+kl : 3+kl]))
		if 3+kl+vl > len(data) {
			return 0, nil, ErrMalformedPacket
		}
		fields = append(fields, DMField{Key: key, Value: append([]byte(nil), data[3+kl:3+kl+vl]...)})
		data = data[3+kl+vl:]
	}
	return b[3], fields, nil
}

// EncodeDMReply builds the reply to the DM datagram request
func EncodeDMReply(request []byte, status uint8, secret []byte) ([]byte, error) {
	if len(request) < dmHeaderLength {
		return nil, ErrMalformedPacket
	}
	b := make([]byte, dmReplyLength)
	copy(b[0:2], dmMagic[:])
	b[2] = request[3]
	b[3] = status
	auth := dmReplyAuthenticator(b, request[6:22], secret)
	copy(b[4:20], auth[:])
	return b, nil
}

// DecodeDMReply verifies a reply to the DM datagram request and returns its
// status
func DecodeDMReply(b []byte, request []byte, secret []byte) (uint8, error) {
	if len(b) != dmReplyLength || b[0] != dmMagic[0] || b[1] != dmMagic[1] || len(request) < dmHeaderLength {
		return 0, ErrMalformedPacket
	}
	if b[2] != request[3] {
		return 0, fmt.Errorf("dm reply id %d, want %d: %w", b[2], request[3], ErrMalformedPacket)
	}
	auth := dmReplyAuthenticator(b, request[6:22], secret)
	if subtle.ConstantTimeCompare(auth[:], b[4:20]) != 1 {
		return 0, ErrAuthenticatorMismatch
	}
	return b[3], nil
}

func dmReplyAuthenticator(b []byte, requestAuth []byte, secret []byte) [16]byte {
	hash := md5.New()
	hash.Write(b[:4])
	hash.Write(requestAuth)
	hash.Write(secret)
	var out [16]byte
	copy(out[:], hash.Sum(nil))
	return out
}

func dmAuthenticator(b []byte, secret []byte) [16]byte {
	hash := md5.New()
	hash.Write(b[:6])
	hash.Write(make([]byte, 16))
	hash.Write(b[dmHeaderLength:])
	hash.Write(secret)
	var out [16]byte
	copy(out[:], hash.Sum(nil))
	return out
}
