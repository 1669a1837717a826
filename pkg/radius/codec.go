package radius

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrMalformedPacket is returned for framing errors
	ErrMalformedPacket = errors.New("radius: malformed packet")
	// ErrAuthenticatorMismatch is returned when a request authenticator or
	// Message-Authenticator does not verify against the shared secret
	ErrAuthenticatorMismatch = errors.New("radius: authenticator mismatch")
	// ErrPacketTooLarge is returned when an encoded packet would exceed 4096 bytes
	ErrPacketTooLarge = errors.New("radius: packet too large")
)

// Encode serializes p.
//
// For Accounting-Request, Disconnect-Request and CoA-Request the request
// authenticator is computed and stored back into p.Authenticator. For reply
// codes p.Authenticator must hold the request authenticator; the response
// authenticator is written to the output only. Access-Request and
// Status-Server use p.Authenticator verbatim. A Message-Authenticator
// attribute, if present, is (re)computed.
func (p *Packet) Encode() ([]byte, error) {
	size := HeaderLength
	for _, a := range p.Attributes {
		if len(a.Value) > MaxAttributeValueLength {
			return nil, fmt.Errorf("attribute %d: value of %d bytes exceeds %d: %w",
				a.Type, len(a.Value), MaxAttributeValueLength, ErrMalformedPacket)
		}
		size += 2 + len(a.Value)
	}
	if size > MaxPacketLength {
		return nil, ErrPacketTooLarge
	}

	b := make([]byte, size)
	b[0] = uint8(p.Code)
	b[1] = p.Identifier
	binary.BigEndian.PutUint16(b[2:4], uint16(size))

	maOffset := -1
	off := HeaderLength
	for _, a := range p.Attributes {
		b[off] = a.Type
		b[off+1] = uint8(2 + len(a.Value))
		if a.Type == AttrMessageAuthenticator && maOffset < 0 && len(a.Value) == 16 {
			maOffset = off + 2
		} else {
			copy(b[off+2:], a.Value)
		}
		off += 2 + len(a.Value)
	}

	switch {
	case p.Code.IsReply():
		copy(b[4:20], p.Authenticator[:])
		if maOffset >= 0 {
			signMessageAuthenticator(b, maOffset, p.Secret)
		}
		auth := responseAuthenticator(b, p.Authenticator, p.Secret)
		copy(b[4:20], auth[:])
	case p.Code.hasComputedAuthenticator():
		if maOffset >= 0 {
			signMessageAuthenticator(b, maOffset, p.Secret)
		}
		auth := requestAuthenticator(b, p.Secret)
		copy(b[4:20], auth[:])
		p.Authenticator = auth
	default:
		copy(b[4:20], p.Authenticator[:])
		if maOffset >= 0 {
			signMessageAuthenticator(b, maOffset, p.Secret)
		}
	}
	return b, nil
}

// EncodeRequest encodes an outgoing request. An Access-Request or
// Status-Server with an all-zero authenticator is given a random one first.
func (p *Packet) EncodeRequest() ([]byte, error) {
	if p.Code.IsReply() {
		return nil, fmt.Errorf("%s is not a request code", p.Code)
	}
	if !p.Code.hasComputedAuthenticator() && p.Authenticator == ([16]byte{}) {
		if _, err := rand.Read(p.Authenticator[:]); err != nil {
			return nil, fmt.Errorf("generate authenticator: %w", err)
		}
	}
	return p.Encode()
}

// EncodeReply encodes a reply to the request whose authenticator is
// requestAuth
func (p *Packet) EncodeReply(requestAuth [16]byte) ([]byte, error) {
	if !p.Code.IsReply() {
		return nil, fmt.Errorf("%s is not a reply code", p.Code)
	}
	p.Authenticator = requestAuth
	return p.Encode()
}

// AddMessageAuthenticator appends a placeholder Message-Authenticator that
// Encode fills in. It is a no-op if one is already present.
func (p *Packet) AddMessageAuthenticator() {
	if p.Has(AttrMessageAuthenticator) {
		return
	}
	p.Attributes = append(p.Attributes, Attribute{Type: AttrMessageAuthenticator, Value: make([]byte, 16)})
}

// Parse decodes the framing of b without verifying any authenticator
func Parse(b []byte, secret []byte) (*Packet, error) {
	if len(b) < HeaderLength {
		return nil, fmt.Errorf("%d bytes: %w", len(b), ErrMalformedPacket)
	}
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length > MaxPacketLength {
		return nil, fmt.Errorf("declared length %d exceeds %d: %w", length, MaxPacketLength, ErrMalformedPacket)
	}
	if length != len(b) {
		return nil, fmt.Errorf("declared length %d, received %d: %w", length, len(b), ErrMalformedPacket)
	}

	attrs, err := parseAttributes(b[HeaderLength:])
	if err != nil {
		return nil, err
	}

	p := &Packet{
		Code:       Code(b[0]),
		Identifier: b[1],
		Attributes: attrs,
		Secret:     secret,
	}
	copy(p.Authenticator[:], b[4:20])
	return p, nil
}

// Decode parses b and verifies it against secret. Accounting-Request,
// Disconnect-Request and CoA-Request authenticators are checked, as is any
// Message-Authenticator on a request. Replies are not verified here; use
// VerifyReply.
func Decode(b []byte, secret []byte) (*Packet, error) {
	p, err := Parse(b, secret)
	if err != nil {
		return nil, err
	}
	if p.Code.IsReply() {
		return p, nil
	}

	var headerAuth [16]byte
	if p.Code.hasComputedAuthenticator() {
		expected := requestAuthenticator(b, secret)
		if subtle.ConstantTimeCompare(expected[:], b[4:20]) != 1 {
			return nil, ErrAuthenticatorMismatch
		}
	} else {
		headerAuth = p.Authenticator
	}

	if p.Has(AttrMessageAuthenticator) {
		if !verifyMessageAuthenticator(b, headerAuth, secret) {
			return nil, ErrAuthenticatorMismatch
		}
	}
	return p, nil
}

// VerifyReply checks the response authenticator (and Message-Authenticator,
// if present) of an encoded reply against the request authenticator
func VerifyReply(b []byte, requestAuth [16]byte, secret []byte) bool {
	if len(b) < HeaderLength || int(binary.BigEndian.Uint16(b[2:4])) != len(b) {
		return false
	}
	expected := responseAuthenticator(b, requestAuth, secret)
	if subtle.ConstantTimeCompare(expected[:], b[4:20]) != 1 {
		return false
	}
	attrs, err := parseAttributes(b[HeaderLength:])
	if err != nil {
		return false
	}
	for _, a := range attrs {
		if a.Type == AttrMessageAuthenticator {
			return verifyMessageAuthenticator(b, requestAuth, secret)
		}
	}
	return true
}

// parseAttributes parses RADIUS attributes from bytes
func parseAttributes(data []byte) ([]Attribute, error) {
	var attrs []Attribute
	offset := 0

	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("truncated attribute header: %w", ErrMalformedPacket)
		}
		attrType := data[offset]
		attrLen := int(data[offset+1])

		if attrLen < 2 || offset+attrLen > len(data) {
			return nil, fmt.Errorf("invalid attribute length %d: %w", attrLen, ErrMalformedPacket)
		}

		attr := Attribute{
			Type:  attrType,
			Value: make([]byte, attrLen-2),
		}
		copy(attr.Value, data[offset+2:offset+attrLen])
		attrs = append(attrs, attr)

		offset += attrLen
	}

	return attrs, nil
}

// requestAuthenticator computes MD5(Code + ID + Length + 16 zero bytes + Attributes + Secret)
func requestAuthenticator(packet []byte, secret []byte) [16]byte {
	hash := md5.New()
	hash.Write(packet[:4])
	hash.Write(make([]byte, 16))
	hash.Write(packet[HeaderLength:])
	hash.Write(secret)
	var out [16]byte
	copy(out[:], hash.Sum(nil))
	return out
}

// responseAuthenticator computes MD5(Code + ID + Length + RequestAuth + Attributes + Secret)
func responseAuthenticator(packet []byte, requestAuth [16]byte, secret []byte) [16]byte {
	hash := md5.New()
	hash.Write(packet[:4])
	hash.Write(requestAuth[:])
	hash.Write(packet[HeaderLength:])
	hash.Write(secret)
	var out [16]byte
	copy(out[:], hash.Sum(nil))
	return out
}

// signMessageAuthenticator fills the 16-byte Message-Authenticator at offset
// with HMAC-MD5 over the packet as it currently stands (value zeroed)
func signMessageAuthenticator(packet []byte, offset int, secret []byte) {
	for i := 0; i < 16; i++ {
		packet[offset+i] = 0
	}
	mac := hmac.New(md5.New, secret)
	mac.Write(packet)
	copy(packet[offset:offset+16], mac.Sum(nil))
}

// verifyMessageAuthenticator recomputes the Message-Authenticator of an
// encoded packet with headerAuth in the authenticator field
func verifyMessageAuthenticator(packet []byte, headerAuth [16]byte, secret []byte) bool {
	buf := make([]byte, len(packet))
	copy(buf, packet)
	copy(buf[4:20], headerAuth[:])

	offset := HeaderLength
	for offset+2 <= len(buf) {
		l := int(buf[offset+1])
		if l < 2 || offset+l > len(buf) {
			return false
		}
		if buf[offset] == AttrMessageAuthenticator {
			if l != 18 {
				return false
			}
			got := make([]byte, 16)
			copy(got, buf[offset+2:offset+18])
			for i := 0; i < 16; i++ {
				buf[offset+2+i] = 0
			}
			mac := hmac.New(md5.New, secret)
			mac.Write(buf)
			return hmac.Equal(got, mac.Sum(nil))
		}
		offset += l
	}
	return false
}
