package message

import (
	"errors"
	"net"

	"github.com/codelaboratoryltd/radiusd/pkg/credential"
	"github.com/codelaboratoryltd/radiusd/pkg/dictionary"
	"github.com/codelaboratoryltd/radiusd/pkg/radius"
)

// AuthMessage wraps an Access-Request
type AuthMessage struct {
	base
}

// NewAuthMessage wraps a decoded Access-Request
func NewAuthMessage(p *radius.Packet, vendorID uint32, src *net.UDPAddr, dict *dictionary.Dictionary) *AuthMessage {
	return &AuthMessage{base{Packet: p, VendorID: vendorID, Source: src, dict: dict}}
}

// Password decrypts User-Password
func (m *AuthMessage) Password() ([]byte, error) {
	c, ok := m.Lookup(radius.AttrUserPassword)
	if !ok {
		return nil, errors.New("message: no User-Password")
	}
	return credential.DecryptPAP(c, m.Secret, m.Authenticator)
}

// CHAPPassword returns the CHAP ident and 16-byte response
func (m *AuthMessage) CHAPPassword() (byte, []byte, bool) {
	return credential.SplitCHAPPassword(m.Get(radius.AttrCHAPPassword))
}

// CHAPChallenge returns CHAP-Challenge, or the request authenticator when
// the NAS sent none
func (m *AuthMessage) CHAPChallenge() []byte {
	if c, ok := m.Lookup(radius.AttrCHAPChallenge); ok && len(c) > 0 {
		return c
	}
	return m.Authenticator[:]
}

// MSCHAPChallenge returns the Microsoft MS-CHAP-Challenge value
func (m *AuthMessage) MSCHAPChallenge() []byte {
	v, _ := m.Vendor(radius.VendorMicrosoft, radius.MSCHAPChallenge)
	return v
}

// MSCHAP2Response returns the parsed MS-CHAP2-Response value
func (m *AuthMessage) MSCHAP2Response() (*credential.MSCHAPv2Response, error) {
	v, ok := m.Vendor(radius.VendorMicrosoft, radius.MSCHAP2Response)
	if !ok {
		return nil, credential.ErrInvalidMSCHAPResponse
	}
	return credential.ParseMSCHAPv2Response(v)
}

// Algorithm returns the credential scheme the request uses
func (m *AuthMessage) Algorithm() credential.Algorithm {
	return credential.Select(m.Packet)
}

// Accept builds an Access-Accept for this request
func (m *AuthMessage) Accept() *radius.Packet {
	return m.Response(radius.CodeAccessAccept)
}

// Reject builds an Access-Reject carrying msg as Reply-Message
func (m *AuthMessage) Reject(msg string) *radius.Packet {
	r := m.Response(radius.CodeAccessReject)
	if msg != "" {
		r.AddString(radius.AttrReplyMessage, msg)
	}
	return r
}
