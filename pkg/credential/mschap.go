package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	layeh "layeh.com/radius"
	"layeh.com/radius/rfc2759"
	"layeh.com/radius/rfc3079"
)

// MS-CHAP2-Response layout (RFC 2548 section 2.3.2)
const (
	mschap2ResponseLength = 50
	peerChallengeOffset   = 2
	ntResponseOffset      = 26
)

// ErrInvalidMSCHAPResponse is returned for truncated MS-CHAP2-Response values
var ErrInvalidMSCHAPResponse = errors.New("credential: invalid MS-CHAP2-Response")

// MSCHAPv2Response is a parsed MS-CHAP2-Response attribute
type MSCHAPv2Response struct {
	Ident         byte
	Flags         byte
	PeerChallenge []byte
	NTResponse    []byte
}

// ParseMSCHAPv2Response splits an MS-CHAP2-Response value
func ParseMSCHAPv2Response(v []byte) (*MSCHAPv2Response, error) {
	if len(v) != mschap2ResponseLength {
		return nil, ErrInvalidMSCHAPResponse
	}
	return &MSCHAPv2Response{
		Ident:         v[0],
		Flags:         v[1],
		PeerChallenge: v[peerChallengeOffset : peerChallengeOffset+16],
		NTResponse:    v[ntResponseOffset : ntResponseOffset+24],
	}, nil
}

// Result is the outcome of an MS-CHAPv2 verification
type Result struct {
	OK bool
	// AuthResponse is "S=" followed by 40 upper-case hex digits
	AuthResponse string
	// SendKey and RecvKey are the server's 16-byte MPPE keys
	SendKey []byte
	RecvKey []byte
}

// SuccessValue builds the MS-CHAP2-Success attribute value
func (r Result) SuccessValue(ident byte) []byte {
	return append([]byte{ident}, r.AuthResponse...)
}

// VerifyMSCHAPv2 checks an NT-Response (RFC 2759) and derives the
// authenticator response and MPPE keys (RFC 3079) on success
func VerifyMSCHAPv2(authChallenge, peerChallenge []byte, username, stored string, ntResponse []byte) Result {
	if len(authChallenge) != 16 || len(peerChallenge) != 16 || len(ntResponse) != 24 {
		return Result{}
	}
	user := []byte(stripDomain(username))
	password := []byte(stored)

	expected, err := rfc2759.GenerateNTResponse(authChallenge, peerChallenge, user, password)
	if err != nil || subtle.ConstantTimeCompare(expected, ntResponse) != 1 {
		return Result{}
	}

	authResponse, err := rfc2759.GenerateAuthenticatorResponse(authChallenge, peerChallenge, ntResponse, user, password)
	if err != nil {
		return Result{}
	}
	ucs2, err := rfc2759.ToUTF16(password)
	if err != nil {
		return Result{}
	}
	passwordHashHash := rfc2759.NTPasswordHash(rfc2759.NTPasswordHash(ucs2))
	masterKey := rfc3079.GetMasterKey(passwordHashHash, ntResponse)

	// isSend is from the server's side: Magic3 for the send key
	sendKey, err := rfc3079.GetAsymmetricStartKey(masterKey, rfc3079.KeyLength128Bit, true)
	if err != nil {
		return Result{}
	}
	recvKey, err := rfc3079.GetAsymmetricStartKey(masterKey, rfc3079.KeyLength128Bit, false)
	if err != nil {
		return Result{}
	}
	return Result{
		OK:           true,
		AuthResponse: authResponse,
		SendKey:      sendKey,
		RecvKey:      recvKey,
	}
}

// GenerateNTResponse computes the 24-byte NT-Response a peer would send
func GenerateNTResponse(authChallenge, peerChallenge []byte, username, password string) ([]byte, error) {
	return rfc2759.GenerateNTResponse(authChallenge, peerChallenge, []byte(stripDomain(username)), []byte(password))
}

// MSCHAPv2Error builds an MS-CHAP-Error value reporting authentication
// failure (E=691, no retry)
func MSCHAPv2Error(ident byte, text string) []byte {
	return append([]byte{ident}, fmt.Sprintf("E=691 R=1 C=%s V=3 M=%s", strings.Repeat("0", 32), text)...)
}

// EncryptMPPEKey salt-encrypts an MS-MPPE-Send-Key or MS-MPPE-Recv-Key value
// (RFC 2548 section 2.4.2). The high bit of salt is forced on. A nil salt is
// replaced by a random one.
func EncryptMPPEKey(key, secret []byte, requestAuth [16]byte, salt []byte) ([]byte, error) {
	if salt == nil {
		salt = make([]byte, 2)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
	}
	if len(salt) != 2 {
		return nil, errors.New("credential: mppe salt must be 2 bytes")
	}
	s := []byte{salt[0] | 0x80, salt[1]}

	// same salted MD5 chain as Tunnel-Password (RFC 2868 section 3.5)
	v, err := layeh.NewTunnelPassword(key, s, secret, requestAuth[:])
	if err != nil {
		return nil, fmt.Errorf("credential: encrypt mppe key: %w", err)
	}
	return v, nil
}

// DecryptMPPEKey reverses EncryptMPPEKey
func DecryptMPPEKey(value, secret []byte, requestAuth [16]byte) ([]byte, error) {
	key, _, err := layeh.TunnelPassword(value, secret, requestAuth[:])
	if err != nil {
		return nil, fmt.Errorf("credential: decrypt mppe key: %w", err)
	}
	return key, nil
}

// stripDomain drops a "DOMAIN\" prefix; the challenge hash uses the bare
// user name
func stripDomain(username string) string {
	if i := strings.LastIndexByte(username, '\\'); i >= 0 {
		return username[i+1:]
	}
	return username
}
