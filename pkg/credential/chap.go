package credential

import (
	"crypto/md5"
	"crypto/subtle"
)

// CHAPResponse computes MD5(id + password + challenge)
func CHAPResponse(id byte, password string, challenge []byte) []byte {
	h := md5.New()
	h.Write([]byte{id})
	h.Write([]byte(password))
	h.Write(challenge)
	return h.Sum(nil)
}

// VerifyCHAP checks a 16-byte CHAP response against the stored password.
// challenge is CHAP-Challenge, or the request authenticator when the NAS
// sent none.
func VerifyCHAP(chapID byte, response, challenge []byte, stored string) bool {
	if len(response) != 16 {
		return false
	}
	return subtle.ConstantTimeCompare(response, CHAPResponse(chapID, stored, challenge)) == 1
}

// SplitCHAPPassword splits a CHAP-Password value into ident and response
func SplitCHAPPassword(v []byte) (byte, []byte, bool) {
	if len(v) != 17 {
		return 0, nil, false
	}
	return v[0], v[1:], true
}
