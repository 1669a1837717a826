package auth

import (
	"errors"

	"github.com/codelaboratoryltd/radiusd/pkg/credential"
	"github.com/codelaboratoryltd/radiusd/pkg/message"
	"github.com/codelaboratoryltd/radiusd/pkg/radius"
)

var (
	ErrCredentialVerificationFailed = errors.New("credential verification failed")
	ErrAccountMissing               = errors.New("account does not exist")
	ErrAccountExpired               = errors.New("account expired")
	ErrOverLimit                    = errors.New("account has no time or traffic left")
	ErrAccountDisabled              = errors.New("account disabled")
	ErrOnlineLimit                  = errors.New("online session limit reached")
	ErrMACMismatch                  = errors.New("calling station does not match the bound MAC address")
)

// MSCHAPError is a failed MS-CHAPv2 exchange. The reject carries an
// MS-CHAP-Error for Ident.
type MSCHAPError struct {
	Ident byte
	Err   error
}

func (e *MSCHAPError) Error() string {
	return "mschapv2: " + e.Err.Error()
}

func (e *MSCHAPError) Unwrap() error {
	return e.Err
}

// ReplyMessage is the Reply-Message sent for err
func ReplyMessage(err error) string {
	switch {
	case errors.Is(err, ErrCredentialVerificationFailed):
		return "Authentication failed"
	case errors.Is(err, ErrAccountMissing):
		return "Unknown user"
	case errors.Is(err, ErrAccountExpired):
		return "Account expired"
	case errors.Is(err, ErrOverLimit):
		return "No time or traffic left"
	case errors.Is(err, ErrAccountDisabled):
		return "Account disabled"
	case errors.Is(err, ErrOnlineLimit):
		return "Too many sessions online"
	case errors.Is(err, ErrMACMismatch):
		return "MAC address not allowed"
	}
	return "Service unavailable"
}

// RejectFor builds the Access-Reject for err
func RejectFor(msg *message.AuthMessage, err error) *radius.Packet {
	text := ReplyMessage(err)
	reply := msg.Reject(text)

	var mse *MSCHAPError
	if errors.As(err, &mse) {
		reply.AddVendor(radius.VendorMicrosoft, radius.MSCHAPError, credential.MSCHAPv2Error(mse.Ident, text))
	}
	return reply
}
