// Package auth decides Access-Requests: account state, billing limits,
// online limits and credentials, in that order
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radiusd/pkg/billing"
	"github.com/codelaboratoryltd/radiusd/pkg/credential"
	"github.com/codelaboratoryltd/radiusd/pkg/message"
	"github.com/codelaboratoryltd/radiusd/pkg/metrics"
	"github.com/codelaboratoryltd/radiusd/pkg/radius"
	"github.com/codelaboratoryltd/radiusd/pkg/store"
)

// SessionCounter counts online sessions per account
type SessionCounter interface {
	CountByAccount(account string) int
}

// Config configures the authenticator
type Config struct {
	// InterimInterval is sent as Acct-Interim-Interval. Zero omits it.
	InterimInterval time.Duration
	// RateLimits adds vendor rate-limit attributes to Access-Accept
	RateLimits bool
}

// Deps are the collaborators of the authenticator. Sessions and Metrics are
// optional.
type Deps struct {
	Accounts store.AccountRepository
	Sessions SessionCounter
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Now      func() time.Time
}

// Authenticator answers Access-Requests
type Authenticator struct {
	cfg      Config
	accounts store.AccountRepository
	sessions SessionCounter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an authenticator
func New(cfg Config, deps Deps) *Authenticator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Authenticator{
		cfg:      cfg,
		accounts: deps.Accounts,
		sessions: deps.Sessions,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      deps.Now,
	}
}

// Handle answers msg with an Access-Accept or an Access-Reject
func (a *Authenticator) Handle(ctx context.Context, msg *message.AuthMessage) *radius.Packet {
	begin := time.Now()
	alg := msg.Algorithm()

	reply, err := a.Authenticate(ctx, msg)
	result := "accept"
	if err != nil {
		result = "reject"
		reply = RejectFor(msg, err)
		a.logger.Info("Access rejected",
			zap.String("username", msg.Username()),
			zap.String("nas_addr", ipString(msg)),
			zap.Stringer("algorithm", alg),
			zap.Error(err),
		)
	} else {
		a.logger.Debug("Access accepted",
			zap.String("username", msg.Username()),
			zap.String("nas_addr", ipString(msg)),
			zap.Stringer("algorithm", alg),
		)
	}

	a.metrics.RecordAuth(alg.String(), result, time.Since(begin))
	return reply
}

// Authenticate returns the Access-Accept for msg, or the reason to reject it
func (a *Authenticator) Authenticate(ctx context.Context, msg *message.AuthMessage) (*radius.Packet, error) {
	username := msg.Username()
	if username == "" {
		return nil, fmt.Errorf("%w: empty User-Name", ErrAccountMissing)
	}

	acct, err := a.accounts.FindAccount(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountMissing, username)
	}
	if err != nil {
		return nil, fmt.Errorf("find account %s: %w", username, err)
	}

	now := a.now()
	if err := a.checkAccount(acct, now); err != nil {
		return nil, err
	}

	var mschap *credential.Result
	switch alg := msg.Algorithm(); alg {
	case credential.PAP:
		err = verifyPAP(msg, acct)
	case credential.CHAP:
		err = verifyCHAP(msg, acct)
	case credential.MSCHAPv2:
		mschap, err = verifyMSCHAPv2(msg, acct)
	default:
		err = fmt.Errorf("%w: %s is not supported", ErrCredentialVerificationFailed, alg)
	}
	if err != nil {
		return nil, err
	}

	return a.accept(msg, acct, now, mschap)
}

// checkAccount applies the account rules that do not depend on credentials
func (a *Authenticator) checkAccount(acct *store.Account, now time.Time) error {
	switch acct.Status {
	case store.StatusPaused, store.StatusCancelled:
		return fmt.Errorf("%w: status %s", ErrAccountDisabled, acct.Status)
	}

	switch billing.Check(acct, now) {
	case billing.Expired:
		return ErrAccountExpired
	case billing.OverLimit:
		return ErrOverLimit
	}

	if acct.OnlineLimit > 0 && a.sessions != nil {
		if n := a.sessions.CountByAccount(acct.AccountNumber); n >= acct.OnlineLimit {
			return fmt.Errorf("%w: %d of %d", ErrOnlineLimit, n, acct.OnlineLimit)
		}
	}
	return nil
}

func (a *Authenticator) accept(msg *message.AuthMessage, acct *store.Account, now time.Time, mschap *credential.Result) (*radius.Packet, error) {
	reply := msg.Accept()

	if remaining, ok := billing.Remaining(acct, now); ok {
		addSessionTimeout(reply, remaining)
	}
	if a.cfg.InterimInterval > 0 {
		reply.AddInteger(radius.AttrAcctInterimInterval, uint32(a.cfg.InterimInterval/time.Second))
	}
	if a.cfg.RateLimits {
		addRateLimit(reply, msg.VendorID, acct)
	}

	if mschap != nil {
		resp, err := msg.MSCHAP2Response()
		if err != nil {
			return nil, err
		}
		sendKey, err := credential.EncryptMPPEKey(mschap.SendKey, msg.Secret, msg.Authenticator, nil)
		if err != nil {
			return nil, fmt.Errorf("encrypt MS-MPPE-Send-Key: %w", err)
		}
		recvKey, err := credential.EncryptMPPEKey(mschap.RecvKey, msg.Secret, msg.Authenticator, nil)
		if err != nil {
			return nil, fmt.Errorf("encrypt MS-MPPE-Recv-Key: %w", err)
		}
		reply.AddVendor(radius.VendorMicrosoft, radius.MSCHAP2Success, mschap.SuccessValue(resp.Ident))
		reply.AddVendor(radius.VendorMicrosoft, radius.MSMPPERecvKey, recvKey)
		reply.AddVendor(radius.VendorMicrosoft, radius.MSMPPESendKey, sendKey)
		reply.AddVendor(radius.VendorMicrosoft, radius.MSMPPEEncryptionPolicy, radius.NewInteger(mppePolicyAllowed))
		reply.AddVendor(radius.VendorMicrosoft, radius.MSMPPEEncryptionTypes, radius.NewInteger(mppeTypesRC4Allowed))
	}
	return reply, nil
}

func verifyPAP(msg *message.AuthMessage, acct *store.Account) error {
	pwd, err := msg.Password()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCredentialVerificationFailed, err)
	}
	if !credential.VerifyPAP(pwd, acct.Password) {
		return fmt.Errorf("%w: pap", ErrCredentialVerificationFailed)
	}
	return nil
}

func verifyCHAP(msg *message.AuthMessage, acct *store.Account) error {
	id, resp, ok := msg.CHAPPassword()
	if !ok {
		return fmt.Errorf("%w: malformed CHAP-Password", ErrCredentialVerificationFailed)
	}
	if !credential.VerifyCHAP(id, resp, msg.CHAPChallenge(), acct.Password) {
		return fmt.Errorf("%w: chap", ErrCredentialVerificationFailed)
	}
	return nil
}

func verifyMSCHAPv2(msg *message.AuthMessage, acct *store.Account) (*credential.Result, error) {
	resp, err := msg.MSCHAP2Response()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialVerificationFailed, err)
	}
	res := credential.VerifyMSCHAPv2(msg.MSCHAPChallenge(), resp.PeerChallenge, msg.Username(), acct.Password, resp.NTResponse)
	if !res.OK {
		return nil, &MSCHAPError{
			Ident: resp.Ident,
			Err:   fmt.Errorf("%w: mschapv2", ErrCredentialVerificationFailed),
		}
	}
	return &res, nil
}

func ipString(msg *message.AuthMessage) string {
	if ip := msg.NASAddr(); ip != nil {
		return ip.String()
	}
	return ""
}
