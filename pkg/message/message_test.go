package message

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/radiusd/pkg/credential"
	"github.com/codelaboratoryltd/radiusd/pkg/dictionary"
	"github.com/codelaboratoryltd/radiusd/pkg/radius"
)

var (
	secret = []byte("testing123")
	dict   = dictionary.MustDefault()
	src    = &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 32000}
)

func TestAuthMessagePAP(t *testing.T) {
	p := radius.New(radius.CodeAccessRequest, secret)
	p.AddString(radius.AttrUserName, "alice")
	c, err := credential.EncryptPAP([]byte("s3cret"), secret, p.Authenticator)
	require.NoError(t, err)
	p.Add(radius.AttrUserPassword, c)
	p.AddString(radius.AttrCallingStationID, "AA-BB-CC-DD-EE-FF")
	p.AddString(radius.AttrNASIdentifier, "bras-1")

	m := NewAuthMessage(p, radius.VendorMikroTik, src, dict)
	assert.Equal(t, "alice", m.Username())
	assert.Equal(t, "bras-1", m.NASIdentifier())
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", m.MacAddr())
	assert.Equal(t, "10.0.0.1", m.NASAddr().String(), "falls back to source address")
	assert.Equal(t, credential.PAP, m.Algorithm())

	pw, err := m.Password()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(pw))

	reject := m.Reject("nope")
	assert.Equal(t, radius.CodeAccessReject, reject.Code)
	assert.Equal(t, p.Identifier, reject.Identifier)
	assert.Equal(t, "nope", reject.GetString(radius.AttrReplyMessage))
	assert.Equal(t, radius.CodeAccessAccept, m.Accept().Code)
}

func TestAuthMessageCHAPChallenge(t *testing.T) {
	p := radius.New(radius.CodeAccessRequest, secret)
	m := NewAuthMessage(p, 0, src, dict)
	assert.Equal(t, p.Authenticator[:], m.CHAPChallenge())

	p.Add(radius.AttrCHAPChallenge, []byte("challenge-bytes!"))
	p.Add(radius.AttrCHAPPassword, append([]byte{4}, make([]byte, 16)...))
	assert.Equal(t, []byte("challenge-bytes!"), m.CHAPChallenge())

	id, resp, ok := m.CHAPPassword()
	require.True(t, ok)
	assert.Equal(t, byte(4), id)
	assert.Len(t, resp, 16)
}

func TestDictionaryValue(t *testing.T) {
	p := radius.New(radius.CodeAccessRequest, secret)
	p.AddInteger(radius.AttrNASPort, 15)
	p.Add(radius.AttrNASIPAddress, radius.NewIPAddr(net.ParseIP("192.0.2.1")))
	p.AddVendor(radius.VendorMikroTik, 8, []byte("10M/10M"))

	m := NewAuthMessage(p, 0, nil, dict)

	v, err := m.Value("NAS-Port")
	require.NoError(t, err)
	assert.Equal(t, uint32(15), v)

	v, err = m.Value("nas-ip-address")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", v.(net.IP).String())

	assert.Equal(t, "10M/10M", m.StringValue("Mikrotik-Rate-Limit"))

	_, err = m.Value("Session-Timeout")
	assert.ErrorIs(t, err, ErrAttributeNotFound)
	_, err = m.Value("No-Such-Attribute")
	assert.ErrorIs(t, err, dictionary.ErrUnknownAttribute)
}

func TestAcctMessageCounters(t *testing.T) {
	p := &radius.Packet{Code: radius.CodeAccountingRequest, Secret: secret}
	p.AddInteger(radius.AttrAcctStatusType, uint32(radius.AcctStatusInterimUpdate))
	p.AddString(radius.AttrAcctSessionID, "S1")
	p.AddInteger(radius.AttrAcctSessionTime, 300)
	p.AddInteger(radius.AttrAcctInputOctets, 2048)
	p.AddInteger(radius.AttrAcctInputGigawords, 1)
	p.AddInteger(radius.AttrAcctOutputOctets, 1024*500)
	p.AddInteger(radius.AttrAcctTerminateCause, radius.TerminateCauseUserRequest)
	p.Add(radius.AttrFramedIPAddress, radius.NewIPAddr(net.ParseIP("100.64.0.5")))

	m := NewAcctMessage(p, 0, src, dict)
	st, ok := m.StatusType()
	require.True(t, ok)
	assert.Equal(t, radius.AcctStatusInterimUpdate, st)
	assert.Equal(t, "S1", m.AcctSessionID())
	assert.Equal(t, int64(300), m.SessionTime())
	assert.Equal(t, uint64(1<<32+2048), m.InputOctets())
	assert.Equal(t, int64((1<<32+2048)/1024), m.InputKiB())
	assert.Equal(t, int64(500), m.OutputKiB())
	assert.Equal(t, uint32(radius.TerminateCauseUserRequest), m.TerminateCause())
	assert.Equal(t, "100.64.0.5", m.FramedIPAddr())
	assert.Equal(t, radius.CodeAccountingResponse, m.Response().Code)

	now := time.Unix(1700000000, 0)
	assert.Equal(t, now, m.EventTime(now))
	p.AddInteger(radius.AttrAcctDelayTime, 5)
	assert.Equal(t, now.Add(-5*time.Second), m.EventTime(now))
}

func TestCoAMessage(t *testing.T) {
	attrs := SessionAttributes("alice", "S1", net.ParseIP("10.0.0.1"), net.ParseIP("100.64.0.9"))
	m := NewDisconnectRequest(secret, 0, attrs)
	assert.Equal(t, radius.CodeDisconnectRequest, m.Code)
	assert.Equal(t, "S1", m.AcctSessionID())

	fields := m.DMFields()
	require.Len(t, fields, 3)
	assert.Equal(t, radius.DMKeyUserName, fields[0].Key)
	assert.Equal(t, "100.64.0.9", string(fields[2].Value))

	c := NewCoARequest(secret, 0, SessionAttributes("", "S2", nil, nil))
	assert.Equal(t, radius.CodeCoARequest, c.Code)
	assert.Len(t, c.Attributes, 1)
}

func TestNormalizeMAC(t *testing.T) {
	tests := map[string]string{
		"AA-BB-CC-DD-EE-FF": "aa:bb:cc:dd:ee:ff",
		"aabb.ccdd.eeff":    "aa:bb:cc:dd:ee:ff",
		"AABBCCDDEEFF":      "aa:bb:cc:dd:ee:ff",
		"":                  "",
		"not-a-mac":         "not-a-mac",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeMAC(in), in)
	}
}
