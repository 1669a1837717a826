package credential

import "github.com/codelaboratoryltd/radiusd/pkg/radius"

// Algorithm identifies the credential scheme of an Access-Request
type Algorithm int

const (
	PAP Algorithm = iota
	CHAP
	MSCHAPv1
	MSCHAPv2
)

func (a Algorithm) String() string {
	switch a {
	case PAP:
		return "pap"
	case CHAP:
		return "chap"
	case MSCHAPv1:
		return "mschapv1"
	case MSCHAPv2:
		return "mschapv2"
	}
	return "unknown"
}

// Select picks the verification algorithm from the attributes present:
// MS-CHAP-Challenge with MS-CHAP2-Response selects MS-CHAPv2, MS-CHAP-Response
// selects MS-CHAPv1, CHAP-Password selects CHAP, anything else is PAP.
func Select(p *radius.Packet) Algorithm {
	if _, ok := p.Vendor(radius.VendorMicrosoft, radius.MSCHAP2Response); ok {
		if _, ok := p.Vendor(radius.VendorMicrosoft, radius.MSCHAPChallenge); ok {
			return MSCHAPv2
		}
	}
	if _, ok := p.Vendor(radius.VendorMicrosoft, radius.MSCHAPResponse); ok {
		return MSCHAPv1
	}
	if p.Has(radius.AttrCHAPPassword) {
		return CHAP
	}
	return PAP
}
