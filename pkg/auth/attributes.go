package auth

import (
	"fmt"
	"math"
	"time"

	"github.com/codelaboratoryltd/radiusd/pkg/radius"
	"github.com/codelaboratoryltd/radiusd/pkg/store"
)

// Vendor attribute types carrying rate limits
const (
	mikrotikRateLimit    = 8
	huaweiInputAvgRate   = 2
	huaweiOutputAvgRate  = 5
	h3cInputAvgRate      = 2
	h3cOutputAvgRate     = 5
	zteRateCtrlScrDown   = 83
	zteRateCtrlScrUp     = 89
	mppePolicyAllowed    = 1
	mppeTypesRC4Allowed  = 6
	maxSessionTimeoutSec = math.MaxUint32
)

// addSessionTimeout adds Session-Timeout for accounts limited in time
func addSessionTimeout(reply *radius.Packet, remaining time.Duration) {
	secs := int64(remaining / time.Second)
	if secs < 1 {
		secs = 1
	}
	if secs > maxSessionTimeoutSec {
		secs = maxSessionTimeoutSec
	}
	reply.AddInteger(radius.AttrSessionTimeout, uint32(secs))
}

// addRateLimit adds the rate limit of acct in the dialect of the NAS
// vendor. Vendors without a known dialect get nothing.
func addRateLimit(reply *radius.Packet, vendorID uint32, acct *store.Account) {
	in, out := acct.InputRateKbps, acct.OutputRateKbps
	if in <= 0 && out <= 0 {
		return
	}

	switch vendorID {
	case radius.VendorMikroTik:
		// rx/tx as seen by the router: upload first
		reply.AddVendor(radius.VendorMikroTik, mikrotikRateLimit, fmt.Appendf(nil, "%dk/%dk", in, out))
	case radius.VendorHuawei:
		reply.AddVendor(radius.VendorHuawei, huaweiInputAvgRate, radius.NewInteger(bps(in)))
		reply.AddVendor(radius.VendorHuawei, huaweiOutputAvgRate, radius.NewInteger(bps(out)))
	case radius.VendorH3C:
		reply.AddVendor(radius.VendorH3C, h3cInputAvgRate, radius.NewInteger(bps(in)))
		reply.AddVendor(radius.VendorH3C, h3cOutputAvgRate, radius.NewInteger(bps(out)))
	case radius.VendorZTE:
		reply.AddVendor(radius.VendorZTE, zteRateCtrlScrDown, radius.NewInteger(kbps(out)))
		reply.AddVendor(radius.VendorZTE, zteRateCtrlScrUp, radius.NewInteger(kbps(in)))
	}
}

func bps(kbit int64) uint32 {
	return kbps(kbit * 1000)
}

func kbps(v int64) uint32 {
	if v <= 0 {
		return 0
	}
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}
