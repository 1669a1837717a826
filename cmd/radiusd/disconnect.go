package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/codelaboratoryltd/radiusd/pkg/coa"
	"github.com/codelaboratoryltd/radiusd/pkg/dictionary"
	"github.com/codelaboratoryltd/radiusd/pkg/message"
)

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Send a Disconnect-Request for one session to a NAS",
	Example: `  radiusd disconnect --nas 10.0.0.1 --secret testing123 --session 80000001
  radiusd disconnect --nas 10.0.0.1 --secret s --session S1 --user alice --vendor mikrotik`,
	RunE: runDisconnect,
}

var (
	dcNAS      string
	dcSecret   string
	dcSession  string
	dcUser     string
	dcFramedIP string
	dcVendor   string
	dcPort     int
	dcTimeout  time.Duration
	dcRetries  int
	dcDMVendor uint32
)

func init() {
	disconnectCmd.Flags().StringVar(&dcNAS, "nas", "", "NAS IP address")
	disconnectCmd.Flags().StringVar(&dcSecret, "secret", "", "Shared secret of the NAS")
	disconnectCmd.Flags().StringVar(&dcSession, "session", "", "Acct-Session-Id of the session")
	disconnectCmd.Flags().StringVar(&dcUser, "user", "", "User-Name of the session")
	disconnectCmd.Flags().StringVar(&dcFramedIP, "framed-ip", "", "Framed-IP-Address of the session")
	disconnectCmd.Flags().StringVar(&dcVendor, "vendor", "",
		"NAS vendor, as a dictionary vendor name or a number")
	disconnectCmd.Flags().IntVar(&dcPort, "port", coa.DefaultPort, "Dynamic authorization port")
	disconnectCmd.Flags().DurationVar(&dcTimeout, "timeout", 3*time.Second, "Timeout per attempt")
	disconnectCmd.Flags().IntVar(&dcRetries, "retries", 3, "Total number of attempts")
	disconnectCmd.Flags().Uint32Var(&dcDMVendor, "dm-vendor", 0,
		"Vendor ID whose NAS devices take the DM datagram instead of Disconnect-Request")
	disconnectCmd.MarkFlagRequired("nas")
	disconnectCmd.MarkFlagRequired("secret")
	disconnectCmd.MarkFlagRequired("session")
}

func runDisconnect(cmd *cobra.Command, args []string) error {
	logger, err := initLogger("warn")
	if err != nil {
		return err
	}
	defer logger.Sync()

	nas := net.ParseIP(dcNAS)
	if nas == nil {
		return fmt.Errorf("invalid NAS address %q", dcNAS)
	}
	var framed net.IP
	if dcFramedIP != "" {
		if framed = net.ParseIP(dcFramedIP); framed == nil {
			return fmt.Errorf("invalid framed IP %q", dcFramedIP)
		}
	}
	vendorID, err := resolveVendor(dcVendor)
	if err != nil {
		return err
	}

	client := coa.New(coa.Config{
		Timeout:    dcTimeout,
		Retries:    dcRetries,
		DMVendorID: dcDMVendor,
		Port:       dcPort,
	}, logger, nil)

	req := coa.Request{
		VendorID:   vendorID,
		Secret:     dcSecret,
		NasAddr:    nas,
		CoAPort:    dcPort,
		Attributes: message.SessionAttributes(dcUser, dcSession, nas, framed),
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(dcRetries+1)*(dcTimeout+time.Second))
	defer cancel()

	res, err := client.DisconnectAsync(ctx, req).Wait(ctx)
	if err != nil {
		return fmt.Errorf("disconnect aborted: %w", err)
	}
	return reportDisconnect(cmd, res)
}

func reportDisconnect(cmd *cobra.Command, res coa.Result) error {
	out := cmd.OutOrStdout()
	switch {
	case res.Acked:
		fmt.Fprintf(out, "Disconnect acknowledged after %d attempt(s)\n", res.Attempts)
		return nil
	case errors.Is(res.Err, coa.ErrTimeout):
		return fmt.Errorf("no reply after %d attempt(s): %w", res.Attempts, res.Err)
	case res.Err != nil:
		return res.Err
	}
	return fmt.Errorf("disconnect rejected by NAS (%s)", res.Code)
}

// resolveVendor accepts a vendor ID or a vendor name from the built-in
// dictionary. An empty value means the standard Disconnect-Request.
func resolveVendor(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	dict, err := dictionary.Default()
	if err != nil {
		return 0, err
	}
	return resolveVendorIn(dict, s)
}

func resolveVendorIn(dict *dictionary.Dictionary, s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	if id, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(id), nil
	}
	if v, ok := dict.VendorByName(s); ok {
		return v.ID, nil
	}
	return 0, fmt.Errorf("unknown vendor %q", s)
}
