package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "radiusd",
	Short: "RADIUS authentication, accounting and dynamic authorization server",
	Long: `radiusd - RADIUS AAA for broadband access networks.

Authenticates PAP, CHAP and MS-CHAPv2 subscribers, meters prepaid time and
traffic from accounting updates, and disconnects sessions that run out of
balance through RFC 5176 Disconnect-Request.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("radiusd version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(dictCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}
