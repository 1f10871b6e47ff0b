// Package main is the hostguardd CLI: the process that wires together the
// gate, policy engine, rule store, orchestrator, stream mux, auth proxy,
// and live-activity bridge described by the host-side control plane.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/duh17/hostguard/pkg/protocol"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "hostguardd",
	Short: "hostguardd — host-side control plane for remote agent sessions",
	Long:  "hostguardd supervises remote coding-agent sessions: it gates every tool call through a layered policy engine, multiplexes session events to the owner's devices, and substitutes real provider credentials on outbound calls so the agent process never sees a live secret.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $HOSTGUARD_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hostguardd %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("HOSTGUARD_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
