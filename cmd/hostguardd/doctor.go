package main

import (
	"database/sql"
	"fmt"
	"os"
	"runtime"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/duh17/hostguard/internal/config"
	"github.com/duh17/hostguard/internal/policyconfig"
	"github.com/duh17/hostguard/internal/upgrade"
	"github.com/duh17/hostguard/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("hostguardd doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (using defaults, file not found)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Policy:")
	if _, err := policyconfig.Load(cfg.Policy.ConfigPath); err != nil {
		fmt.Printf("    %-12s LOAD FAILED (%s)\n", "Config:", err)
	} else {
		fmt.Printf("    %-12s %s (OK)\n", "Config:", cfg.Policy.ConfigPath)
	}

	fmt.Println()
	fmt.Println("  Docstore:")
	if cfg.IsPostgresMode() {
		fmt.Printf("    %-12s postgres\n", "Mode:")
		db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
		if err != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		} else {
			defer db.Close()
			if err := db.Ping(); err != nil {
				fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
			} else if s, schemaErr := upgrade.CheckSchema(db); schemaErr != nil {
				fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", schemaErr)
			} else if s.Dirty {
				fmt.Printf("    %-12s v%d (DIRTY — run: hostguardd migrate force %d)\n", "Schema:", s.CurrentVersion, s.CurrentVersion-1)
			} else if s.Compatible {
				fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
			} else if s.NeedsMigration {
				fmt.Printf("    %-12s v%d (upgrade needed — run: hostguardd migrate up)\n", "Schema:", s.CurrentVersion)
			} else {
				fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
			}
		}
	} else {
		fmt.Printf("    %-12s file (%s)\n", "Mode:", cfg.Docstore.Dir)
	}

	fmt.Println()
	fmt.Printf("  StreamMux listen: %s\n", cfg.StreamMux.ListenAddr)
	fmt.Printf("  AuthProxy listen: %s\n", cfg.AuthProxy.ListenAddr)
}
