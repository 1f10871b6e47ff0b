package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/duh17/hostguard/internal/config"
	"github.com/duh17/hostguard/internal/rules"
	"github.com/duh17/hostguard/pkg/protocol"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and edit the global and workspace rule stores",
	}
	cmd.AddCommand(rulesListCmd())
	cmd.AddCommand(rulesRemoveCmd())
	return cmd
}

func openRuleStore() (*rules.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return rules.New(cfg.Policy.GlobalRulesPath, cfg.Policy.WorkspaceRuleDir, newLogger()), nil
}

func rulesListCmd() *cobra.Command {
	var workspaceID string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List learned rules (global, a workspace with --workspace, or everything with --all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openRuleStore()
			if err != nil {
				return err
			}
			var list []protocol.Rule
			switch {
			case all:
				list = store.GetAll()
			case workspaceID != "":
				list = store.WorkspaceRules(workspaceID)
			default:
				list = store.GlobalRules()
			}
			out, err := json.MarshalIndent(list, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace", "", "list this workspace's rules instead of global")
	cmd.Flags().BoolVar(&all, "all", false, "list every rule across global, every on-disk workspace, and any live session")
	return cmd
}

func rulesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <rule-id>",
		Short: "Remove a learned rule by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openRuleStore()
			if err != nil {
				return err
			}
			if !store.Remove(args[0]) {
				return fmt.Errorf("rule %s not found", args[0])
			}
			fmt.Printf("removed rule %s\n", args[0])
			return nil
		},
	}
}
