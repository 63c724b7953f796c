package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List configured backends and switch between them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		orch, err := newOrchestrator(cmd.Context())
		if err != nil {
			return err
		}
		active := orch.ActiveBackend()
		for _, name := range orch.ListBackendNames() {
			if name == active {
				fmt.Printf("* %s\n", color.GreenString(name))
			} else {
				fmt.Printf("  %s\n", name)
			}
		}
		return nil
	},
}

var backendsUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Switch the active backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, err := newOrchestrator(cmd.Context())
		if err != nil {
			return err
		}
		if err := orch.SetActive(args[0]); err != nil {
			return err
		}
		color.Green("Active backend set to %s", args[0])
		return nil
	},
}

var backendsOrgCmd = &cobra.Command{
	Use:   "org [code]",
	Short: "Select an organization context, or return to individual use",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, err := newOrchestrator(cmd.Context())
		if err != nil {
			return err
		}
		code := ""
		if len(args) > 0 {
			code = args[0]
		}
		if err := orch.SetOrganization(code); err != nil {
			return err
		}
		if code == "" {
			color.Green("Switched to individual use")
		} else {
			color.Green("Switched to organization %s", code)
		}
		return nil
	},
}

func init() {
	backendsCmd.AddCommand(backendsUseCmd)
	backendsCmd.AddCommand(backendsOrgCmd)
}
