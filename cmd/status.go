package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active backend and authentication state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		orch, err := newOrchestrator(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Backend:  %s\n", color.CyanString(orch.ActiveBackend()))

		if account, ok := orch.Account(); ok {
			fmt.Printf("Account:  %s", color.GreenString(account.Username))
			if account.Pro {
				fmt.Print(" (pro)")
			}
			fmt.Println()
			if len(account.Organizations) > 0 {
				names := make([]string, 0, len(account.Organizations))
				for _, org := range account.Organizations {
					names = append(names, fmt.Sprintf("%s (%s)", org.Name, org.Code))
				}
				fmt.Printf("Orgs:     %s\n", strings.Join(names, ", "))
			}
		} else {
			fmt.Printf("Account:  %s\n", color.RedString("not logged in"))
		}

		if org := orch.ActiveOrganization(); org != nil {
			fmt.Printf("Context:  %s\n", org.Name)
		} else {
			fmt.Println("Context:  individual")
		}

		if caps := orch.Capabilities(); len(caps) > 0 {
			fmt.Printf("Features: %s\n", strings.Join(caps, ", "))
		}
		return nil
	},
}
