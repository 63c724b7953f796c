package cmd

import (
	"github.com/spf13/cobra"

	"github.com/quillhq/quill/internal/backend"
)

var completeCmd = &cobra.Command{
	Use:   "complete [prefix]",
	Short: "Request a code completion from the active backend",
	Long:  `Request a completion for the given code prefix and stream it to stdout. The prefix is taken from the arguments, or from stdin when none are given.`,
	RunE:  runComplete,
}

func init() {
	completeCmd.Flags().Int("max-tokens", 0, "maximum tokens to generate")
	completeCmd.Flags().String("language", "", "source language reported in telemetry")
	completeCmd.Flags().Bool("no-stream", false, "wait for the full completion instead of streaming")
}

func runComplete(cmd *cobra.Command, args []string) error {
	prefix, err := readPrompt(args)
	if err != nil {
		return err
	}

	orch, err := newOrchestrator(cmd.Context())
	if err != nil {
		return err
	}

	messages := []backend.Message{{Role: backend.RoleCompletion, Content: prefix}}
	param := requestParam(cmd)

	if err := runCall(cmd.Context(), orch.Completion, messages, param); err != nil {
		return err
	}

	language, _ := cmd.Flags().GetString("language")
	orch.SendTelemetry(cmd.Context(), "completion", language, 1)
	return nil
}
