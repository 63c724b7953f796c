package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/quillhq/quill/internal/backend"
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Send a chat message to the active backend",
	Long:  `Send a chat message and stream the reply to stdout. The prompt is taken from the arguments, or from stdin when none are given.`,
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().String("system", "", "system prompt prepended to the conversation")
	chatCmd.Flags().Float64("temperature", 0, "sampling temperature override")
	chatCmd.Flags().Int("max-tokens", 0, "maximum tokens to generate")
	chatCmd.Flags().StringSlice("kb", nil, "knowledge base codes to ground the reply in")
	chatCmd.Flags().Bool("no-stream", false, "wait for the full reply instead of streaming")
}

func runChat(cmd *cobra.Command, args []string) error {
	prompt, err := readPrompt(args)
	if err != nil {
		return err
	}

	orch, err := newOrchestrator(cmd.Context())
	if err != nil {
		return err
	}

	var messages []backend.Message
	if system, _ := cmd.Flags().GetString("system"); system != "" {
		messages = append(messages, backend.Message{Role: backend.RoleSystem, Content: system})
	}
	messages = append(messages, backend.Message{Role: backend.RoleUser, Content: prompt})

	param := requestParam(cmd)
	if err := runCall(cmd.Context(), orch.Chat, messages, param); err != nil {
		return err
	}

	orch.SendTelemetry(cmd.Context(), "chat", "", 1)
	return nil
}

func requestParam(cmd *cobra.Command) backend.RequestParam {
	noStream, _ := cmd.Flags().GetBool("no-stream")
	param := backend.RequestParam{Stream: !noStream}
	if cmd.Flags().Changed("temperature") {
		temperature, _ := cmd.Flags().GetFloat64("temperature")
		param.Temperature = &temperature
	}
	param.MaxNewTokens, _ = cmd.Flags().GetInt("max-tokens")
	param.KnowledgeBases, _ = cmd.Flags().GetStringSlice("kb")
	return param
}

type callFunc func(ctx context.Context, messages []backend.Message, param backend.RequestParam, handler backend.Handler, headers map[string]string) error

// runCall runs one chat or completion call, printing data fragments as
// they arrive, and blocks until the terminal event.
func runCall(ctx context.Context, call callFunc, messages []backend.Message, param backend.RequestParam) error {
	done := make(chan error, 1)
	handler := func(ev backend.ResponseEvent) {
		switch ev.Kind {
		case backend.EventData:
			if ev.Choice != nil && ev.Choice.Message != nil {
				fmt.Print(ev.Choice.Message.Content)
			}
		case backend.EventFinish:
			fmt.Println()
		case backend.EventError:
			done <- ev.Err
		case backend.EventCancel:
			fmt.Fprintln(os.Stderr, color.YellowString("cancelled"))
			done <- nil
		case backend.EventDone:
			done <- nil
		}
	}

	if err := call(ctx, messages, param, handler, nil); err != nil {
		return err
	}
	return <-done
}

func readPrompt(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt from stdin: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}
	return prompt, nil
}
