package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/quillhq/quill/internal/backend"
	"github.com/quillhq/quill/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the engine configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a configuration interactively",
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration file",
	RunE: func(*cobra.Command, []string) error {
		if !cfgMgr.Exists() {
			return fmt.Errorf("no configuration found at %s", cfgMgr.GetPath())
		}
		data, err := os.ReadFile(cfgMgr.GetPath())
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n%s", cfgMgr.GetPath(), data)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigInit(*cobra.Command, []string) error {
	if cfgMgr.Exists() {
		return fmt.Errorf("configuration already exists at %s", cfgMgr.GetPath())
	}

	reader := bufio.NewReader(os.Stdin)

	color.Blue("Configuring the first backend.")
	kind := ask(reader, fmt.Sprintf("Kind (%s/%s/%s/%s)", backend.KindBearer, backend.KindSigned, backend.KindSelfHosted, backend.KindOpenAI), backend.KindOpenAI)
	name := ask(reader, "Name", kind)
	baseURL := ask(reader, "Base URL", defaultBaseURL(kind))

	bc := backend.Config{
		Name:    name,
		Kind:    kind,
		BaseURL: baseURL,
		Capacities: map[string]backend.CapacityOptions{
			string(backend.CapacityAssistant):  {ContextTokens: 8192, MaxNewTokens: 2048},
			string(backend.CapacityCompletion): {ContextTokens: 4096, MaxNewTokens: 256},
		},
	}

	switch kind {
	case backend.KindBearer:
		bc.AuthBaseURL = ask(reader, "Auth base URL", baseURL)
		bc.ClientID = ask(reader, "OAuth client ID", "")
	case backend.KindSigned:
		bc.AccessKeyID = ask(reader, "Access key ID", "")
		bc.SecretAccessKey = ask(reader, "Secret access key", "")
	case backend.KindOpenAI:
		bc.APIKey = ask(reader, "API key (blank to read OPENAI_API_KEY)", os.Getenv("OPENAI_API_KEY"))
	}

	cfg := &config.Config{Active: name, Backends: []backend.Config{bc}}
	if err := cfgMgr.Save(cfg); err != nil {
		return err
	}

	color.Green("Configuration written to %s", cfgMgr.GetPath())
	return nil
}

func ask(reader *bufio.Reader, prompt, fallback string) string {
	if fallback != "" {
		fmt.Printf("%s [%s]: ", prompt, fallback)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return fallback
	}
	return line
}

func defaultBaseURL(kind string) string {
	switch kind {
	case backend.KindOpenAI:
		return "https://api.openai.com"
	case backend.KindSelfHosted:
		return "http://127.0.0.1:8080"
	default:
		return ""
	}
}
