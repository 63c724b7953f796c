package cmd

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/quillhq/quill/internal/backend"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate against the active backend",
	Long:  `Authenticate against the active backend using whichever flow it supports: a browser authorization-code handshake, an API key, or an access-key pair.`,
	RunE:  runLogin,
}

func init() {
	loginCmd.Flags().String("api-key", "", "authenticate with a static API key")
	loginCmd.Flags().String("access-key-id", "", "authenticate with an access-key pair (id)")
	loginCmd.Flags().String("secret-access-key", "", "authenticate with an access-key pair (secret)")
}

func runLogin(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	orch, err := newOrchestrator(ctx)
	if err != nil {
		return err
	}

	apiKey, _ := cmd.Flags().GetString("api-key")
	keyID, _ := cmd.Flags().GetString("access-key-id")
	keySecret, _ := cmd.Flags().GetString("secret-access-key")

	param := backend.LoginParam{
		APIKey:          apiKey,
		AccessKeyID:     keyID,
		SecretAccessKey: keySecret,
	}

	// Without static credentials, fall back to the browser flow: print
	// the login URL and wait for the authorization code to be pasted
	// back.
	if apiKey == "" && keyID == "" {
		verifier := newVerifier()
		url, err := orch.LoginURL(verifier)
		if err == nil && url != "" {
			color.Blue("Open the following URL in a browser and authorize access:")
			fmt.Println("  " + url)
			fmt.Print("Authorization code: ")

			reader := bufio.NewReader(os.Stdin)
			code, _ := reader.ReadString('\n')
			param.Code = strings.TrimSpace(code)
			param.Verifier = verifier
		}
	}

	if err := orch.Login(ctx, param); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	if account, ok := orch.Account(); ok {
		color.Green("Logged in to %s as %s", orch.ActiveBackend(), account.Username)
	}
	return nil
}

func newVerifier() string {
	buf := make([]byte, 32)
	rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Drop the active backend's credential",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		orch, err := newOrchestrator(ctx)
		if err != nil {
			return err
		}
		if err := orch.Logout(ctx); err != nil {
			return err
		}
		color.Green("Logged out of %s", orch.ActiveBackend())
		return nil
	},
}
