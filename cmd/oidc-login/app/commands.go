// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the oidc-login command.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/oidcd/pkg/auth/login"
	"github.com/stacklok/oidcd/pkg/logger"
	"github.com/stacklok/oidcd/pkg/networking"
)

const envPrefix = "OIDC_LOGIN"

var flagNames = []string{"issuer", "client-id", "client-secret", "scopes", "callback-port", "no-browser", "api-url", "json", "timeout"}

// NewRootCmd creates the oidc-login command. Flags can also be set through
// OIDC_LOGIN_* environment variables.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "oidc-login",
		DisableAutoGenTag: true,
		Short:             "Sign in to oidcd from the command line",
		Long: `oidc-login runs the authorization code flow with PKCE against an OpenID
Connect provider. It opens the browser, receives the redirect on a loopback
port, verifies the ID token and prints the result.

With --api-url the access token is sent as a bearer token to that URL and
the JSON response is printed as well.`,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		RunE:         runLogin,
		SilenceUsage: true,
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	f := cmd.Flags()
	f.String("issuer", "http://localhost:8080", "Issuer URL")
	f.String("client-id", "cli", "Client ID")
	f.String("client-secret", "", "Client secret for confidential clients")
	f.StringSlice("scopes", []string{"email", "profile"}, "Scopes in addition to openid")
	f.Int("callback-port", 0, "Loopback callback port (0 picks a free port)")
	f.Bool("no-browser", false, "Print the authorization URL instead of opening a browser")
	f.String("api-url", "", "Protected API to call with the access token")
	f.Bool("json", false, "Print the result as JSON")
	f.Duration("timeout", 5*time.Minute, "Time allowed to complete the sign-in")
	for _, name := range flagNames {
		if err := viper.BindPFlag(name, f.Lookup(name)); err != nil {
			logger.Errorf("Error binding %s flag: %v", name, err)
		}
	}
	return cmd
}

// output is what oidc-login prints. Tokens are included so the command can
// be used to obtain credentials for other tools.
type output struct {
	Subject      string         `json:"subject"`
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	IDToken      string         `json:"id_token"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Claims       map[string]any `json:"id_token_claims"`
	UserInfo     map[string]any `json:"userinfo,omitempty"`
	API          map[string]any `json:"api,omitempty"`
}

func runLogin(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	flow, err := login.NewFlow(ctx, login.Config{
		Issuer:       viper.GetString("issuer"),
		ClientID:     viper.GetString("client-id"),
		ClientSecret: viper.GetString("client-secret"),
		Scopes:       viper.GetStringSlice("scopes"),
		CallbackPort: viper.GetInt("callback-port"),
		SkipBrowser:  viper.GetBool("no-browser"),
		Timeout:      viper.GetDuration("timeout"),
	})
	if err != nil {
		return err
	}
	logger.Debugw("waiting for callback", "redirect_uri", flow.RedirectURL())

	res, err := flow.Start(ctx)
	if err != nil {
		return err
	}

	out := output{
		Subject:      res.Subject,
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		IDToken:      res.IDToken,
		ExpiresAt:    res.Expiry,
		Claims:       res.Claims,
		UserInfo:     res.UserInfo,
	}
	if apiURL := viper.GetString("api-url"); apiURL != "" {
		out.API, err = callAPI(ctx, apiURL, res.AccessToken)
		if err != nil {
			return err
		}
	}
	return printOutput(cmd.OutOrStdout(), out, viper.GetBool("json"))
}

func callAPI(ctx context.Context, apiURL, accessToken string) (map[string]any, error) {
	client, err := networking.NewHTTPClientBuilder().WithLoopbackHTTP(true).Build()
	if err != nil {
		return nil, err
	}
	res, err := networking.FetchJSON[map[string]any](ctx, client, apiURL,
		networking.WithHeader("Authorization", "Bearer "+accessToken))
	if err != nil {
		if networking.IsHTTPError(err, http.StatusUnauthorized) {
			return nil, fmt.Errorf("the API rejected the access token: %w", err)
		}
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	return res.Data, nil
}

func printOutput(w io.Writer, out output, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Signed in as %s\n", out.Subject)
	if email, ok := out.UserInfo["email"].(string); ok {
		fmt.Fprintf(&b, "Email:        %s\n", email)
	}
	if name, ok := out.UserInfo["name"].(string); ok {
		fmt.Fprintf(&b, "Name:         %s\n", name)
	}
	fmt.Fprintf(&b, "Expires:      %s\n", out.ExpiresAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Access token: %s\n", out.AccessToken)
	if out.API != nil {
		apiJSON, err := json.MarshalIndent(out.API, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "API response:\n%s\n", apiJSON)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
