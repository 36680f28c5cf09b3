// Command simctl drives the simulation run orchestrator from a terminal.
//
//	simctl [--api-url URL] [--json] <command> <subcommand> [flags]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/montylab/simorch/internal/cli"
	"github.com/montylab/simorch/internal/platform/env"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		apiURL     string
		jsonOutput bool
		authCfg    cli.AuthConfig
		scopes     string
	)

	rootCmd := &cobra.Command{
		Use:           "simctl",
		Short:         "Simulation run orchestrator CLI",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&apiURL, "api-url", env.String("SIMCTL_API_URL", "http://localhost:8000"), "Orchestrator URL")
	flags.BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	flags.StringVar(&authCfg.Token, "token", env.String("SIMCTL_TOKEN", ""), "Bearer token")
	flags.StringVar(&authCfg.TokenURL, "token-url", env.String("SIMCTL_TOKEN_URL", ""), "OAuth2 token endpoint for client credentials")
	flags.StringVar(&authCfg.ClientID, "client-id", env.String("SIMCTL_CLIENT_ID", ""), "OAuth2 client id")
	flags.StringVar(&scopes, "scopes", env.String("SIMCTL_SCOPES", "openid"), "OAuth2 scopes, space separated")
	authCfg.ClientSecret = env.String("SIMCTL_CLIENT_SECRET", "")

	clientFn := func() *cli.Client {
		cfg := authCfg
		cfg.Scopes = strings.Fields(scopes)
		return cli.NewClient(ctx, apiURL, cfg)
	}
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewRunsCmd(clientFn, outputFn),
		cli.NewCatalogCmd(clientFn, outputFn),
		cli.NewWatchCmd(clientFn, outputFn),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
