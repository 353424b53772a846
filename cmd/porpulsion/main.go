// Package main is the entry point for the porpulsion binary. The
// agent runs inside a Kubernetes cluster, peers with agents in other
// clusters over a single authenticated WebSocket channel per peer,
// and executes the workloads those peers submit.
//
// Dependencies are assembled via Google Wire; see wire.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/porpulsion/porpulsion-agent/internal/config"
	"github.com/porpulsion/porpulsion-agent/manifests"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	// Cancel on SIGINT (Ctrl+C) or SIGTERM (container runtime).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		// Cobra is configured with SilenceErrors: true, so we
		// print the error here for consistent formatting.
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

// run wires all dependencies and executes the root Cobra command.
func run(ctx context.Context) error {
	conf, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	rootCmd, err := newCmd(conf)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return rootCmd.ExecuteContext(ctx)
}

func newCmd(conf *config.Config) (*cobra.Command, error) {
	c := &cobra.Command{
		Use:           "porpulsion",
		Short:         "Porpulsion: peer-to-peer workload sharing between Kubernetes clusters.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd, err := newServeCommand(conf, func() (*App, func(), error) {
		return wireApp(conf)
	})
	if err != nil {
		return nil, err
	}

	c.AddCommand(serveCmd)
	c.AddCommand(newManifestsCommand())

	return c, nil
}

func newManifestsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "manifests",
		Short:   "Print the Kubernetes install manifests",
		Example: "porpulsion manifests | kubectl apply -f -",
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := manifests.Deploy.ReadDir("deploy")
			if err != nil {
				return err
			}
			for i, entry := range entries {
				data, err := manifests.Deploy.ReadFile("deploy/" + entry.Name())
				if err != nil {
					return err
				}
				if i > 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "---")
				}
				fmt.Fprint(cmd.OutOrStdout(), string(data))
			}
			return nil
		},
	}
}

// AppInjector builds the fully wired application.
type AppInjector func() (*App, func(), error)

func newServeCommand(conf *config.Config, newApp AppInjector) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the agent: dashboard API, peer endpoints, channels, reconciler",
		Example: "porpulsion serve --agent-name=cluster-a --self-url=https://a.example:8441",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := conf.Validate(); err != nil {
				return err
			}

			app, cleanup, err := newApp()
			if err != nil {
				return fmt.Errorf("failed to initialize agent: %w", err)
			}
			defer cleanup()

			return app.Run(cmd.Context())
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.Options); err != nil {
		return nil, err
	}

	return cmd, nil
}
