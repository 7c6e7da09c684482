// Command mira is the local-first coding assistant backend CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/mira/internal/config"
	"github.com/haasonsaas/mira/internal/operation"
	"github.com/haasonsaas/mira/pkg/models"
)

var version = "dev"

func contextBackground() context.Context { return context.Background() }

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "mira",
		Short:         "Local-first personal coding assistant backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")

	loadConfig := func() (*config.Config, error) {
		if configPath != "" {
			return config.Load(configPath)
		}
		return config.Default(), nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("mira", version)
		},
	})

	var askSession, askProject string
	ask := &cobra.Command{
		Use:   "ask [message]",
		Short: "Run one request and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			handle, err := a.orch.Start(cmd.Context(), operation.Request{
				SessionID:   askSession,
				ProjectID:   askProject,
				Kind:        "chat",
				UserMessage: strings.Join(args, " "),
			})
			if err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				<-sigCh
				a.orch.Cancel(handle.OperationID)
			}()

			for event := range handle.Events {
				switch event.Type {
				case models.EventStreaming:
					fmt.Print(event.Content)
				case models.EventArtifactPreview:
					fmt.Fprintf(os.Stderr, "\n[artifact] %s\n", event.Path)
				case models.EventCompleted:
					fmt.Println()
				case models.EventFailed:
					return fmt.Errorf("operation failed: %s", event.Error)
				case models.EventCancelled:
					fmt.Fprintln(os.Stderr, "\ncancelled")
				}
			}
			return nil
		},
	}
	ask.Flags().StringVar(&askSession, "session", "default", "Session id")
	ask.Flags().StringVar(&askProject, "project", "", "Project id")
	root.AddCommand(ask)

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the background task runner until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.runner.Start(); err != nil {
				return err
			}
			defer a.runner.Stop()
			a.logger.Info("mira serving", "version", version)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			a.logger.Info("shutting down")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Run retention, decay, and orphan cleanup jobs once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()
			a.runner.RunOnce(cmd.Context())
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
