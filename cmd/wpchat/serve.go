package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/wpchat/internal/devserver"
	"github.com/ChamsBouzaiene/wpchat/internal/providers"
)

func serveCmd() *cobra.Command {
	var (
		addr        string
		provider    string
		model       string
		token       string
		searchDelay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local chat backend for development",
		Long: `serve runs a backend speaking the same websocket and history API as the
production server. Answers come from the selected provider; echo needs no
credentials.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if provider == "" {
				provider = cfg.ProviderName
			}
			if model == "" {
				model = cfg.ModelName
			}
			p, err := providers.New(provider, model, os.Getenv)
			if err != nil {
				return err
			}

			srv := devserver.New(devserver.Config{
				Provider:    p,
				AuthToken:   token,
				SearchDelay: searchDelay,
				Logger:      logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(addr) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down dev backend")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return <-errCh
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8000", "Listen address")
	cmd.Flags().StringVar(&provider, "provider", "", "Answer provider (echo|openai|anthropic|deepseek|groq|gemini|ollama|lmstudio)")
	cmd.Flags().StringVar(&model, "model", "", "Provider model")
	cmd.Flags().StringVar(&token, "require-token", "", "Reject clients that do not present this token")
	cmd.Flags().DurationVar(&searchDelay, "search-delay", 300*time.Millisecond, "Simulated search latency")
	return cmd
}
