package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/winejournal/labelscan/internal/api"
	"github.com/winejournal/labelscan/internal/security"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server for scan submission and queue administration",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		cfg.Server.Port = port

		env, err := initPipeline(ctx, "serve", true)
		if err != nil {
			return err
		}
		defer env.Close()

		server := api.NewServer(api.Config{
			AllowedOrigins:    cfg.Server.AllowedOrigins,
			ProductionOrigin:  cfg.Server.ProductionOrigin,
			MaxUploadBytes:    int64(cfg.Server.MaxUploadMB) << 20,
			DefaultClaimLimit: cfg.Queue.ClaimLimit,
			MaxClaimLimit:     cfg.Queue.MaxClaimLimit,
		}, api.Deps{
			Submitter:     env.Intake,
			Processor:     env.Processor,
			Sweeper:       env.Sweeper,
			Admin:         security.NewAdminAuthorizer(cfg.Supabase.ServiceRoleKey, cfg.Supabase.JWTSecret, cfg.Admin.APIKey),
			Users:         security.NewUserVerifier(cfg.Supabase.JWTSecret),
			Ping:          env.Pool.Ping,
			BreakerStates: env.Processor.Breakers().States,
		})

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.JobTimeout())
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
