package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"punchd/internal/app"
	"punchd/internal/ingest"
	"punchd/internal/server"
	"punchd/internal/stream"
	"punchd/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noGovernor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, governor and optional stream consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			bootLogger := telemetry.NewLogger(os.Stderr, viper.GetString("log-level"), "json")
			rt, err := app.Open(ctx, viper.GetString("workspace"), overrides(), bootLogger)
			if err != nil {
				return err
			}
			defer rt.Close()
			cfg := rt.Config
			logger := telemetry.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			rt.Engine.Logger = logger
			rt.Engine.Governor.Logger = logger.With("component", "governor")

			shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
				ServiceName:  cfg.Telemetry.ServiceName,
				OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
				Insecure:     cfg.Telemetry.Insecure,
				SampleRate:   cfg.Telemetry.SampleRate,
			})
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(sctx)
			}()

			resumed, err := rt.Engine.ResumePending(ctx)
			if len(resumed) > 0 {
				logger.Info("pending checkpoints finalized", "count", len(resumed))
			}
			if err != nil {
				logger.Error("resume pending checkpoints", "err", err)
			}

			var spool *ingest.Spool
			if cfg.Ingest.Spool != "" {
				spool = ingest.NewSpool(cfg.Ingest.Spool)
			}
			pipeline := ingest.New(rt.Engine, cfg.Ingest, spool)
			defer func() {
				cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := pipeline.Close(cctx); err != nil {
					logger.Error("ingest drain", "err", err)
				}
			}()

			if cfg.Governor.Enabled && !noGovernor {
				go rt.Engine.Governor.Run(ctx)
			}
			if cfg.Stream.Addr != "" {
				consumer := stream.NewConsumer(cfg.Stream, pipeline)
				consumer.Logger = logger.With("component", "stream")
				defer consumer.Client.Close()
				go func() {
					if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("stream consumer stopped", "err", err)
					}
				}()
			}

			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				Pipeline: pipeline,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:      firstNonEmpty(viper.GetString("jwt-secret"), cfg.Server.JWTSecret),
					AllowAnonymous: cfg.Server.AllowAnonymous,
					Logger:         logger.With("component", "auth"),
				},
				RateLimit: cfg.Server.RateLimit,
				RateBurst: cfg.Server.RateBurst,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			logger.Info("serving punchd API", "addr", addr, "base_path", basePath,
				"docs", fmt.Sprintf("http://%s/docs", addr), "governor", cfg.Governor.Enabled && !noGovernor,
				"stream", cfg.Stream.Addr != "")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&noGovernor, "no-governor", false, "do not run the governor loop")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env PUNCHD_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
