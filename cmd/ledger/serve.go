package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"ingestledger/internal/app"
	"ingestledger/internal/server"
)

func serveCmd() *cobra.Command {
	var (
		addr, basePath, queueDSN string
		consume                  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ops HTTP API, optionally with a local consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Dispatcher()
				if err != nil {
					return err
				}
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				handler, err := server.New(server.Config{
					Engine:     rt.Engine,
					Dispatcher: d,
					BasePath:   basePath,
					Auth:       server.AuthConfig{JWTSecret: rt.Config.Server.JWTSecret},
					Logger:     rt.Logger,
				})
				if err != nil {
					return err
				}
				if consume {
					p, q, err := rt.Poller(queueDSN)
					if err != nil {
						return err
					}
					defer q.Close()
					go func() {
						if err := p.Run(ctx); err != nil {
							rt.Logger.Error("consumer stopped", "error", err)
						}
					}()
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving ledger API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&consume, "consume", false, "also run the local queue consumer")
	cmd.Flags().StringVar(&queueDSN, "queue", "", "queue dsn for --consume (default consumer.queue)")
	return cmd
}
