package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"realtime-sync/internal/events"
	"realtime-sync/internal/httpapi"
	"realtime-sync/internal/synccore"
	"realtime-sync/internal/ws"
)

func newRunCommand(root *rootOptions) *cobra.Command {
	var rooms []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the sync server and serve the local status API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			if cfg.Server.URL == "" {
				return commandError(errors.New("server.url is not configured"))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := synccore.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := svc.Close(); err != nil {
					logger.Warn("shutdown", "err", err)
				}
			}()

			svc.Bus.Subscribe(events.KindConnectionState, func(ev events.Event) error {
				if sc, ok := events.PayloadAs[events.StateChange](ev); ok {
					logger.Info("connection state", "from", sc.From, "to", sc.To, "err", sc.Err)
				}
				return nil
			})
			svc.Bus.Subscribe(events.KindAuthError, func(ev events.Event) error {
				if af, ok := events.PayloadAs[events.AuthFailure](ev); ok {
					logger.Error("sync server rejected credentials, log in again", "status", af.Status, "reason", af.Reason)
				}
				return nil
			})

			if err := svc.Start(ctx); err != nil {
				if errors.Is(err, ws.ErrAuthFailed) {
					return err
				}
				// 网络问题不退出：状态接口仍可用，可以之后 POST /reconnect
				logger.Warn("initial connect failed", "err", err)
			}
			for _, room := range rooms {
				if err := svc.JoinRoom(room); err != nil {
					logger.Warn("join room", "room", room, "err", err)
				}
			}

			g, gctx := errgroup.WithContext(ctx)
			if cfg.Status.Enabled {
				gin.SetMode(gin.ReleaseMode)
				srv := &http.Server{
					Addr:              cfg.Status.Addr,
					Handler:           httpapi.NewRouter(svc, cfg.Status.AllowOrigins, logger),
					ReadHeaderTimeout: 5 * time.Second,
				}
				g.Go(func() error {
					logger.Info("status api listening", "addr", cfg.Status.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down")
				return nil
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringSliceVar(&rooms, "room", nil, "room to join after connecting (repeatable)")
	return cmd
}
