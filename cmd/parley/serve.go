package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/parley/pkg/remote/relay"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured store to parley clients over HTTP and websockets",
		RunE:  runServe,
	}
	cmd.Flags().String("listen", ":8080", "Address to listen on")
	cobra.CheckErr(viper.BindPFlags(cmd.Flags()))
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	b, err := openBackend(false)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			log.Warn().Err(err).Msg("could not close store")
		}
	}()

	if viper.GetString("log-level") != "debug" && viper.GetString("log-level") != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := relay.NewServer(b.store)
	httpServer := &http.Server{
		Addr:              viper.GetString("listen"),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Str("store", b.kind).Msg("relay listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "relay server failed")
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// hijacked websocket connections are not closed by Shutdown
		srv.Close()
		return httpServer.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
