package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/shopsync/cmd/shopsync/handlers"
	"github.com/kimhsiao/shopsync/internal/app"
	"github.com/kimhsiao/shopsync/internal/config"
	"github.com/kimhsiao/shopsync/internal/logging"
	"github.com/kimhsiao/shopsync/internal/sync/remote"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon and the local REST/WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			return serve(cmd.Context(), a, opts.loader)
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from server.addr)")
	return cmd
}

// newServer builds the HTTP handler for a, including the event stream.
func newServer(a *app.App, hub *WSHub) http.Handler {
	mux := handlers.NewRouter(handlers.Deps{
		Engine:    a.Engine,
		Scheduler: a.Scheduler,
		Resolver:  a.Resolver,
		Service:   a.Service,
	})
	mux.Handle("GET /ws", HandleWebSocket(hub))
	return mux
}

// serve runs the scheduler, the WebSocket hub and the HTTP server until
// ctx is done or one of them fails.
func serve(ctx context.Context, a *app.App, loader *config.Loader) error {
	hub := NewWSHub()
	listener := a.Publisher.AddListener(hub.Broadcast)
	defer a.Publisher.RemoveListener(listener)

	loader.Watch(a.ApplyConfig)

	g, ctx := errgroup.WithContext(ctx)
	a.Start(ctx)

	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           newServer(a, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	logging.Info("Local API listening", map[string]interface{}{"addr": ln.Addr().String()})

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newStubRemoteCommand(opts *RootOptions) *cobra.Command {
	var addr, apiKey string
	cmd := &cobra.Command{
		Use:   "stub-remote",
		Short: "Serve an in-memory shop backend for local development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			closer, err := app.SetupLogging(opts.config.Log)
			if err != nil {
				return err
			}
			defer closer.Close()

			return serveStub(cmd.Context(), addr, remote.NewHandler(remote.NewMemory(), apiKey))
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "127.0.0.1:8788", "listen address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "require this bearer token")
	return cmd
}

func serveStub(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logging.Info("Stub remote listening", map[string]interface{}{"addr": ln.Addr().String()})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
