package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sandia-hpc/diod9p/internal/auth"
	"github.com/sandia-hpc/diod9p/internal/backend"
	"github.com/sandia-hpc/diod9p/internal/config"
	"github.com/sandia-hpc/diod9p/internal/cred"
	"github.com/sandia-hpc/diod9p/internal/log"
	"github.com/sandia-hpc/diod9p/internal/metrics"
	"github.com/sandia-hpc/diod9p/internal/server"
)

var serveCmd = newServeCmd()

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the 9P2000.L daemon core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

// runServe wires configuration, metrics, the Null backend and the
// server/conn runtime together and blocks accepting connections until
// SIGINT/SIGTERM. The accept loop, metrics HTTP server, and signal
// handling run under one errgroup so they shut down together.
func runServe(cmd *cobra.Command) error {
	f, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if f.Log.Level == "debug" {
		log.SetLevel("stderr", log.DEBUG)
	}

	// A small in-memory backlog of recent log lines, queryable over HTTP
	// without tailing a file.
	ring := log.NewRing(1000)
	log.AddLogger("ring", ring, log.DEBUG, false)
	defer log.DelLogger("ring")

	met := metrics.NewCollector(nil)

	var verifier auth.Verifier
	if f.Auth.Required {
		verifier = cred.Verifier{}
	}
	be := backend.NewNull(f.Auth.Required, verifier)

	srv := server.NewServer(f.ToServerConfig(), be)
	srv.SetMetrics(met)
	srv.Start()
	defer srv.Stop()

	ln, err := net.Listen(f.Listen.Network, f.Listen.Address)
	if err != nil {
		return err
	}
	log.Info("diod9pd: listening on %s/%s", f.Listen.Network, f.Listen.Address)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/debug/log", func(w http.ResponseWriter, r *http.Request) {
			for _, line := range ring.Dump() {
				fmt.Fprintln(w, line)
			}
		})
		hsrv := &http.Server{Addr: f.Metrics.Address, Handler: mux}

		g.Go(func() error {
			<-gctx.Done()
			return hsrv.Shutdown(context.Background())
		})

		log.Info("diod9pd: metrics on %s/metrics", f.Metrics.Address)
		if err := hsrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	g.Go(func() error {
		for {
			c, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			log.Info("diod9pd: client connected: %s", c.RemoteAddr())

			sc := srv.NewConn(c)
			go sc.Serve()
		}
	})

	return g.Wait()
}
