package cli

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kochman/netblock/backends/udpnet"
	"github.com/kochman/netblock/internal"
	"github.com/kochman/netblock/internal/metrics"
	"github.com/kochman/netblock/nbd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type serveOpts struct {
	listen      string
	name        string
	metricsAddr string
}

func ServeCommand() *cobra.Command {
	var opts serveOpts

	cmd := &cobra.Command{
		Use:   "serve <device>",
		Short: "Export a device over NBD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			settings := getSettings(cmd)
			if cmd.Flags().Changed("metrics-addr") {
				settings.Set(internal.KeyMetricsAddr, opts.metricsAddr)
			}

			dev, err := openDevice(cmd, args[0])
			if err != nil {
				return err
			}
			defer dev.Close()

			cacheSectors := settings.GetInt(internal.KeyCacheSectors)
			if cacheSectors <= 0 {
				cacheSectors = internal.DefaultCacheSectors
			}
			srv, err := nbd.NewServer(dev, opts.name, cacheSectors)
			if err != nil {
				return err
			}

			if addr := settings.GetString(internal.KeyMetricsAddr); addr != "" {
				collector := metrics.NewTransferCollector("")
				if h, ok := dev.(*udpnet.Handle); ok {
					h.Instrument(collector)
				}
				ms := startMetrics(addr, collector)
				defer ms.Close()
			}

			ln, err := net.Listen("tcp", opts.listen)
			if err != nil {
				return fmt.Errorf("unable to listen on %s: %w", opts.listen, err)
			}
			go func() {
				<-ctx.Done()
				ln.Close()
			}()

			internal.Info("exporting device", internal.Fields{
				internal.FieldPath:    args[0],
				internal.FieldAddr:    ln.Addr().String(),
				internal.FieldSectors: srv.Size() / 512,
			})
			return srv.Serve(ln)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", ":10809", "Address to accept NBD clients on")
	cmd.Flags().StringVar(&opts.name, "name", "", "Export name clients must ask for")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on")
	return cmd
}

func startMetrics(addr string, collector *metrics.TransferCollector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	ms := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			internal.Error("metrics server failed", internal.Fields{
				internal.FieldAddr:  addr,
				internal.FieldError: err.Error(),
			})
		}
	}()
	internal.Info("serving metrics", internal.Fields{
		internal.FieldAddr: addr,
	})
	return ms
}
