package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mastercactapus/laserweb/config"
	"github.com/mastercactapus/laserweb/machine"
	"github.com/mastercactapus/laserweb/machine/grbl"
	"github.com/mastercactapus/laserweb/machine/klipper"
	"github.com/mastercactapus/laserweb/machine/sim"
	"github.com/mastercactapus/laserweb/transport"
)

var (
	serveAddr string
	serveSim  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveSim, "sim", false, "Connect to a simulated machine on startup")
}

// factories builds a protocol for each supported machine kind.
func factories(cfg *config.Config) map[machine.Kind]machine.Factory {
	return map[machine.Kind]machine.Factory{
		machine.KindGrbl: func(opts machine.ConnectOptions, log *zap.Logger) (machine.Protocol, error) {
			baud := opts.Baud
			if baud == 0 {
				baud = cfg.Machine.DefaultBaud
			}
			return grbl.New(transport.NewSerial(baud), grbl.Config{
				SettleDelay:    cfg.Grbl.SettleDelay,
				StatusInterval: cfg.Grbl.StatusInterval,
				BufferSize:     cfg.Grbl.RxBufferSize,
				EventBuffer:    cfg.Machine.EventsBuffer,
			}, log), nil
		},
		machine.KindKlipper: func(opts machine.ConnectOptions, log *zap.Logger) (machine.Protocol, error) {
			header := http.Header{}
			if opts.APIKey != "" {
				header.Set("X-Api-Key", opts.APIKey)
			}
			return klipper.New(transport.NewWebSocket(cfg.Klipper.HandshakeTimeout, header), klipper.Config{
				RequestTimeout: cfg.Klipper.RequestTimeout,
				EventBuffer:    cfg.Machine.EventsBuffer,
			}, log), nil
		},
		machine.KindMock: func(opts machine.ConnectOptions, log *zap.Logger) (machine.Protocol, error) {
			return sim.New(sim.Config{
				ConnectDelay: cfg.Sim.ConnectDelay,
				MoveDelay:    cfg.Sim.MoveDelay,
				EventBuffer:  cfg.Machine.EventsBuffer,
			}, log), nil
		},
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = serveAddr
	}
	if cmd.Flags().Changed("sim") {
		cfg.Sim.Enabled = serveSim
	}

	log, err := cfg.Log.Logger()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := machine.NewController(log.Named("machine"), cfg.Machine.EventsBuffer, factories(cfg))
	defer ctrl.Disconnect()

	if cfg.Sim.Enabled {
		err = ctrl.Connect(ctx, machine.ConnectOptions{Kind: machine.KindMock, Target: simTarget})
		if err != nil {
			log.Error("connect simulated machine", zap.Error(err))
		}
	}

	a := newAPI(ctrl, log.Named("api"), apiOptions{
		StaticDir: cfg.Server.StaticDir,
		DataDir:   cfg.Server.DataDir,
		Sim:       cfg.Sim.Enabled,
	})
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           withCORS(withRequestLog(log.Named("http"), a)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Addr), zap.Bool("sim", cfg.Sim.Enabled))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	a.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func withRequestLog(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, req)
		log.Debug("request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.String("remote", req.RemoteAddr),
			zap.Duration("took", time.Since(start)),
		)
	})
}
