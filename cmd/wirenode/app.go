package main

import (
	"bytes"
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zeroc-ice/ice-sub030/pkg/config"
	"github.com/zeroc-ice/ice-sub030/pkg/netstack"
	"github.com/zeroc-ice/ice-sub030/pkg/observability"
	"github.com/zeroc-ice/ice-sub030/pkg/reactor"
	"github.com/zeroc-ice/ice-sub030/pkg/transport/bt"
	"github.com/zeroc-ice/ice-sub030/pkg/transports"
)

const probeInterval = 5 * time.Second

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("wirenode started", zap.String("app", cfg.AppName))
	zap.L().Debug("effective configuration", zap.Any("config", cfg))

	sslCfg, err := cfg.SSL.TLS()
	if err != nil {
		zap.L().Error("invalid ssl configuration", zap.Error(err))
		return 1
	}
	inst := cfg.Instance(logger)
	reg, err := transports.Build(inst, transports.Options{
		Protocols: cfg.Transport.Protocols,
		SSL:       sslCfg,
		Bluetooth: bt.SystemAdapter(cfg.Bluetooth.Device),
	})
	if err != nil {
		zap.L().Error("failed to build transports", zap.Error(err))
		return 1
	}
	zap.L().Info("transports registered", zap.Strings("protocols", reg.Protocols()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initial, maxDelay, jitter := cfg.Net.Backoff()
	st, err := netstack.Start(ctx, cfg.Listen, cfg.Dial, netstack.Options{
		Registry:    reg,
		AdapterName: opts.Adapter,
		Accept:      echo(logger),
		Dialed:      probe(logger),
		Backoff:     netstack.Backoff{Initial: initial, Max: maxDelay, Jitter: jitter},
		Logger:      logger,
	})
	if err != nil {
		zap.L().Error("failed to start endpoints", zap.Error(err))
		return 1
	}

	zap.L().Info("node is running; press Ctrl+C to exit")
	<-ctx.Done()
	zap.L().Info("shutting down")
	if err := st.Close(); err != nil {
		zap.L().Warn("shutdown", zap.Error(err))
	}
	return 0
}

// echo writes every received byte back to the peer.
func echo(logger *zap.Logger) reactor.Handler {
	return func(ctx context.Context, c *reactor.Conn) {
		info := c.Info()
		log := logger.With(zap.String("remote", info.RemoteAddress), zap.String("protocol", info.Protocol))
		log.Info("accepted", zap.Any("info", info.Fields()))
		buf := make([]byte, 16*1024)
		var total int
		for {
			n, err := c.ReadSome(ctx, buf)
			if err != nil {
				log.Info("connection closed", zap.Int("bytes", total), zap.Error(err))
				return
			}
			if err := c.Write(ctx, buf[:n]); err != nil {
				log.Info("connection closed", zap.Int("bytes", total), zap.Error(err))
				return
			}
			total += n
		}
	}
}

// probe measures a round trip on a dialed connection until it fails.
func probe(logger *zap.Logger) reactor.Handler {
	return func(ctx context.Context, c *reactor.Conn) {
		log := logger.With(zap.String("connection", c.String()))
		payload := []byte("wirenode-probe")
		got := make([]byte, len(payload))
		ticker := time.NewTicker(probeInterval)
		defer ticker.Stop()
		for {
			start := time.Now()
			if err := c.Write(ctx, payload); err != nil {
				log.Warn("probe write failed", zap.Error(err))
				return
			}
			if err := c.ReadFull(ctx, got); err != nil {
				log.Warn("probe read failed", zap.Error(err))
				return
			}
			if !bytes.Equal(got, payload) {
				log.Warn("probe reply mismatch")
				return
			}
			log.Debug("probe", zap.Duration("rtt", time.Since(start)))
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}
