package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"LiveWire-Runtime/internal/config"
	"LiveWire-Runtime/internal/core/logging"
	"LiveWire-Runtime/internal/core/network"
	"LiveWire-Runtime/internal/core/shm"
	"LiveWire-Runtime/internal/livestream"
	"LiveWire-Runtime/internal/livestreamapi"
	"LiveWire-Runtime/internal/port"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	addr := flag.String("addr", "", "http listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	logger, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Console:    cfg.Log.Console,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("livewire stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	ps, closeTransport, err := openTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeTransport()

	registry := shm.NewRegistry(cfg.LiveStream.SharedDir, shm.WithLogger(logger))
	defer registry.Close()

	g, ctx := errgroup.WithContext(ctx)
	role := cfg.Transport.Role

	var broadcaster *livestream.Broadcaster
	if role == "both" || role == "producer" {
		p, closePort, err := openPort(ps, cfg, port.SideA)
		if err != nil {
			return err
		}
		defer closePort()
		broadcaster, err = livestream.NewBroadcaster(p.Channel(cfg.LiveStream.Channel), registry, livestream.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("start broadcaster: %w", err)
		}
		defer broadcaster.Close()
		bank := newMeterBank(time.Now())
		bank.register(broadcaster)
		logger.Info("broadcasting demo meters", zap.Strings("addresses", bank.addresses()))
		g.Go(func() error { return broadcaster.Run(ctx, cfg.LiveStream.FlushInterval) })
	}

	var receiver *livestream.Receiver
	if role == "both" || role == "consumer" {
		p, closePort, err := openPort(ps, cfg, port.SideB)
		if err != nil {
			return err
		}
		defer closePort()
		receiver = livestream.NewReceiver(registry,
			livestream.WithLogger(logger),
			livestream.WithPollInterval(cfg.LiveStream.PollInterval))
		disconnect, err := receiver.Connect(p.Channel(cfg.LiveStream.Channel))
		if err != nil {
			return fmt.Errorf("connect receiver: %w", err)
		}
		defer disconnect()
	}

	mux := http.NewServeMux()
	livestreamapi.NewServer(broadcaster, receiver, logger).Register(mux)
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		logger.Info("livewire listening", zap.String("addr", cfg.HTTP.Addr), zap.String("role", role), zap.String("transport", cfg.Transport.Kind))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openTransport(ctx context.Context, cfg config.Config, logger *zap.Logger) (network.PubSub, func(), error) {
	switch cfg.Transport.Kind {
	case config.TransportLibp2p:
		lp := cfg.Transport.Libp2p
		ps, err := network.NewLibp2pPubSub(ctx, network.Libp2pOptions{
			ListenAddrs:     lp.ListenAddrs,
			Bootstrap:       lp.Bootstrap,
			Rendezvous:      lp.Rendezvous,
			EnableMDNS:      lp.EnableMDNS,
			IdentityKeyFile: lp.IdentityKeyFile,
			Logger:          logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("start libp2p: %w", err)
		}
		logger.Info("libp2p transport up", zap.String("peer_id", ps.PeerID()), zap.Strings("listen", ps.ListenAddrs()))
		return ps, func() { _ = ps.Close() }, nil
	case config.TransportMQTT:
		mq := cfg.Transport.MQTT
		ps, err := network.NewMQTTPubSub(ctx, network.MQTTOptions{
			Broker:         mq.Broker,
			ClientID:       mq.ClientID,
			QoS:            mq.QoS,
			ConnectTimeout: mq.ConnectTimeout,
			Logger:         logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect mqtt: %w", err)
		}
		return ps, func() { _ = ps.Close() }, nil
	default:
		return network.NewMemoryPubSub(), func() {}, nil
	}
}

func openPort(ps network.PubSub, cfg config.Config, side port.Side) (port.Port, func(), error) {
	link, err := port.NewPubSubEnd(ps, cfg.Transport.Topic, side)
	if err != nil {
		return nil, nil, fmt.Errorf("open link: %w", err)
	}
	m, err := port.Wrap(link)
	if err != nil {
		_ = link.Close()
		return nil, nil, err
	}
	return m, func() {
		_ = m.Close()
		_ = link.Close()
	}, nil
}
