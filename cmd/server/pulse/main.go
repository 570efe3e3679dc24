package main

// cSpell:ignore mqtt modbus plcpulse
import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fisaks/plcpulse/internal/api"
	"github.com/fisaks/plcpulse/internal/config"
	"github.com/fisaks/plcpulse/internal/hub"
	"github.com/fisaks/plcpulse/internal/logging"
	"github.com/fisaks/plcpulse/internal/messaging"
	"github.com/fisaks/plcpulse/internal/metrics"
	"github.com/fisaks/plcpulse/internal/modbus"
	"github.com/fisaks/plcpulse/internal/pulse"
	"github.com/fisaks/plcpulse/internal/storage"
	"github.com/fisaks/plcpulse/internal/supervisor"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	path := getenv("PULSE_CONFIG_PATH", "/etc/plcpulse/pulse.yaml")

	logging.Init()
	cfg, err := config.LoadServiceConfig(path)
	if err != nil {
		logging.Fatal("Service config error", "error", err)
	}
	if url := os.Getenv("MQTT_URL"); url != "" {
		cfg.MQTT.URL = url
		cfg.MQTT.Enabled = true
	}

	logging.Info("Loaded config",
		"listen", cfg.HTTP.Listen,
		"pollMs", cfg.Poll.IntervalMs,
		"storage", cfg.Storage.Backend,
		"mqtt", cfg.MQTT.Enabled,
	)

	// Graceful shutdown context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink, err := storage.New(cfg.Storage)
	if err != nil {
		logging.Fatal("storage init", "error", err)
	}
	defer sink.Close()

	wsHub := hub.New()
	publishers := messaging.Fanout{wsHub}

	var persist pulse.PersistenceSink = sink
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		m := metrics.New()
		publishers = append(publishers, m)
		persist = m.InstrumentSink(sink)
		metricsHandler = m.Handler()
	}

	var broker *messaging.PulseBroker
	if cfg.MQTT.Enabled {
		broker = messaging.NewPulseBroker(messaging.BrokerConfigFrom(cfg.MQTT))
		publishers = append(publishers, broker)
		go broker.Run(ctx)
	}

	sup, err := supervisor.New(supervisor.Options{
		NewClient:  modbus.NewClient,
		Publisher:  publishers,
		Sink:       persist,
		PollPeriod: cfg.Poll.Interval(),
	})
	if err != nil {
		logging.Fatal("supervisor init", "error", err)
	}
	wsHub.SetCommander(sup)

	if broker != nil {
		connectCtx, cancelConnect := context.WithTimeout(ctx, cfg.MQTT.ConnectTimeout())
		if err := broker.Connect(connectCtx); err != nil {
			// paho keeps retrying in the background
			logging.Warn("mqtt connect failed", "url", cfg.MQTT.URL, "error", err)
		}
		cancelConnect()
		if err := broker.StartCommandSubscriber(ctx, sup); err != nil {
			logging.Warn("mqtt command subscribe failed", "error", err)
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           api.NewRouter(sup, wsHub, metricsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.Info("HTTP listening", "addr", cfg.HTTP.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("http server", "error", err)
		}
	}()

	if cfg.Device != nil {
		if err := sup.Connect(*cfg.Device); err != nil {
			logging.Error("start-up device rejected", "error", err)
		}
	}

	// Wait for SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	logging.Info("Shutting down", "signal", s)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := sup.Shutdown(shutdownCtx); err != nil {
		logging.Warn("supervisor shutdown", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("http shutdown", "error", err)
	}
	wsHub.Close()
	if broker != nil {
		_ = broker.StopCommandSubscriber(shutdownCtx)
		_ = broker.Close(shutdownCtx)
	}
	cancel()
	logging.Info("bye")
}
