package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/caarlos0/alarmlink"
	"github.com/caarlos0/alarmlink/companion"
	"github.com/caarlos0/alarmlink/sms"
	"github.com/caarlos0/env/v11"
	"github.com/cenkalti/backoff/v4"
	logp "github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = logp.NewWithOptions(os.Stderr, logp.Options{
	ReportTimestamp: true,
	TimeFormat:      time.Kitchen,
	Prefix:          "alarmlink",
})

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const manufacturer = "DIY"

func main() {
	log.Info(
		"alarmlink",
		"version", version,
		"commit", commit,
		"date", date,
		"info", "HomeKit bridge for DIY home alarms over MQTT and SMS",
	)

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatal(
			"could not parse env",
			"err",
			strings.TrimPrefix(strings.ReplaceAll(err.Error(), "; ", "\n"), "env: ")+"\n",
		)
	}
	if err := cfg.validate(); err != nil {
		log.Fatal("invalid config", "err", err)
	}
	if lvl, err := logp.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	} else {
		log.Warn("invalid log level, using info", "level", cfg.LogLevel)
	}

	log.Info(
		"loading",
		"mode", cfg.Mode,
		"broker", cfg.Host+":"+cfg.Port,
		"phone", cfg.Phone,
		"modem", cfg.ModemAddr,
	)

	var tx sms.Transmitter
	if cfg.ModemAddr != "" {
		tx = sms.NewModem(cfg.ModemAddr)
	}

	core := companion.New(companion.Options{
		Settings:       cfg,
		History:        &historyFile{path: cfg.HistoryFile},
		Notifier:       logNotifier{},
		Images:         detectionsDir(cfg.DetectionsDir),
		SMS:            sms.NewSender(tx, logComposer{}),
		ChunkTimeout:   cfg.ChunkTimeout,
		PreviewWindow:  cfg.PreviewWindow,
		LivenessWindow: cfg.LivenessWindow,
	})
	registerMetrics(core)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := core.Start(ctx); err != nil {
		log.Error("could not start", "err", err)
	}
	defer core.Stop()

	if cfg.Mode.UsesBroker() {
		if err := awaitBroker(ctx, core); err != nil {
			log.Warn("broker not connected yet, carrying on", "err", err)
		}
	}

	commander := countingCommander{core}

	bridge := accessory.NewBridge(accessory.Info{
		Name:         "Alarm Bridge",
		Manufacturer: manufacturer,
		Firmware:     version,
	})

	alarm := NewSecuritySystem(accessory.Info{
		Name:         "Alarm",
		Manufacturer: manufacturer,
		Firmware:     version,
	}, commander)
	alarm.Id = 2

	sensors := newSensors(accessory.Info{
		Name:         "Alarm Sensors",
		Manufacturer: manufacturer,
	})
	sensors.Id = 3

	accs := []*accessory.A{alarm.A, sensors.A}
	if cfg.Mode.UsesBroker() {
		previewBtn := setupPreviewButton(commander)
		previewBtn.Id = 4
		accs = append(accs, previewBtn.A)
	}

	update := func(status alarmlink.DeviceStatus) {
		alarm.Update(status, core.Online())
		sensors.Update(status)
	}
	update(core.Status())
	stopWatching := core.Watch(update)
	defer stopWatching()

	// liveness is time based, so it has to be polled.
	go func() {
		tick := time.NewTicker(time.Second * 3)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				alarm.Update(core.Status(), core.Online())
			}
		}
	}()

	fs := hap.NewFsStore("./db")

	server, err := hap.NewServer(fs, bridge.A, accs...)
	if err != nil {
		log.Fatal("fail to create server", "error", err)
	}

	routes := api{device: core, cmd: commander}
	server.Addr = cfg.Address
	server.ServeMux().Handle("/metrics", promhttp.Handler())
	server.ServeMux().Handle("/status", http.HandlerFunc(routes.status))
	server.ServeMux().Handle("/sms", http.HandlerFunc(routes.inboundSMS))
	server.ServeMux().Handle("/command", http.HandlerFunc(routes.command))
	server.ServeMux().Handle("/preview.jpg", http.HandlerFunc(routes.preview))

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	signal.Notify(c, syscall.SIGTERM)

	go func() {
		<-c
		log.Info("stopping server")
		signal.Stop(c)
		cancel()
	}()

	log.Info("starting server", "addr", server.Addr)
	if err := server.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("failed to close server", "err", err)
	}
}

// awaitBroker waits a bit for the first broker session, kicking a new
// connection attempt whenever the previous one failed.
func awaitBroker(ctx context.Context, core *companion.Core) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = time.Second * 5
	bo.MaxElapsedTime = time.Minute

	return backoff.RetryNotify(func() error {
		switch state := core.ConnectionState(); state {
		case alarmlink.StateConnected:
			return nil
		case alarmlink.StateError, alarmlink.StateDisconnected:
			if err := core.Connect(); err != nil {
				return backoff.Permanent(err)
			}
			return errors.New("connecting")
		default:
			return errors.New(state.String())
		}
	}, backoff.WithContext(bo, ctx), func(err error, _ time.Duration) {
		log.Debug("waiting for broker", "state", err)
	})
}
