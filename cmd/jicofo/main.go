package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jitsi-go/jicofo/pkg/bridge"
	"github.com/jitsi-go/jicofo/pkg/common"
	"github.com/jitsi-go/jicofo/pkg/config"
	"github.com/jitsi-go/jicofo/pkg/focus"
	"github.com/jitsi-go/jicofo/pkg/metrics"
	"github.com/jitsi-go/jicofo/pkg/profiling"
	"github.com/jitsi-go/jicofo/pkg/rest"
	"github.com/jitsi-go/jicofo/pkg/telemetry"
	"github.com/jitsi-go/jicofo/pkg/xmpp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
)

// Version is stamped by the build and announced to every conference room.
var Version = "dev"

func main() {
	// Parse command line flags.
	var (
		configFilePath = flag.String("config", "", "configuration file path")
		host           = flag.String("host", "", "XMPP server host")
		port           = flag.Int("port", 0, "XMPP server component port")
		domain         = flag.String("domain", "", "served XMPP domain")
		subdomain      = flag.String("subdomain", "", "focus component subdomain")
		secret         = flag.String("secret", "", "component stream secret")
		userDomain     = flag.String("user_domain", "", "domain of the focus user account")
		userName       = flag.String("user_name", "", "name of the focus user account")
		userPassword   = flag.String("user_password", "", "password of the focus user account")
		cpuProfile     = flag.String("cpuProfile", "", "write CPU profile to `file`")
		memProfile     = flag.String("memProfile", "", "write memory profile to `file`")
	)
	flag.Parse()

	// Initialize logging subsystem (formatting, global logging framework etc).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	// Define functions that are called before exiting.
	// This is useful to stop the profiler if it's enabled.
	deferred_functions := []func(){}
	if *cpuProfile != "" {
		deferred_functions = append(deferred_functions, profiling.InitCPUProfiling(*cpuProfile))
	}
	if *memProfile != "" {
		deferred_functions = append(deferred_functions, profiling.InitMemoryProfiling(*memProfile))
	}

	// Load the config file from the environment variable or path, with the
	// connection flags taking precedence over both.
	cfg, err := config.LoadConfig(*configFilePath, config.Flags{
		Host:         *host,
		Port:         *port,
		Domain:       *domain,
		Subdomain:    *subdomain,
		Secret:       *secret,
		UserDomain:   *userDomain,
		UserName:     *userName,
		UserPassword: *userPassword,
	})
	if err != nil {
		logrus.WithError(err).Fatal("could not load config")
		return
	}

	switch cfg.LogLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "panic":
		logrus.SetLevel(logrus.PanicLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	if cfg.XMPP.UserPassword != "" {
		logrus.Warn("user-password is unused on a component connection")
	}

	var tracerProvider *tracesdk.TracerProvider
	if cfg.Telemetry.Enabled() {
		tracerProvider, err = telemetry.SetupTelemetry(context.Background(), cfg.Telemetry)
		if err != nil {
			logrus.WithError(err).Fatal("could not set up telemetry")
		}
	}

	logger := logrus.NewEntry(logrus.StandardLogger())
	logger.WithField("version", Version).Info("starting focus")

	// The process-wide collaborators shared by every conference.
	pool := common.NewTaskPool(common.DefaultPoolSize)
	bus := bridge.NewBus()
	registry := bridge.NewRegistry(cfg.Bridge.FailureResetThreshold(), cfg.Bridge.MaxStatsReportAge(), bus, logger)
	selector := bridge.NewSelector(registry, bridge.NewStrategy(cfg.Bridge.SelectionStrategy, logger))

	service, err := xmpp.New(cfg.XMPP, logger)
	if err != nil {
		logrus.WithError(err).Fatal("could not create the XMPP service")
	}

	manager := focus.NewManager(cfg.Conference, focus.Services{
		Registry:   registry,
		Bus:        bus,
		Selector:   selector,
		Signaler:   service,
		Colibri:    service,
		Discoverer: service,
		Rooms:      service,
		Pool:       pool,
	}, Version, logger)
	manager.Start()

	// The brewery feeds discovered bridges straight into the registry.
	brewery := service.Brewery()
	if brewery != nil {
		if err := brewery.Subscribe(&bridge.RegistryListener{Registry: registry}); err != nil {
			logrus.WithError(err).Fatal("could not subscribe to the brewery")
		}
	} else {
		logrus.Warn("no brewery room configured, no bridges will be discovered")
	}

	monitor := bridge.NewHealthMonitor(registry, service, bus, pool,
		cfg.Bridge.HealthCheckInterval(), cfg.Bridge.HealthCheckRetry(), xmpp.DefaultReplyTimeout, logger)
	monitor.Start()

	statsExpiry := common.ScheduleRecurring(pool, cfg.Bridge.HealthCheckInterval(), func() {
		registry.ExpireStaleStats()
	})

	serviceCtx, stopService := context.WithCancel(context.Background())
	defer stopService()

	var rediscovery *common.RecurringTask
	if interval := cfg.Bridge.RediscoveryInterval(); interval > 0 && brewery != nil {
		rediscovery = common.ScheduleRecurring(pool, interval, func() {
			brewery.Refresh(serviceCtx)
		})
	}

	served := make(chan error, 1)
	go func() {
		served <- service.Run(serviceCtx, manager)
	}()

	// The REST surface: health for the load balancer, prometheus metrics
	// and the conference debug dump.
	prometheus.MustRegister(metrics.NewCollector(manager, registry, time.Now()))

	var srv *http.Server
	restErr := make(chan error, 1)
	if cfg.Rest.Addr != "" {
		srv = &http.Server{
			Addr:         cfg.Rest.Addr,
			Handler:      rest.NewServer(registry, manager, logger),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.WithField("addr", srv.Addr).Info("http server listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				restErr <- err
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("received shutdown signal")
	case err := <-restErr:
		logger.WithError(err).Error("http server failed")
	}

	statsExpiry.Cancel()
	if rediscovery != nil {
		rediscovery.Cancel()
	}
	monitor.Stop()

	// Conferences are disposed while the stream is still up so the
	// channel expires reach the bridges.
	manager.Stop()
	stopService()
	service.Shutdown()
	<-served

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("http server shutdown failed")
		}
		cancel()
	}
	pool.Stop()

	if tracerProvider != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracerProvider.Shutdown(flushCtx); err != nil {
			logger.WithError(err).Warn("tracer shutdown failed")
		}
		cancel()
	}

	for _, function := range deferred_functions {
		function()
	}
	logger.Info("focus stopped")
}
