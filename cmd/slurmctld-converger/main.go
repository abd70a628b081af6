package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hpcbootstrap/slurmctld-converger/common/slurmconfig"
	"github.com/hpcbootstrap/slurmctld-converger/common/statestore"
	"github.com/hpcbootstrap/slurmctld-converger/contrib/etcdfacts"
	"github.com/hpcbootstrap/slurmctld-converger/controller"
	"github.com/hpcbootstrap/slurmctld-converger/controller/applier"
	"github.com/hpcbootstrap/slurmctld-converger/controller/convergence"
	"github.com/hpcbootstrap/slurmctld-converger/controller/settings"
	"github.com/hpcbootstrap/slurmctld-converger/pkg/version"
	"github.com/hpcbootstrap/slurmctld-converger/pkg/webapi"
	"github.com/hpcbootstrap/slurmctld-converger/utils/netutils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	etcd "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var rootCmd = &cobra.Command{
	Version: version.GetVersion(),

	Use:   version.Application,
	Short: "Derives the slurmctld configuration from announced cluster facts",

	Run: func(cmd *cobra.Command, args []string) {
		if autoRestart && !autoRestartProc {
			startControllerWatchdog()
			return
		}

		startController()
	},
}

var cfgFile string
var watchCfgFile bool
var autoRestart bool
var autoRestartProc bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")
	rootCmd.Flags().BoolVar(&autoRestart, "auto-restart", false, "in auto-restart mode, we run in a child process to auto-restart on failure")
	rootCmd.Flags().BoolVar(&autoRestartProc, "auto-restart-proc", false, "in auto-restart mode, indicates we are the child process")
	_ = rootCmd.Flags().MarkHidden("auto-restart-proc")

	configFlags := newConfigFlags()
	rootCmd.PersistentFlags().AddFlagSet(configFlags)
	bindConfigFlags(configFlags)

	rootCmd.AddCommand(announceCmd)
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

func newEtcdClient(config *config) (*etcd.Client, error) {
	return etcd.New(etcd.Config{
		Endpoints:   config.etcdEndpoints,
		DialTimeout: config.etcdDialTimeout,
	})
}

func resolveLocalIdentity(config *config) (slurmconfig.Controller, error) {
	hostname, err := netutils.ResolveHostname(config.hostname)
	if err != nil {
		return slurmconfig.Controller{}, err
	}

	ingressAddress, err := netutils.ResolveIngressAddress(config.ingressAddress, config.bindAddress)
	if err != nil {
		return slurmconfig.Controller{}, err
	}

	return slurmconfig.Controller{
		Hostname:       hostname,
		IngressAddress: ingressAddress,
		Port:           config.slurmctldPort,
	}, nil
}

func startController() {
	// initialize the logger
	logLevel, logger := getLogger()

	// signal that we are starting
	logger.Info("starting "+version.Application, zap.String("version", version.GetVersion()))

	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			logger.Panic("failed to load specified config file", zap.Error(err))
		}
	}

	config := readConfig(logger)
	logLevel.SetLevel(parseLogLevel(logger, config.logLevelStr))

	// setup telemetry
	otlpTracerProvider, meterProvider, err :=
		initTelemetry(context.Background(),
			logger,
			config.nodeID,
			config.otlpEndpoint,
			!config.disableOtlpTraces,
			!config.disableOtlpMetrics,
			config.traceEverything)
	if err != nil {
		logger.Error("failed to initialize opentelemetry", zap.Error(err))
		os.Exit(1)
	}

	if otlpTracerProvider != nil {
		otel.SetTracerProvider(otlpTracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	if meterProvider != nil {
		otel.SetMeterProvider(meterProvider)
	}

	localIdentity, err := resolveLocalIdentity(config)
	if err != nil {
		logger.Error("failed to resolve the controller identity", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("resolved controller identity",
		zap.String("hostname", localIdentity.Hostname),
		zap.String("ingressAddress", localIdentity.IngressAddress),
		zap.Int("port", localIdentity.Port))

	etcdClient, err := newEtcdClient(config)
	if err != nil {
		logger.Error("failed to connect to etcd", zap.Error(err))
		os.Exit(1)
	}
	defer etcdClient.Close()

	factChannel, err := etcdfacts.NewChannel(etcdfacts.ChannelOptions{
		Logger:     logger.Named("etcd-facts"),
		EtcdClient: etcdClient,
		KeyPrefix:  config.etcdPrefix,
	})
	if err != nil {
		logger.Error("failed to create the fact channel", zap.Error(err))
		os.Exit(1)
	}

	var store *statestore.Store
	if config.statePath != "" {
		store, err = statestore.Open(config.statePath)
		if err != nil {
			logger.Error("failed to open the state store", zap.Error(err))
			os.Exit(1)
		}
		defer store.Close()
	}

	var settingsSource convergence.SettingsSource = settings.Static(nil)
	var settingsFile *settings.FileSource
	if config.settingsFile != "" {
		settingsFile, err = settings.NewFileSource(&settings.FileSourceOptions{
			Logger: logger.Named("settings"),
			Path:   config.settingsFile,
		})
		if err != nil {
			logger.Error("failed to load operator settings", zap.Error(err))
			os.Exit(1)
		}
		defer settingsFile.Close()
		settingsSource = settingsFile
	}

	fileApplier, err := applier.NewFileApplier(&applier.FileApplierOptions{
		Logger: logger.Named("applier"),
		Path:   config.outputPath,
	})
	if err != nil {
		logger.Error("failed to create the configuration applier", zap.Error(err))
		os.Exit(1)
	}
	asyncApplier := applier.NewAsync(fileApplier, logger.Named("applier"))

	board := webapi.NewStatusBoard()

	ctrl, err := controller.NewController(&controller.ControllerOptions{
		Logger:        logger.Named("controller"),
		Channel:       factChannel,
		Store:         store,
		LocalIdentity: localIdentity,
		Settings:      settingsSource,
		Applier:       asyncApplier,
		StatusSink:    board,
		Observer:      board,
	})
	if err != nil {
		logger.Error("failed to initialize the controller", zap.Error(err))
		os.Exit(1)
	}

	if settingsFile != nil {
		unsub := settingsFile.OnChange(ctrl.Resync)
		defer unsub()
	}

	// setup the web service
	webServer := webapi.NewWebServer(webapi.WebServerOptions{
		Logger:        logger.Named("webapi"),
		LogLevel:      &logLevel,
		ListenAddress: fmt.Sprintf("%s:%v", config.bindAddress, config.webPort),
		Board:         board,
	})
	go func() {
		err := webServer.ListenAndServe()
		if err != nil {
			logger.Error("failed to listen and serve web server", zap.Error(err))
		}
	}()

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		if cfgFile != "" {
			err := viper.ReadInConfig()
			if err != nil {
				logger.Warn("failed to parse configuration file",
					zap.Error(err))
			}
		}

		newConfig := readConfig(logger)
		newConfig.nodeID = config.nodeID

		if changed := restartRequired(config, newConfig); len(changed) > 0 {
			logger.Warn("configuration changes require a restart", zap.Strings("changed", changed))
		}

		if newConfig.logLevelStr != config.logLevelStr {
			newParsedLogLevel := parseLogLevel(logger, newConfig.logLevelStr)
			logLevel.SetLevel(newParsedLogLevel)

			logger.Info("updated log level",
				zap.String("newLevel", newParsedLogLevel.String()))
		}

		if settingsFile != nil {
			settingsFile.Reload()
		}

		config = newConfig
	}

	if watchCfgFile && cfgFile != "" {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected")
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		hasReceivedSigInt := false
		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("Received SIGINT, attempting graceful shutdown...")
					hasReceivedSigInt = true
					cancelRun()
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("Received SIGTERM, attempting graceful shutdown...")
				cancelRun()
			} else if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration...")
				reloadConfiguration()
				ctrl.Resync()
			}
		}
	}()

	runErr := ctrl.Run(runCtx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	asyncApplier.Close()

	err = webServer.Shutdown(shutdownCtx)
	if err != nil {
		logger.Warn("failed to shutdown web server", zap.Error(err))
	}
	if otlpTracerProvider != nil {
		_ = otlpTracerProvider.Shutdown(shutdownCtx)
	}
	if meterProvider != nil {
		_ = meterProvider.Shutdown(shutdownCtx)
	}

	if runErr != nil {
		logger.Error("controller stopped unexpectedly", zap.Error(runErr))
		os.Exit(1)
	}

	logger.Info("controller shutdown gracefully")
}

func startControllerWatchdog() {
	_, logger := getLogger()
	logger = logger.Named("watchdog")

	execProc := os.Args[0]
	execArgs := append([]string{"--auto-restart-proc"}, os.Args[1:]...)

	hasReceivedSigInt := false
	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("received sigint a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("received sigint, waiting for graceful shutdown...")
					hasReceivedSigInt = true
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("received sigterm, waiting for graceful shutdown...")
			}
		}
	}()

	for {
		logger.Info("starting sub-process")

		cmd := exec.Command(execProc, execArgs...)
		cmd.Stderr = os.Stderr
		cmd.Stdout = os.Stdout

		err := cmd.Start()
		if err != nil {
			logger.Info("failed to start sub-process", zap.Error(err))
		}

		err = cmd.Wait()
		if err != nil {
			logger.Info("sub-process exited with error", zap.Error(err))
		}

		if hasReceivedSigInt {
			break
		}

		delayTime := 1 * time.Second
		logger.Info("crash detected, restarting", zap.Duration("delay", delayTime))
		time.Sleep(delayTime)
	}
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
