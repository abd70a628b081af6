package main

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newConfigFlags() *pflag.FlagSet {
	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.StringSlice("etcd-endpoints", []string{"localhost:2379"}, "the etcd endpoints facts are exchanged through")
	configFlags.String("etcd-prefix", "/slurm", "the etcd key prefix facts live under")
	configFlags.Duration("etcd-dial-timeout", 5*time.Second, "how long to wait when connecting to etcd")
	configFlags.String("node-id", "", "the unique id of this controller, generated when empty")
	configFlags.String("hostname", "", "the controller hostname, defaults to the os hostname")
	configFlags.String("ingress-address", "", "the address workers reach the controller on")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.Int("slurmctld-port", 6817, "the port slurmctld listens on")
	configFlags.String("state-path", "", "sqlite file persisting known facts across restarts")
	configFlags.String("output-path", "slurm-config.yaml", "where the derived configuration document is written")
	configFlags.String("settings-file", "", "json or yaml file of operator settings")
	configFlags.Int("web-port", 9091, "the web metrics/health port")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	configFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	configFlags.Bool("trace-everything", false, "enables tracing of every evaluation")
	return configFlags
}

func bindConfigFlags(configFlags *pflag.FlagSet) {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("scc")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

type config struct {
	logLevelStr        string
	etcdEndpoints      []string
	etcdPrefix         string
	etcdDialTimeout    time.Duration
	nodeID             string
	hostname           string
	ingressAddress     string
	bindAddress        string
	slurmctldPort      int
	statePath          string
	outputPath         string
	settingsFile       string
	webPort            int
	otlpEndpoint       string
	disableOtlpTraces  bool
	disableOtlpMetrics bool
	traceEverything    bool
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:        viper.GetString("log-level"),
		etcdEndpoints:      viper.GetStringSlice("etcd-endpoints"),
		etcdPrefix:         strings.TrimSuffix(viper.GetString("etcd-prefix"), "/"),
		etcdDialTimeout:    viper.GetDuration("etcd-dial-timeout"),
		nodeID:             viper.GetString("node-id"),
		hostname:           viper.GetString("hostname"),
		ingressAddress:     viper.GetString("ingress-address"),
		bindAddress:        viper.GetString("bind-address"),
		slurmctldPort:      viper.GetInt("slurmctld-port"),
		statePath:          viper.GetString("state-path"),
		outputPath:         viper.GetString("output-path"),
		settingsFile:       viper.GetString("settings-file"),
		webPort:            viper.GetInt("web-port"),
		otlpEndpoint:       viper.GetString("otlp-endpoint"),
		disableOtlpTraces:  viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics: viper.GetBool("disable-otlp-metrics"),
		traceEverything:    viper.GetBool("trace-everything"),
	}

	if config.nodeID == "" {
		config.nodeID = uuid.NewString()
	}

	logger.Info("parsed controller configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.Strings("etcdEndpoints", config.etcdEndpoints),
		zap.String("etcdPrefix", config.etcdPrefix),
		zap.Duration("etcdDialTimeout", config.etcdDialTimeout),
		zap.String("nodeID", config.nodeID),
		zap.String("hostname", config.hostname),
		zap.String("ingressAddress", config.ingressAddress),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("slurmctldPort", config.slurmctldPort),
		zap.String("statePath", config.statePath),
		zap.String("outputPath", config.outputPath),
		zap.String("settingsFile", config.settingsFile),
		zap.Int("webPort", config.webPort),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics),
		zap.Bool("traceEverything", config.traceEverything))

	return config
}

// restartRequired lists the settings which differ between two configurations
// but only take effect on restart.
func restartRequired(oldConfig, newConfig *config) []string {
	var changed []string
	if strings.Join(oldConfig.etcdEndpoints, ",") != strings.Join(newConfig.etcdEndpoints, ",") ||
		oldConfig.etcdPrefix != newConfig.etcdPrefix ||
		oldConfig.etcdDialTimeout != newConfig.etcdDialTimeout {
		changed = append(changed, "etcd")
	}
	if oldConfig.hostname != newConfig.hostname ||
		oldConfig.ingressAddress != newConfig.ingressAddress ||
		oldConfig.bindAddress != newConfig.bindAddress ||
		oldConfig.slurmctldPort != newConfig.slurmctldPort {
		changed = append(changed, "identity")
	}
	if oldConfig.statePath != newConfig.statePath ||
		oldConfig.outputPath != newConfig.outputPath ||
		oldConfig.settingsFile != newConfig.settingsFile {
		changed = append(changed, "paths")
	}
	if oldConfig.webPort != newConfig.webPort {
		changed = append(changed, "webPort")
	}
	if oldConfig.otlpEndpoint != newConfig.otlpEndpoint ||
		oldConfig.disableOtlpTraces != newConfig.disableOtlpTraces ||
		oldConfig.disableOtlpMetrics != newConfig.disableOtlpMetrics ||
		oldConfig.traceEverything != newConfig.traceEverything {
		changed = append(changed, "telemetry")
	}
	return changed
}

func parseLogLevel(logger *zap.Logger, levelStr string) zapcore.Level {
	parsedLogLevel, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead", zap.String("level", levelStr))
		return zapcore.InfoLevel
	}
	return parsedLogLevel
}
