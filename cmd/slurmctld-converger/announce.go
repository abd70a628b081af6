package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hpcbootstrap/slurmctld-converger/common/membership"
	"github.com/hpcbootstrap/slurmctld-converger/common/readiness"
	"github.com/hpcbootstrap/slurmctld-converger/contrib/etcdfacts"
	"github.com/hpcbootstrap/slurmctld-converger/utils/netutils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var announceCmd = &cobra.Command{
	Use:   "announce",
	Short: "Announces a worker or backend fact and holds it until interrupted",
}

var announceNodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Announces this host as a slurmd worker",
	Run: func(cmd *cobra.Command, args []string) {
		runAnnouncement(func(ctx context.Context, announcer *etcdfacts.Announcer, hostname, ingressAddress string) (*etcdfacts.Announcement, error) {
			var inventory string
			if inventoryFile != "" {
				data, err := os.ReadFile(inventoryFile)
				if err != nil {
					return nil, err
				}
				inventory = string(data)
			}

			identity := nodeIdentity
			if identity == "" {
				identity = hostname
			}

			return announcer.AnnounceNode(ctx, identity, membership.NodeFact{
				Hostname:           hostname,
				IngressAddress:     ingressAddress,
				PartitionName:      partitionName,
				Inventory:          inventory,
				IsDefaultPartition: defaultPartition,
			})
		})
	},
}

var announceBackendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Announces this host as the slurmdbd accounting backend",
	Run: func(cmd *cobra.Command, args []string) {
		runAnnouncement(func(ctx context.Context, announcer *etcdfacts.Announcer, hostname, ingressAddress string) (*etcdfacts.Announcement, error) {
			return announcer.AnnounceBackend(ctx, readiness.BackendFact{
				Hostname:       hostname,
				IngressAddress: ingressAddress,
				Port:           backendPort,
			})
		})
	},
}

var nodeIdentity string
var partitionName string
var defaultPartition bool
var inventoryFile string
var backendPort int
var leasePeriod time.Duration

func init() {
	announceCmd.PersistentFlags().DurationVar(&leasePeriod, "lease-period", 10*time.Second, "how long an announcement outlives a crashed announcer")

	announceNodeCmd.Flags().StringVar(&nodeIdentity, "identity", "", "the unique worker identity, defaults to the hostname")
	announceNodeCmd.Flags().StringVar(&partitionName, "partition", "batch", "the partition this worker belongs to")
	announceNodeCmd.Flags().BoolVar(&defaultPartition, "default-partition", false, "marks the partition as the default one")
	announceNodeCmd.Flags().StringVar(&inventoryFile, "inventory-file", "", "file whose contents are passed through as the node inventory")

	announceBackendCmd.Flags().IntVar(&backendPort, "port", 6819, "the port slurmdbd listens on")

	announceCmd.AddCommand(announceNodeCmd)
	announceCmd.AddCommand(announceBackendCmd)
}

type announceFunc func(ctx context.Context, announcer *etcdfacts.Announcer, hostname, ingressAddress string) (*etcdfacts.Announcement, error)

func runAnnouncement(announce announceFunc) {
	logLevel, logger := getLogger()
	logLevel.SetLevel(parseLogLevel(logger, viper.GetString("log-level")))
	logger = logger.Named("announce")

	hostname, err := netutils.ResolveHostname(viper.GetString("hostname"))
	if err != nil {
		logger.Error("failed to resolve hostname", zap.Error(err))
		os.Exit(1)
	}

	ingressAddress, err := netutils.ResolveIngressAddress(viper.GetString("ingress-address"), viper.GetString("bind-address"))
	if err != nil {
		logger.Error("failed to resolve ingress address", zap.Error(err))
		os.Exit(1)
	}

	etcdClient, err := newEtcdClient(&config{
		etcdEndpoints:   viper.GetStringSlice("etcd-endpoints"),
		etcdDialTimeout: viper.GetDuration("etcd-dial-timeout"),
	})
	if err != nil {
		logger.Error("failed to connect to etcd", zap.Error(err))
		os.Exit(1)
	}
	defer etcdClient.Close()

	announcer, err := etcdfacts.NewAnnouncer(etcdfacts.AnnouncerOptions{
		EtcdClient:  etcdClient,
		KeyPrefix:   strings.TrimSuffix(viper.GetString("etcd-prefix"), "/"),
		LeasePeriod: leasePeriod,
	})
	if err != nil {
		logger.Error("failed to create announcer", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	announcement, err := announce(ctx, announcer, hostname, ingressAddress)
	if err != nil {
		logger.Error("failed to announce", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("announced, holding until interrupted",
		zap.String("hostname", hostname),
		zap.String("ingressAddress", ingressAddress))

	<-ctx.Done()

	withdrawCtx, withdrawCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer withdrawCancel()

	err = announcement.Withdraw(withdrawCtx)
	if err != nil {
		logger.Warn("failed to withdraw announcement, it will expire with its lease", zap.Error(err))
	}
}
