package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	gracefully "github.com/tj/go-gracefully"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	jaegerlog "github.com/uber/jaeger-client-go/log"
	"github.com/uber/jaeger-lib/metrics"

	"github.com/kegstream/keg/keg"
	"github.com/kegstream/keg/keg/structs"
	"github.com/kegstream/keg/log"
	"github.com/kegstream/keg/prometheus"
)

var (
	cli = &cobra.Command{
		Use:   "kegd",
		Short: "A replica manager node for the keg commit log",
	}

	serverCfg = struct {
		ID               int32
		DataDirs         []string
		MinInsync        int
		ReplicaLagMaxMs  int64
		HaltOnDirFailure bool
		Selector         string
	}{}
)

func init() {
	serverCmd := &cobra.Command{Use: "server", Short: "Run a keg node", Run: run}
	serverCmd.Flags().Int32Var(&serverCfg.ID, "id", 0, "Broker ID")
	serverCmd.Flags().StringSliceVar(&serverCfg.DataDirs, "data-dir", []string{"/tmp/keg"}, "Directory under which to store logs. Can be specified multiple times.")
	serverCmd.Flags().IntVar(&serverCfg.MinInsync, "min-insync-replicas", 1, "Minimum ISR size for acks=all produces")
	serverCmd.Flags().Int64Var(&serverCfg.ReplicaLagMaxMs, "replica-lag-time-max-ms", 30000, "How long a follower may lag before it leaves the ISR")
	serverCmd.Flags().BoolVar(&serverCfg.HaltOnDirFailure, "halt-on-dir-failure", false, "Terminate on any log dir failure instead of running degraded")
	serverCmd.Flags().StringVar(&serverCfg.Selector, "replica-selector", "leader", "Preferred read replica policy: leader or rack-aware")
	cli.AddCommand(serverCmd)
}

func run(cmd *cobra.Command, args []string) {
	logger := log.New().With(
		log.Int32("id", serverCfg.ID),
		log.Any("data dirs", serverCfg.DataDirs),
	)

	cfg := jaegercfg.Configuration{
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans: false,
		},
	}
	tracer, closer, err := cfg.New(
		"kegd",
		jaegercfg.Logger(jaegerlog.StdLogger),
		jaegercfg.Metrics(metrics.NullFactory),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error starting tracer: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	config := keg.DefaultConfig()
	config.ID = serverCfg.ID
	config.DataDirs = serverCfg.DataDirs
	config.MinInsyncReplicas = serverCfg.MinInsync
	config.ReplicaLagTimeMax = time.Duration(serverCfg.ReplicaLagMaxMs) * time.Millisecond
	config.HaltOnDirFailure = serverCfg.HaltOnDirFailure
	config.ReplicaSelectorName = serverCfg.Selector

	cache, err := keg.NewMetadataCache(config.ID, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building metadata cache: %v\n", err)
		os.Exit(1)
	}
	rm, err := keg.NewReplicaManager(
		config,
		cache,
		cache,
		keg.CommitLogFactory(config),
		noTransportClientFactory,
		keg.SystemClock(),
		tracer,
		prometheus.NewMetrics(),
		logger,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error starting replica manager: %v\n", err)
		os.Exit(1)
	}
	rm.Start()
	logger.Info("kegd started")

	gracefully.Timeout = 10 * time.Second
	gracefully.Shutdown()

	if err := rm.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "error shutting down replica manager: %v\n", err)
		os.Exit(1)
	}
}

// noTransportClientFactory refuses to dial: kegd runs without a broker
// transport, so follower fetchers only start once an embedding application
// provides one.
func noTransportClientFactory(broker *structs.Broker) (keg.FetchClient, error) {
	return nil, errors.Errorf("no fetch transport configured for broker %d", broker.ID)
}

func main() {
	cli.Execute()
}
