package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seastack/bosun/pkg/agent"
	"github.com/seastack/bosun/pkg/desired"
	"github.com/seastack/bosun/pkg/events"
	"github.com/seastack/bosun/pkg/log"
	"github.com/seastack/bosun/pkg/metrics"
	"github.com/seastack/bosun/pkg/ports"
	"github.com/seastack/bosun/pkg/runtime"
	"github.com/seastack/bosun/pkg/store"
	"github.com/seastack/bosun/pkg/supervisor"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the node agent",
	Long: `Run the Bosun agent on this node.

The agent reads the desired deployment table from a YAML file, reconciles
local containers against it through containerd, and persists its committed
executions (including port allocations) under the data directory.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().String("node-id", "", "Node identifier (default: hostname)")
	agentCmd.Flags().String("data-dir", "/var/lib/bosun", "Directory for persistent state")
	agentCmd.Flags().StringP("desired-file", "f", "/etc/bosun/deploy.yaml", "Desired deployment table (YAML)")
	agentCmd.Flags().Duration("interval", agent.DefaultInterval, "Reconciliation fallback interval")
	agentCmd.Flags().Duration("poll-interval", desired.DefaultPollInterval, "Desired-state file poll interval")
	agentCmd.Flags().String("metrics-addr", ":9480", "Prometheus metrics listen address (empty to disable)")
	agentCmd.Flags().String("containerd-socket", runtime.DefaultSocketPath, "Containerd socket path")
	agentCmd.Flags().String("containerd-namespace", runtime.DefaultNamespace, "Containerd namespace")
	agentCmd.Flags().Duration("stop-timeout", supervisor.DefaultStopTimeout, "Grace period before SIGKILL on stop")
	agentCmd.Flags().Int("port-range-start", ports.DefaultRangeStart, "First dynamic host port")
	agentCmd.Flags().Int("port-range-end", ports.DefaultRangeEnd, "Upper bound (exclusive) for dynamic host ports")
	agentCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	agentCmd.Flags().Bool("log-json", false, "Emit JSON logs")
}

func runAgent(cmd *cobra.Command, args []string) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	desiredFile, _ := cmd.Flags().GetString("desired-file")
	interval, _ := cmd.Flags().GetDuration("interval")
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	socket, _ := cmd.Flags().GetString("containerd-socket")
	namespace, _ := cmd.Flags().GetString("containerd-namespace")
	stopTimeout, _ := cmd.Flags().GetDuration("stop-timeout")
	rangeStart, _ := cmd.Flags().GetInt("port-range-start")
	rangeEnd, _ := cmd.Flags().GetInt("port-range-end")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	logger := log.WithComponent("main")

	if nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to determine node id: %w", err)
		}
		nodeID = hostname
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	executionsStore, err := store.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open executions store: %w", err)
	}
	defer executionsStore.Close()

	source, err := desired.NewFileSource(desiredFile, pollInterval)
	if err != nil {
		return fmt.Errorf("failed to open desired state file: %w", err)
	}

	rt, err := runtime.NewContainerdRuntime(socket, namespace)
	if err != nil {
		return fmt.Errorf("failed to initialize containerd runtime: %w", err)
	}
	defer rt.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	factory := supervisor.NewContainerdFactory(rt, broker, stopTimeout, 0)
	allocator := ports.NewRangeAllocator(rangeStart, rangeEnd)

	node, err := agent.New(agent.Config{
		NodeID:    nodeID,
		Source:    source,
		Store:     executionsStore,
		Factory:   factory,
		Allocator: allocator,
		Broker:    broker,
		Interval:  interval,
	})
	if err != nil {
		return err
	}

	if err := node.Start(); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	source.Start()

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			server := &http.Server{
				Addr:              metricsAddr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
	}

	logger.Info().Str("node_id", nodeID).Str("desired_file", desiredFile).Msg("agent running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	source.Stop()
	node.Stop()
	return nil
}
