package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/necrocode/engine/pkg/api"
	"github.com/necrocode/engine/pkg/config"
	"github.com/necrocode/engine/pkg/dispatcher"
	"github.com/necrocode/engine/pkg/log"
	"github.com/necrocode/engine/pkg/registry"
	"github.com/necrocode/engine/pkg/types"
	"github.com/necrocode/engine/pkg/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Dispatcher, Task Registry, and Workspace Pool as one process",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "./necrocode.yaml", "Path to the engine config file")
	serveCmd.Flags().String("listen-addr", ":8080", "Address the health/metrics/completion HTTP server listens on")
	serveCmd.Flags().String("kubeconfig", "", "Path to a kubeconfig file (defaults to in-cluster config when a KUBERNETES pool is configured)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	listenAddr, _ := cmd.Flags().GetString("listen-addr")
	kubeconfigPath, _ := cmd.Flags().GetString("kubeconfig")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg := registry.New(registry.Config{
		BasePath:    cfg.Registry.BasePath,
		LockTimeout: cfg.Registry.LockTimeout,
	})

	ws := workspace.NewManager(workspace.Config{
		BasePath:                 cfg.WorkspacePool.BasePath,
		CleanupTimeout:           cfg.WorkspacePool.CleanupTimeout,
		AllocationLockTimeout:    cfg.WorkspacePool.AllocationLockTimeout,
		BackgroundCleanupWorkers: cfg.WorkspacePool.BackgroundCleanupWorkers,
	})
	ws.Start()
	defer ws.Stop()

	launchers, err := buildLaunchers(cfg, kubeconfigPath)
	if err != nil {
		return err
	}

	bindings := buildBindings(cfg, listenAddr)

	pools := make([]types.AgentPool, 0, len(cfg.AgentPools))
	for _, p := range cfg.AgentPools {
		pools = append(pools, types.AgentPool{
			Name: p.Name, Type: p.Type, MaxConcurrency: p.MaxConcurrency,
			CPUQuota: p.CPUQuota, MemoryQuotaMB: p.MemoryQuotaMB, Enabled: p.Enabled,
		})
	}

	d, err := dispatcher.New(dispatcher.Config{
		PollInterval:            cfg.Dispatcher.PollInterval,
		MaxGlobalConcurrency:    cfg.Dispatcher.MaxGlobalConcurrency,
		HeartbeatTimeout:        cfg.Dispatcher.HeartbeatTimeout,
		GracefulShutdownTimeout: cfg.Dispatcher.GracefulShutdownTimeout,
		DeadlockDetectionTicks:  deadlockTicks(cfg),
		SkillMapping:            cfg.SkillMapping,
		Pools:                   pools,
		Retry: dispatcher.RetryConfig{
			MaxAttempts:  cfg.Dispatcher.RetryMaxAttempts,
			BackoffBase:  cfg.Dispatcher.RetryBackoffBase,
			InitialDelay: cfg.Dispatcher.RetryInitialDelay,
			MaxDelay:     cfg.Dispatcher.RetryMaxDelay,
		},
	}, reg, ws, launchers, bindings)
	if err != nil {
		return fmt.Errorf("construct dispatcher: %w", err)
	}
	d.SetPolicy(dispatcher.Policy(cfg.Dispatcher.SchedulingPolicy))

	server := api.NewServer(d)
	go func() {
		if err := server.Start(listenAddr); err != nil {
			log.Logger.Error().Err(err).Msg("health/metrics/completion server exited")
		}
	}()

	d.Start()
	log.Logger.Info().Str("listen_addr", listenAddr).Msg("necrocoded serving")
	d.WaitForSignal()
	return nil
}

// deadlockTicks converts the config's wall-clock interval into a tick
// count, since DeadlockDetector runs every N main-loop ticks rather than on
// its own timer (spec §4.3 "DeadlockDetector").
func deadlockTicks(cfg config.Config) int {
	if cfg.Dispatcher.PollInterval <= 0 {
		return 60
	}
	n := int(cfg.Dispatcher.DeadlockDetectionInterval / cfg.Dispatcher.PollInterval)
	if n < 1 {
		n = 1
	}
	return n
}

func buildLaunchers(cfg config.Config, kubeconfigPath string) (map[types.AgentPoolType]dispatcher.RunnerLauncher, error) {
	launchers := make(map[types.AgentPoolType]dispatcher.RunnerLauncher)
	for _, p := range cfg.AgentPools {
		if !p.Enabled {
			continue
		}
		switch p.Type {
		case types.AgentPoolLocalProcess:
			if _, ok := launchers[types.AgentPoolLocalProcess]; !ok {
				launchers[types.AgentPoolLocalProcess] = dispatcher.NewLocalProcessLauncher()
			}
		case types.AgentPoolDocker:
			if _, ok := launchers[types.AgentPoolDocker]; !ok {
				dl, err := dispatcher.NewDockerLauncher()
				if err != nil {
					return nil, fmt.Errorf("construct docker launcher for pool %q: %w", p.Name, err)
				}
				launchers[types.AgentPoolDocker] = dl
			}
		case types.AgentPoolKubernetes:
			if _, ok := launchers[types.AgentPoolKubernetes]; !ok {
				clientset, err := kubeClientset(kubeconfigPath)
				if err != nil {
					return nil, fmt.Errorf("construct kubernetes launcher for pool %q: %w", p.Name, err)
				}
				namespace := p.TypeSpecific["namespace"]
				if namespace == "" {
					namespace = "default"
				}
				launchers[types.AgentPoolKubernetes] = dispatcher.NewKubernetesLauncher(clientset, namespace, p.TypeSpecific["service_account"])
			}
		}
	}
	return launchers, nil
}

func kubeClientset(kubeconfigPath string) (kubernetes.Interface, error) {
	var restCfg *rest.Config
	var err error
	if kubeconfigPath != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("build kubernetes client config: %w", err)
	}
	return kubernetes.NewForConfig(restCfg)
}

// buildBindings maps each configured pool to its launch parameters. Every
// runner, regardless of pool, is handed the dispatcher's own callback
// address so it can report completion back via POST /runners/{id}/complete
// once LOCAL_PROCESS/DOCKER/KUBERNETES execution finishes in a separate
// process from this one.
func buildBindings(cfg config.Config, listenAddr string) map[string]dispatcher.PoolBinding {
	bindings := make(map[string]dispatcher.PoolBinding, len(cfg.AgentPools))
	for _, p := range cfg.AgentPools {
		env := map[string]string{
			"NECROCODE_DISPATCHER_ADDR": listenAddr,
			"NECROCODE_CODEGEN_ENDPOINT": p.TypeSpecific["codegen_endpoint"],
			"NECROCODE_CODEGEN_API_KEY":  p.TypeSpecific["codegen_api_key"],
			"NECROCODE_REGISTRY_BASE":    cfg.Registry.BasePath,
			"NECROCODE_ARTIFACT_BASE":    p.TypeSpecific["artifact_base"],
		}
		var command []string
		if c := p.TypeSpecific["command"]; c != "" {
			command = strings.Fields(c)
		} else {
			command = []string{"/usr/local/bin/necrocoded", "run-task"}
		}
		bindings[p.Name] = dispatcher.PoolBinding{
			Image:   p.TypeSpecific["image"],
			Command: command,
			Env:     env,
		}
	}
	return bindings
}
