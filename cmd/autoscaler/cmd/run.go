package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/softcane/fleet-autoscaler/internal/analyzer"
	"github.com/softcane/fleet-autoscaler/internal/cloud"
	"github.com/softcane/fleet-autoscaler/internal/config"
	"github.com/softcane/fleet-autoscaler/internal/controller"
	"github.com/softcane/fleet-autoscaler/internal/metrics"
	"github.com/softcane/fleet-autoscaler/internal/notify"
	"github.com/softcane/fleet-autoscaler/internal/planner"
	"github.com/softcane/fleet-autoscaler/internal/pricing"
	"github.com/softcane/fleet-autoscaler/internal/snapshot"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the reconciliation loop",
	Long: `Run starts the autoscaler loop: collect compute-group and cluster
state, scale groups up for unschedulable pods, and drain idle nodes.

Use --dry-run to log every decision without mutating anything.`,
	RunE: runAutoscaler,
}

var (
	flagClusterName      string
	flagRegions          []string
	flagSleep            int
	flagKubeconfig       string
	flagPodNamespace     string
	flagIdleThreshold    int
	flagTypeIdle         int
	flagInstanceInit     int
	flagOverProvision    int
	flagNoScale          bool
	flagNoMaintenance    bool
	flagDryRun           bool
	flagScaleLabel       string
	flagDrainableLabels  string
	flagTypePriorities   string
	flagSlackHook        string
	flagSlackBotToken    string
	flagDatadogAPIKey    string
	flagMetricsAddr      string
	flagDisablePricing   bool
	flagEvictGracePeriod int64
	flagDrainTimeout     time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringVar(&flagClusterName, "cluster-name", "", "Name of the managed cluster (required)")
	f.StringSliceVar(&flagRegions, "regions", []string{"us-west-1"}, "Regions to reconcile")
	f.IntVar(&flagSleep, "sleep", 60, "Base seconds between reconciliation cycles")
	f.StringVar(&flagKubeconfig, "kubeconfig", "", "Path to kubeconfig (default: in-cluster)")
	f.StringVar(&flagPodNamespace, "pod-namespace", "", "Restrict pod listing to one namespace")
	f.IntVar(&flagIdleThreshold, "idle-threshold", 3600, "Seconds a node must be idle before scale-down")
	f.IntVar(&flagTypeIdle, "type-idle-threshold", 3600*24*7, "Seconds an entire instance class must be idle before consolidation")
	f.IntVar(&flagInstanceInit, "instance-init-time", 25*60, "Grace seconds after a scale-up during which nodes are never drained")
	f.IntVar(&flagOverProvision, "over-provision", 5, "Extra instances added beyond computed demand")
	f.BoolVar(&flagNoScale, "no-scale", false, "Compute and report scale-ups without executing them")
	f.BoolVar(&flagNoMaintenance, "no-maintenance", false, "Compute and report scale-downs without executing them")
	f.BoolVarP(&flagDryRun, "dry-run", "n", false, "Log and simulate every mutating call without issuing it")
	f.StringVar(&flagScaleLabel, "scale-label", "", "Node label key associating nodes with their compute group")
	f.StringVar(&flagDrainableLabels, "drainable-labels", "", "Comma-separated key=value pod labels safe to evict (repeated keys accumulate)")
	f.StringVar(&flagTypePriorities, "instance-type-priorities", "", "Comma-separated type=priority pairs, lower scales up first")
	f.StringVar(&flagSlackHook, "slack-hook", "", "Slack webhook URL for notifications (env SLACK_HOOK)")
	f.StringVar(&flagSlackBotToken, "slack-bot-token", "", "Slack bot token for direct delivery (env SLACK_BOT_TOKEN)")
	f.StringVar(&flagDatadogAPIKey, "datadog-api-key", "", "Datadog API key for cycle metrics (env DATADOG_API_KEY)")
	f.StringVar(&flagMetricsAddr, "metrics-addr", ":8080", "Listen address for the Prometheus /metrics endpoint")
	f.BoolVar(&flagDisablePricing, "disable-pricing", false, "Skip cost estimates in scale-up notifications")
	f.Int64Var(&flagEvictGracePeriod, "evict-grace-period", 30, "Pod termination grace seconds per eviction")
	f.DurationVar(&flagDrainTimeout, "drain-timeout", 10*time.Minute, "Maximum time to wait for evicted pods to leave a node")
}

// buildOptions merges the config file, flag values and env fallbacks.
// Flags explicitly set on the command line win over the file.
func buildOptions(cmd *cobra.Command) (*config.Options, error) {
	opts := config.Defaults()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		opts = loaded
	}

	flagWasSet := func(name string) bool { return cmd.Flags().Changed(name) }

	if flagWasSet("cluster-name") || opts.ClusterName == "" {
		opts.ClusterName = flagClusterName
	}
	if flagWasSet("regions") {
		opts.Regions = flagRegions
	}
	if flagWasSet("sleep") {
		opts.SleepSeconds = flagSleep
	}
	if flagWasSet("kubeconfig") {
		opts.Kubeconfig = flagKubeconfig
	}
	if flagWasSet("pod-namespace") {
		opts.PodNamespace = flagPodNamespace
	}
	if flagWasSet("idle-threshold") {
		opts.IdleThresholdSeconds = flagIdleThreshold
	}
	if flagWasSet("type-idle-threshold") {
		opts.TypeIdleThresholdSeconds = flagTypeIdle
	}
	if flagWasSet("instance-init-time") {
		opts.InstanceInitTimeSeconds = flagInstanceInit
	}
	if flagWasSet("over-provision") {
		opts.OverProvision = flagOverProvision
	}
	if flagWasSet("no-scale") {
		opts.NoScale = flagNoScale
	}
	if flagWasSet("no-maintenance") {
		opts.NoMaintenance = flagNoMaintenance
	}
	if flagWasSet("dry-run") {
		opts.DryRun = flagDryRun
	}
	if flagWasSet("scale-label") {
		opts.ScaleLabel = flagScaleLabel
	}

	if flagWasSet("drainable-labels") {
		mm, err := config.ParseMultimap(flagDrainableLabels)
		if err != nil {
			return nil, fmt.Errorf("invalid --drainable-labels: %w", err)
		}
		opts.DrainableLabels = mm
	}
	if flagWasSet("instance-type-priorities") {
		mm, err := config.ParseMultimap(flagTypePriorities)
		if err != nil {
			return nil, fmt.Errorf("invalid --instance-type-priorities: %w", err)
		}
		opts.InstanceTypePriorities = mm
	}

	opts.SlackHook = envFallback(flagSlackHook, "SLACK_HOOK")
	opts.SlackBotToken = envFallback(flagSlackBotToken, "SLACK_BOT_TOKEN")
	opts.DatadogAPIKey = envFallback(flagDatadogAPIKey, "DATADOG_API_KEY")
	opts.Verbose = verbosity

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func envFallback(flagValue, envKey string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(envKey)
}

func runAutoscaler(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts, err := buildOptions(cmd)
	if err != nil {
		return err
	}

	slog.Info("starting fleet autoscaler",
		"cluster", opts.ClusterName,
		"regions", opts.Regions,
		"dry_run", opts.DryRun,
		"no_scale", opts.NoScale,
		"no_maintenance", opts.NoMaintenance,
	)

	// Missing cloud credentials are fatal before the loop starts; once
	// running, per-cycle errors are logged and the process keeps going.
	if err := cloud.VerifyCredentials(ctx); err != nil {
		slog.Error("credential check failed", "error", err)
		return err
	}

	k8sClient, err := buildKubernetesClient(opts.Kubeconfig)
	if err != nil {
		return fmt.Errorf("failed to build kubernetes client: %w", err)
	}

	asgClient := cloud.NewAWSASGClient(cloud.AWSASGClientConfig{
		ClusterName: opts.ClusterName,
		Logger:      slog.Default(),
	})

	collector := snapshot.NewCollector(snapshot.CollectorConfig{
		Cloud:        asgClient,
		K8s:          k8sClient,
		Logger:       slog.Default(),
		PodNamespace: opts.PodNamespace,
		ScaleLabel:   opts.ScaleLabel,
		Priorities:   opts.InstanceTypePriorities,
	})

	an := analyzer.New(analyzer.Config{
		Drainable:         opts.DrainableLabels,
		IdleThreshold:     opts.IdleThreshold(),
		TypeIdleThreshold: opts.TypeIdleThreshold(),
		InstanceInitTime:  opts.InstanceInitTime(),
	}, slog.Default())

	coordinator := controller.NewCoordinator(k8sClient, asgClient, an, slog.Default(), controller.CoordinatorConfig{
		GracePeriodSeconds: flagEvictGracePeriod,
		DrainTimeout:       flagDrainTimeout,
		DryRun:             opts.DryRun,
	})

	executor := controller.NewExecutor(asgClient, slog.Default(), controller.ExecutorConfig{
		NoScale: opts.NoScale,
		DryRun:  opts.DryRun,
	})

	notifier := notify.New(notify.Config{
		WebhookURL: opts.SlackHook,
		BotToken:   opts.SlackBotToken,
	}, slog.Default())

	sink := metrics.NewDatadogSink(opts.DatadogAPIKey, slog.Default())

	var prices controller.PriceEstimator
	if !flagDisablePricing {
		estimator, err := pricing.NewEstimator(ctx, slog.Default())
		if err != nil {
			slog.Warn("price estimator unavailable, notifications carry no cost estimates", "error", err)
		} else {
			prices = estimator
		}
	}

	ctrl := controller.New(controller.Config{
		ClusterName:   opts.ClusterName,
		Regions:       opts.Regions,
		Sleep:         opts.Sleep(),
		NoScale:       opts.NoScale,
		NoMaintenance: opts.NoMaintenance,
		DryRun:        opts.DryRun,
	}, controller.Deps{
		Collector:   collector,
		Planner:     planner.New(slog.Default(), opts.OverProvision),
		Analyzer:    an,
		Executor:    executor,
		Coordinator: coordinator,
		Notifier:    notifier,
		Sink:        sink,
		Prices:      prices,
		Logger:      slog.Default(),
	})

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("starting metrics server", "addr", flagMetricsAddr)
		if err := http.ListenAndServe(flagMetricsAddr, mux); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	slog.Info("autoscaler ready, starting reconciliation loop...")
	if err := ctrl.Run(ctx); err != nil {
		return fmt.Errorf("controller failure: %w", err)
	}
	return nil
}

// buildKubernetesClient prefers an explicit kubeconfig, then in-cluster
// configuration, then the conventional local fallbacks.
func buildKubernetesClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		k8sConfig *rest.Config
		err       error
	)

	if kubeconfig != "" {
		k8sConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, err
		}
	} else {
		k8sConfig, err = rest.InClusterConfig()
		if err != nil {
			fallback := os.Getenv("KUBECONFIG")
			if fallback == "" {
				fallback = os.Getenv("HOME") + "/.kube/config"
			}
			k8sConfig, err = clientcmd.BuildConfigFromFlags("", fallback)
			if err != nil {
				return nil, err
			}
		}
	}
	return kubernetes.NewForConfig(k8sConfig)
}
