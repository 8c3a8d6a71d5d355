package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	stagevarv1alpha1 "github.com/razvanmacovei/stagevar-gateway/api/v1alpha1"
	"github.com/razvanmacovei/stagevar-gateway/internal/config"
	"github.com/razvanmacovei/stagevar-gateway/internal/controller"
	"github.com/razvanmacovei/stagevar-gateway/internal/gateway"
	"github.com/razvanmacovei/stagevar-gateway/internal/loader"
	_ "github.com/razvanmacovei/stagevar-gateway/internal/metrics"
	"github.com/razvanmacovei/stagevar-gateway/internal/registry"
	"github.com/razvanmacovei/stagevar-gateway/internal/router"
	"github.com/razvanmacovei/stagevar-gateway/internal/target"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(stagevarv1alpha1.AddToScheme(scheme))
}

type options struct {
	metricsAddr          string
	probeAddr            string
	gatewayAddr          string
	configFile           string
	watchConfig          bool
	enableLeaderElection bool

	// restConfig loads the cluster connection; ctrl.GetConfig when nil.
	restConfig func() (*rest.Config, error)
}

func main() {
	var o options

	flag.StringVar(&o.metricsAddr, "metrics-bind-address", ":8080", "The address the metrics endpoint binds to.")
	flag.StringVar(&o.probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.StringVar(&o.gatewayAddr, "gateway-bind-address", envOrDefault("GATEWAY_BIND_ADDRESS", ":8088"), "The address the stage gateway binds to.")
	flag.StringVar(&o.configFile, "config", envOrDefault("STAGEVAR_CONFIG", ""), "Path to the stage configuration file. Built-in defaults are used when empty.")
	flag.BoolVar(&o.watchConfig, "watch-config", true, "Reload stage targets when the configuration file changes.")
	flag.BoolVar(&o.enableLeaderElection, "leader-elect", false, "Enable leader election for controller manager.")

	zapOpts := zap.Options{}
	zapOpts.BindFlags(flag.CommandLine)
	flag.Parse()

	zlog := zap.New(zap.UseFlagOptions(&zapOpts))
	ctrl.SetLogger(zlog)
	// Gateway, router and loader log through slog into the same zap sink.
	slogger := slog.New(logr.ToSlogHandler(zlog.WithName("gateway")))
	slog.SetDefault(slogger)

	os.Exit(run(ctrl.SetupSignalHandler(), o, slogger))
}

// run wires and starts the manager. It returns the process exit code once the
// configured stages have been released.
func run(ctx context.Context, o options, slogger *slog.Logger) int {
	cfg := config.Default()
	if o.configFile != "" {
		var err error
		cfg, err = config.Load(o.configFile)
		if err != nil {
			setupLog.Error(err, "unable to load stage configuration", "path", o.configFile)
			return 1
		}
	}

	// Shared target registry, fed by the config loader and the controller.
	store := registry.New()
	factory := target.NewFactory(slogger.With("component", "targets"))
	factory.StageVariable = cfg.StageVariable

	ld, err := loader.Init(ctx, cfg, store, factory, slogger.With("component", "loader"))
	if err != nil {
		setupLog.Error(err, "unable to register configured stages")
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ld.Shutdown(shutdownCtx); err != nil {
			setupLog.Error(err, "stage configuration shutdown")
		}
	}()

	getConfig := o.restConfig
	if getConfig == nil {
		getConfig = ctrl.GetConfig
	}
	restConfig, err := getConfig()
	if err != nil {
		setupLog.Error(err, "unable to load kubeconfig")
		return 1
	}
	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: o.metricsAddr},
		HealthProbeBindAddress: o.probeAddr,
		LeaderElection:         o.enableLeaderElection,
		LeaderElectionID:       "stagevar-gateway.stagevar.io",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		return 1
	}

	// Register controller.
	if err = (&controller.StageBindingReconciler{
		Client:   mgr.GetClient(),
		Scheme:   mgr.GetScheme(),
		Recorder: mgr.GetEventRecorderFor("stagevar-gateway"),
		Registry: store,
		Factory:  factory,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "StageBinding")
		return 1
	}

	// Register gateway as a managed runnable.
	rt := router.New(store,
		router.WithTimeout(cfg.InvokeTimeout),
		router.WithGreeting(cfg.Greeting),
		router.WithLogger(slogger.With("component", "router")),
	)
	handler, err := gateway.NewHandler(rt, cfg, slogger)
	if err != nil {
		setupLog.Error(err, "unable to create gateway handler")
		return 1
	}
	if err := mgr.Add(gateway.NewServer(o.gatewayAddr, handler, slogger)); err != nil {
		setupLog.Error(err, "unable to add gateway server to manager")
		return 1
	}

	// Every replica reloads its own registry, leader or not.
	if o.configFile != "" && o.watchConfig {
		if err := mgr.Add(ld.Watcher(o.configFile)); err != nil {
			setupLog.Error(err, "unable to add config watcher to manager")
			return 1
		}
	}

	// Health checks.
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		return 1
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		return 1
	}

	setupLog.Info("starting manager",
		"metrics", o.metricsAddr,
		"probes", o.probeAddr,
		"gateway", o.gatewayAddr,
		"config", o.configFile,
		"stages", store.Stages(),
	)
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		return 1
	}
	return 0
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
