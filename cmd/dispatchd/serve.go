package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsloop/dispatchd/internal/adapter"
	"github.com/opsloop/dispatchd/internal/dispatch"
	"github.com/opsloop/dispatchd/internal/mcpserver"
	"github.com/opsloop/dispatchd/internal/operation"
	"github.com/opsloop/dispatchd/internal/sandbox"
	"github.com/opsloop/dispatchd/internal/shellpool"
	"github.com/opsloop/dispatchd/internal/telemetry"
	"github.com/opsloop/dispatchd/internal/toolconfig"
	"github.com/opsloop/dispatchd/internal/toolconfig/provider"
)

// ServeCmd starts the dispatch server.
type ServeCmd struct {
	Config          string   `arg:"" help:"Tool configuration file path (or provider key/prefix)." placeholder:"PATH"`
	ConfigProvider  string   `name:"config-provider" help:"Config provider backend." default:"file" enum:"file,consul,etcd,zookeeper"`
	ConfigEndpoints []string `name:"config-endpoint" help:"Provider endpoints for consul/etcd/zookeeper backends, repeatable."`
	Watch           bool     `help:"Watch the tool configuration for changes and hot-reload the registry."`

	SandboxRoot []string `name:"sandbox-root" help:"Allowed working-directory roots, repeatable. Defaults to the current directory." placeholder:"PATH"`

	Transport string `help:"Transport: stdio or http." default:"stdio" enum:"stdio,http"`
	Addr      string `help:"HTTP listen address (transport=http)." default:":8910"`

	ForceSynchronous bool          `name:"force-synchronous" help:"Force every dispatch to run synchronously regardless of tool/caller preference."`
	UseShellPool     bool          `name:"use-shell-pool" help:"Route asynchronous dispatches through the pooled warm-shell executor."`
	DefaultTimeout   time.Duration `help:"Default per-command timeout when no other layer specifies one." default:"5m"`

	Metrics bool `help:"Enable the Prometheus metrics endpoint."`

	Tracing         bool    `help:"Enable tracing."`
	TracingExporter string  `name:"tracing-exporter" help:"Span exporter backend." default:"otlp" enum:"otlp,stdout"`
	TracingEndpoint string  `name:"tracing-endpoint" help:"OTLP/gRPC collector endpoint (exporter=otlp)." default:"localhost:4317"`
	TracingSampling float64 `name:"tracing-sampling" help:"Trace sampling ratio, 0.0-1.0." default:"1.0"`

	ServiceName string `name:"service-name" help:"Service name reported to the MCP client and tracer." default:"dispatchd"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	p, err := provider.New(provider.Config{
		Type:      provider.Type(c.ConfigProvider),
		Path:      c.Config,
		Endpoints: c.ConfigEndpoints,
	})
	if err != nil {
		return fmt.Errorf("create config provider: %w", err)
	}
	defer p.Close()

	loader := toolconfig.NewLoader(p)
	tools, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load tool configuration: %w", err)
	}
	registry := toolconfig.NewRegistry(tools)
	slog.Info("loaded tool configuration", "tools", registry.Count())

	roots := c.SandboxRoot
	if len(roots) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		roots = []string{wd}
	}
	box, err := sandbox.New(roots...)
	if err != nil {
		return fmt.Errorf("initialize sandbox: %w", err)
	}

	monitor := operation.NewMonitor(operation.DefaultConfig())
	defer monitor.Shutdown()

	metrics := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: c.Metrics, Namespace: "dispatchd"})

	var pool *shellpool.Manager
	if c.UseShellPool {
		pool = shellpool.NewManager(shellpool.DefaultConfig(), slog.Default())
		pool.SetMetrics(metrics.ShellMetrics())
		defer pool.Shutdown()
	}

	ad := adapter.New(monitor, pool, box, adapter.DefaultRetry(), slog.Default())
	defer ad.Close()

	if _, err := telemetry.InitGlobalTracer(ctx, telemetry.TracerConfig{
		Enabled:      c.Tracing,
		Exporter:     c.TracingExporter,
		EndpointURL:  c.TracingEndpoint,
		SamplingRate: c.TracingSampling,
		ServiceName:  c.ServiceName,
	}); err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}

	dispatchCfg := dispatch.DefaultConfig()
	dispatchCfg.ForceSynchronous = c.ForceSynchronous
	dispatchCfg.UsePoolForAsync = c.UseShellPool
	if c.DefaultTimeout > 0 {
		dispatchCfg.DefaultTimeout = c.DefaultTimeout
	}

	d := dispatch.New(registry, monitor, ad, box, toolconfig.NewAvailabilityChecker(), dispatchCfg, slog.Default(), metrics)

	srv := mcpserver.New(d, registry, mcpserver.Config{Name: c.ServiceName, Version: "0.1.0"}, slog.Default())

	if c.Watch {
		go func() {
			watchLoader := toolconfig.NewLoader(p, toolconfig.WithOnChange(func(tools []*toolconfig.ToolConfig) {
				registry.Replace(tools)
				srv.Refresh()
				slog.Info("tool configuration reloaded", "tools", registry.Count())
			}))
			if err := watchLoader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("config watch stopped", "error", err)
			}
		}()
	}

	switch c.Transport {
	case "http":
		httpSrv := mcpserver.NewHTTPServer(srv, c.Addr, metrics, slog.Default())
		slog.Info("dispatchd listening", "transport", "http", "addr", c.Addr)
		return httpSrv.Start(ctx)
	default:
		slog.Info("dispatchd serving MCP over stdio")
		return srv.ServeStdio()
	}
}
