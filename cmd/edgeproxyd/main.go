// Command edgeproxyd runs one fleet node: it loads the node's typed
// config, builds the escaper registry, user directory, tenant isolation
// manager and server runtime pool, then watches the config file for
// changes and drives hot reload across the node's plain TCP listeners.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nabbar/edgeproxy/admin"
	"github.com/nabbar/edgeproxy/config"
	"github.com/nabbar/edgeproxy/escaper"
	"github.com/nabbar/edgeproxy/escaper/directfixed"
	"github.com/nabbar/edgeproxy/logger"
	"github.com/nabbar/edgeproxy/nodename"
	"github.com/nabbar/edgeproxy/pool"
	"github.com/nabbar/edgeproxy/resolver"
	"github.com/nabbar/edgeproxy/serverrt"
	"github.com/nabbar/edgeproxy/task"
	"github.com/nabbar/edgeproxy/tenant"
	"github.com/nabbar/edgeproxy/user"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var natsURL string

	cmd := &cobra.Command{
		Use:   "edgeproxyd",
		Short: "run one node of an edge proxy fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, natsURL)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "/etc/edgeproxy/edgeproxy.yaml", "path to the node's config file")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS URL for fleet-wide admin broadcast (empty disables it)")
	return cmd
}

type node struct {
	log           *logger.Logger
	anon          *user.User
	escapers      *escaper.Registry
	tenants       *tenant.Manager
	tenantStore   *tenant.Store
	monitor       *tenant.ResourceMonitor
	servers       *serverrt.Pool
	serverMetrics *serverrt.Metrics
	cfgMgr        *config.Manager
	connPool      *pool.Pool
	limiters      *task.Limiters
}

func run(ctx context.Context, configPath, natsURL string) error {
	log := logger.New("edgeproxyd", logger.InfoLevel, os.Stderr)

	loader, err := config.NewLoader(configPath)
	if err != nil {
		return fmt.Errorf("edgeproxyd: %w", err)
	}
	snap, err := loader.Load()
	if err != nil {
		return fmt.Errorf("edgeproxyd: %w", err)
	}

	var adminCfg struct {
		TenantStorePath string `mapstructure:"tenant_store_path"`
		MetricsBind     string `mapstructure:"metrics_bind"`
	}
	if err := snap.UnmarshalKey("admin", &adminCfg); err != nil {
		return fmt.Errorf("edgeproxyd: %w", err)
	}
	if adminCfg.TenantStorePath == "" {
		adminCfg.TenantStorePath = "edgeproxy-tenants.db"
	}

	tenantStore, err := tenant.NewStore(adminCfg.TenantStorePath)
	if err != nil {
		return fmt.Errorf("edgeproxyd: %w", err)
	}

	n := &node{
		log:           log,
		anon:          &user.User{Name: "anonymous", ACL: &user.ACL{}, Stats: &user.Stats{}},
		escapers:      escaper.NewRegistry(),
		tenants:       tenant.NewManager(),
		tenantStore:   tenantStore,
		servers:       serverrt.NewPool(),
		serverMetrics: serverrt.NewMetrics(),
		cfgMgr:        config.NewManager(),
		connPool:      pool.New(5 * time.Minute),
		limiters:      task.NewLimiters(),
	}
	n.tenants.AttachStore(n.tenantStore)

	registry := prometheus.NewRegistry()
	tenantMetrics := tenant.NewMetrics()
	registry.MustRegister(tenantMetrics.Collectors()...)
	registry.MustRegister(n.serverMetrics.Collectors()...)

	n.monitor = tenant.NewResourceMonitor(n.tenants, tenant.MonitorConfig{
		MonitoringInterval: 10 * time.Second,
	})
	n.monitor.AddListener(tenantMetrics)

	if persisted, perr := tenantStore.LoadTenants(); perr == nil {
		for _, cfg := range persisted {
			n.tenants.AddTenant(cfg)
		}
	}

	if err := n.wireFromSnapshot(snap); err != nil {
		return fmt.Errorf("edgeproxyd: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if adminCfg.MetricsBind != "" {
		metricsSrv := &http.Server{Addr: adminCfg.MetricsBind, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
		go func() {
			if serr := metricsSrv.ListenAndServe(); serr != nil && serr != http.ErrServerClosed {
				n.log.Error("metrics server stopped", logger.Fields{"error": serr.Error()})
			}
		}()
		go func() {
			<-runCtx.Done()
			_ = metricsSrv.Close()
		}()
	}

	n.monitor.Start(runCtx)
	if err := n.cfgMgr.Start(); err != nil {
		return fmt.Errorf("edgeproxyd: %w", err)
	}

	watcher, err := config.NewWatcher(loader)
	if err == nil {
		go watcher.Run(runCtx, func(next *config.Snapshot) {
			if rerr := n.cfgMgr.Reload(); rerr != nil {
				n.log.Error("reload failed", logger.Fields{"error": rerr.Error()})
			}
		}, func(werr error) {
			n.log.Error("config watch error", logger.Fields{"error": werr.Error()})
		})
	}

	adminNode := &admin.Node{Manager: n.cfgMgr, Tenants: n.tenants}
	if natsURL != "" {
		fleet, ferr := admin.NewFleet(natsURL)
		if ferr != nil {
			n.log.Error("fleet broadcaster unavailable", logger.Fields{"error": ferr.Error()})
		} else {
			adminNode.Fleet = fleet
			defer fleet.Close()
		}
	}
	_ = admin.NewRootCommand(adminNode) // built but not served: this node opens no admin listener

	n.servers.WaitNotify(runCtx)
	n.cfgMgr.Stop()
	n.monitor.Stop()
	if cerr := n.tenantStore.Close(); cerr != nil {
		n.log.Error("closing tenant store", logger.Fields{"error": cerr.Error()})
	}
	return nil
}

// wireFromSnapshot builds the escaper registry, tenant set, and listener
// components from one loaded Snapshot, decoding each component's own config
// slice from the shared viper instance via Snapshot.UnmarshalKey.
func (n *node) wireFromSnapshot(snap *config.Snapshot) error {
	type directFixedCfg struct {
		Bind     string `mapstructure:"bind"`
		Strategy string `mapstructure:"strategy"`
	}
	var escCfgs map[string]directFixedCfg
	if err := snap.UnmarshalKey("escapers", &escCfgs); err != nil {
		return err
	}
	res := resolver.New(resolver.NewMiekgQueryer(nil))
	for name, c := range escCfgs {
		strat := resolver.Ipv4First
		if c.Strategy == "v4-only" {
			strat = resolver.Ipv4Only
		} else if c.Strategy == "v6-only" {
			strat = resolver.Ipv6Only
		}
		esc := directfixed.New(nodename.New(name), directfixed.Config{Strategy: strat}, res)
		n.escapers.Register(esc)
	}

	type tenantCfg struct {
		MaxConnections       float64 `mapstructure:"max_connections"`
		MaxBandwidthBps      float64 `mapstructure:"max_bandwidth_bps"`
		MaxRequestsPerSecond float64 `mapstructure:"max_requests_per_second"`
	}
	var tenantCfgs map[string]tenantCfg
	if err := snap.UnmarshalKey("tenants", &tenantCfgs); err != nil {
		return err
	}
	for id, c := range tenantCfgs {
		n.tenants.AddTenant(tenant.Config{
			ID: id, Name: id, Enabled: true,
			Limits: tenant.ResourceLimits{
				MaxConnections:       c.MaxConnections,
				MaxBandwidthBps:      c.MaxBandwidthBps,
				MaxRequestsPerSecond: c.MaxRequestsPerSecond,
			},
		})
	}

	type listenerCfg struct {
		Bind     string `mapstructure:"bind"`
		Protocol string `mapstructure:"protocol"`
		Escaper  string `mapstructure:"escaper"`
	}
	var listenerCfgs map[string]listenerCfg
	if err := snap.UnmarshalKey("listeners", &listenerCfgs); err != nil {
		return err
	}

	for name, lc := range listenerCfgs {
		name, lc := name, lc
		n.cfgMgr.Set(name, config.NewFuncComponent(lc.Protocol, nil, func() error {
			return n.startListener(name, lc.Bind, lc.Escaper)
		}, nil, func() {
			n.servers.Del(name)
		}))
	}

	return nil
}

// listenerHandler drives one accepted TCP connection through the
// forwarding task pipeline using the escaper named at listener-config
// time, looked up fresh on every connection so a reload that rebinds the
// escaper registry takes effect without restarting the listener.
type listenerHandler struct {
	n           *node
	escaperName string
}

func (h *listenerHandler) RunTcpTask(ctx context.Context, conn net.Conn, client serverrt.ClientInfo) {
	defer conn.Close()

	esc, ok := h.n.escapers.Lookup(nodename.New(h.escaperName))
	if !ok {
		return
	}

	cfg := task.Config{Esc: esc, Pool: h.n.connPool, Limiters: h.n.limiters}
	tc := &escaper.TaskConf{}
	t := task.New(cfg, tc, client.RemoteAddr, client.LocalAddr, h.n.anon)
	if err := t.Run(ctx, conn); err != nil {
		h.n.log.Debug("task ended", logger.Fields{"listener": h.escaperName, "error": err.Error()})
	}
}

func (n *node) startListener(name, bind, escaperName string) error {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("edgeproxyd: listening on %s: %w", bind, err)
	}
	srv := serverrt.NewTcpServer(name, 1, &listenerHandler{n: n, escaperName: escaperName})
	srv.SetMetrics(n.serverMetrics)
	n.servers.Add(srv)
	go func() {
		if err := srv.ListenTCP(context.Background(), ln); err != nil {
			n.log.Error("listener stopped", logger.Fields{"listener": name, "error": err.Error()})
		}
	}()
	return nil
}
