package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/wxrelay/internal/bus"
	"github.com/hrygo/wxrelay/internal/config"
	"github.com/hrygo/wxrelay/internal/delivery"
	"github.com/hrygo/wxrelay/internal/httpapi"
	"github.com/hrygo/wxrelay/internal/listener"
	"github.com/hrygo/wxrelay/internal/model"
	"github.com/hrygo/wxrelay/internal/monitor"
	"github.com/hrygo/wxrelay/internal/platform"
	"github.com/hrygo/wxrelay/internal/remoteclient"
	"github.com/hrygo/wxrelay/internal/rules"
	"github.com/hrygo/wxrelay/internal/version"
	"github.com/hrygo/wxrelay/store"
	"github.com/hrygo/wxrelay/store/postgres"
	"github.com/hrygo/wxrelay/store/sqlite"
)

const drainTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:   "wxrelay",
	Short: "Bridges multiple chat-automation instances to conversational and bookkeeping platforms via routing rules.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		return nil
	},
	RunE: runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, err := loadProfile()
		if err != nil {
			return err
		}
		driver, err := openDriver(profile)
		if err != nil {
			return err
		}
		defer driver.Close()
		if err := driver.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Println("migration complete")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetCurrentVersion(viper.GetString("mode")))
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("mode", "dev", `"dev" or "prod"`)
	flags.String("addr", "127.0.0.1", "listen address for the management HTTP surface")
	flags.Int("port", 8090, "listen port for the management HTTP surface")
	flags.String("driver", "sqlite", "database driver: sqlite or postgres")
	flags.String("dsn", "wxrelay.db", "database source name")
	flags.Int("poll-interval", 5, "listener scan interval in seconds")
	flags.Int("inactivity-minutes", 30, "listener inactivity window before reaping")
	flags.Int("max-listeners", 30, "maximum listeners tracked per instance")
	flags.Int("batch-size", 10, "delivery scanner batch size")
	flags.Bool("merge-messages", false, "coalesce consecutive messages within the merge window")
	flags.Int("merge-window", 60, "merge window in seconds")
	flags.Int("concurrency", 4, "delivery worker concurrency")
	flags.String("master-key", "", "32-byte hex key used to seal secrets at rest")

	for _, name := range []string{
		"mode", "addr", "port", "driver", "dsn", "poll-interval",
		"inactivity-minutes", "max-listeners", "batch-size",
		"merge-messages", "merge-window", "concurrency", "master-key",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("wxrelay")
	viper.AutomaticEnv()

	rootCmd.AddCommand(migrateCmd, versionCmd)
}

func loadProfile() (*config.Profile, error) {
	return config.Load(viper.GetViper())
}

func openDriver(p *config.Profile) (store.Driver, error) {
	switch p.Driver {
	case "postgres":
		return postgres.NewDB(p.DSN)
	default:
		return sqlite.NewDB(p.DSN)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	profile, err := loadProfile()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver, err := openDriver(profile)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := driver.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	b := bus.New()
	st, err := store.New(ctx, driver, b, profile.MasterKeyHex)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	engine, err := rules.NewEngine()
	if err != nil {
		return fmt.Errorf("build rule engine: %w", err)
	}
	if warnings := engine.Rebuild(st.EnabledRules()); len(warnings) > 0 {
		for _, w := range warnings {
			slog.Warn("rule engine: skipping malformed rule at startup", "error", w)
		}
	}
	go watchRuleReloads(ctx, b, st, engine)

	clients := newClientPool()
	for _, in := range st.EnabledInstances() {
		if _, err := clients.get(in); err != nil {
			slog.Warn("failed to build remote client for instance", "instance", in.ID, "error", err)
		}
	}

	reg := prometheus.NewRegistry()
	// Serve the monitor's registry alongside the default one on /metrics.
	prometheus.DefaultGatherer = prometheus.Gatherers{prometheus.DefaultGatherer, reg}
	mon := monitor.New(st, clients.snapshot(), time.Duration(profile.MonitorIntervalSeconds)*time.Second, reg)

	platforms := platform.NewManager(platform.NewRegistry(), st)
	go platforms.Run(ctx)

	sup := listener.New(st, clients.remoteClientFactory(), listener.Config{
		PollInterval:            time.Duration(profile.PollInterval) * time.Second,
		MaxListenersPerInstance: profile.MaxListenersPerInstance,
		InactivityMinutes:       profile.InactivityMinutes,
	})

	pipeline := delivery.New(st, engine, platforms, clients.senderFactory(), delivery.Config{
		ScanInterval:    time.Duration(profile.PollInterval) * time.Second,
		BatchSize:       profile.BatchSize,
		MergeMessages:   profile.MergeMessages,
		MergeWindow:     time.Duration(profile.MergeWindowSeconds) * time.Second,
		Concurrency:     profile.DeliveryConcurrency,
		ProcessTimeout:  time.Duration(profile.DeliveryTimeoutSeconds) * time.Second,
		MaxRetries:      profile.MaxRetries,
		SerializerQueue: profile.SerializerQueueDepth,
	}).WithRecorder(mon)

	e := echo.New()
	e.HideBanner = true
	httpapi.New(st, mon).Register(e)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); _ = sup.Run(ctx) }()
	go func() { defer wg.Done(); _ = pipeline.Run(ctx) }()
	go func() { defer wg.Done(); mon.Run(ctx) }()

	serveErr := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", profile.Addr, profile.Port)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, terminationSignals...)

	fmt.Printf("wxrelay %s listening on %s:%d (driver=%s)\n", version.GetCurrentVersion(profile.Mode), profile.Addr, profile.Port, profile.Driver)

	select {
	case <-sig:
		slog.Info("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			slog.Error("management server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Warn("management server did not drain cleanly", "error", err)
	}

	cancel()
	wg.Wait()
	return nil
}

// watchRuleReloads keeps engine in sync with the store's rule cache: any
// rule.* event triggers a full recompile from the current enabled set.
func watchRuleReloads(ctx context.Context, b *bus.Bus, st *store.Store, engine *rules.Engine) {
	events, unsubscribe := b.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Kind {
			case bus.RuleAdded, bus.RuleUpdated, bus.RuleRemoved:
				if warnings := engine.Rebuild(st.EnabledRules()); len(warnings) > 0 {
					for _, w := range warnings {
						slog.Warn("rule engine: skipping malformed rule on reload", "error", w)
					}
				}
			}
		}
	}
}

// clientPool lazily builds and caches one *remoteclient.Client per
// instance, shared between the listener supervisor, the delivery
// pipeline's send-back path, and the monitor's connectivity sampling.
type clientPool struct {
	mu      sync.Mutex
	clients map[string]*remoteclient.Client
}

func newClientPool() *clientPool {
	return &clientPool{clients: make(map[string]*remoteclient.Client)}
}

func (p *clientPool) get(in *model.Instance) (*remoteclient.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[in.ID]; ok {
		return c, nil
	}
	c, err := remoteclient.New(in.BaseURL, in.APIKey, 10)
	if err != nil {
		return nil, err
	}
	p.clients[in.ID] = c
	return c, nil
}

func (p *clientPool) snapshot() map[string]*remoteclient.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*remoteclient.Client, len(p.clients))
	for id, c := range p.clients {
		out[id] = c
	}
	return out
}

func (p *clientPool) remoteClientFactory() listener.ClientFactory {
	return func(in *model.Instance) (listener.RemoteClient, error) { return p.get(in) }
}

func (p *clientPool) senderFactory() delivery.SenderFactory {
	return func(in *model.Instance) (delivery.Sender, error) { return p.get(in) }
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
