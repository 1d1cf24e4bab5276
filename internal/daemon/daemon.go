// Package daemon wires Config Loader -> Scheduler -> Executor ->
// {Adapters, Notifiers, State Store, Metrics} and supervises their
// combined lifecycle.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsql/sqlalertd/internal/alertdef"
	"github.com/opsql/sqlalertd/internal/alertstate/sqlitestore"
	bigqueryfamily "github.com/opsql/sqlalertd/internal/queryadapter/bigquery"
	"github.com/opsql/sqlalertd/internal/config"
	"github.com/opsql/sqlalertd/internal/credentials"
	"github.com/opsql/sqlalertd/internal/executor"
	"github.com/opsql/sqlalertd/internal/notifier"
	"github.com/opsql/sqlalertd/internal/obsv"
	"github.com/opsql/sqlalertd/internal/queryadapter"
	"github.com/opsql/sqlalertd/internal/queryadapter/sqlfamily"
	"github.com/opsql/sqlalertd/internal/scheduler"
)

// Exit codes:
const (
	ExitClean             = 0
	ExitConfigLoadFailure = 1
	ExitStateStoreUnreach = 2
	ExitInvalidArgs       = 3
)

// Config is the Supervisor's own startup configuration, distinct from the
// operator's alert definitions.
type Config struct {
	ConfigPath       string
	DotEnvPath       string
	CredentialsFile  string
	StateDBPath      string
	MetricsAddr      string
	DrainDeadline    time.Duration
	WebhookAllowlist []string

	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPFrom string
}

func DefaultConfig() Config {
	return Config{
		ConfigPath:    "alerts.yaml",
		StateDBPath:   "sqlalertd.db",
		MetricsAddr:   ":9090",
		DrainDeadline: 30 * time.Second,
		SMTPPort:      587,
	}
}

// Daemon owns every long-lived component and implements the supervisor's
// startup/shutdown ordering.
type Daemon struct {
	cfg Config

	Store     *sqlitestore.Store
	Adapters  *queryadapter.Registry
	Metrics   *obsv.Metrics
	Executor  *executor.Executor
	Scheduler *scheduler.Scheduler
	Watcher   *config.Watcher
	Prober    *obsv.Prober
}

// New constructs every component but does not yet start the scheduler or
// config watcher; call Run for that.
func New(cfg Config) (*Daemon, error) {
	store, err := sqlitestore.Open(cfg.StateDBPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: open state store: %w", err)
	}

	metrics := obsv.New()

	sqlFamily := &sqlfamily.Family{}
	bqFamily := &bigqueryfamily.Family{}
	adapters := queryadapter.NewRegistry(sqlFamily, bqFamily)

	allowlist := notifier.NewHostAllowlist(cfg.WebhookAllowlist)
	senders := map[alertdef.Channel]notifier.Sender{
		alertdef.ChannelSlack:   notifier.NewChatSender(allowlist),
		alertdef.ChannelWebhook: notifier.NewWebhookSender(allowlist),
	}
	if cfg.SMTPHost != "" {
		senders[alertdef.ChannelEmail] = notifier.NewEmailSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom)
	}
	fanout := notifier.NewFanout(senders)

	exec := executor.New(store, adapters, fanout, metrics)
	sched := scheduler.New(scheduler.DefaultConfig(), exec, store, metrics)

	credTable, err := credentials.LoadTableFile(cfg.CredentialsFile)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("daemon: load credentials table: %w", err)
	}
	resolver := credentials.NewResolver(cfg.DotEnvPath, credTable)
	loader := config.NewLoader(resolver)

	d := &Daemon{
		cfg:       cfg,
		Store:     store,
		Adapters:  adapters,
		Metrics:   metrics,
		Executor:  exec,
		Scheduler: sched,
	}

	watcher, err := config.NewWatcher(loader, cfg.ConfigPath, d.onConfigChange)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("daemon: create config watcher: %w", err)
	}
	d.Watcher = watcher

	var channels []alertdef.Channel
	for ch := range senders {
		channels = append(channels, ch)
	}
	d.Prober = &obsv.Prober{Store: store, Adapters: adapters, Channels: channels}

	return d, nil
}

// Run performs the full startup sequence and blocks until ctx is cancelled,
// then performs ordered shutdown. It returns one of the Exit* codes above,
// never panicking on a component failure.
func (d *Daemon) Run(ctx context.Context) int {
	result, err := d.Watcher.Start()
	if err != nil {
		log.Error().Err(err).Msg("daemon: initial config load failed")
		return ExitConfigLoadFailure
	}
	d.applyLoadResult(result)

	if health := d.Store.Health(); !health.OK {
		log.Error().Str("error", health.Error).Msg("daemon: state store unreachable at startup")
		return ExitStateStoreUnreach
	}

	d.Scheduler.Start()
	log.Info().Int("alerts", len(result.Definitions)).Msg("daemon: scheduler started")

	uptimeTicker := time.NewTicker(1 * time.Second)
	defer uptimeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return ExitClean
		case <-uptimeTicker.C:
			d.Metrics.Tick()
		}
	}
}

func (d *Daemon) onConfigChange(defs []alertdef.Definition, databases map[string]string) {
	d.registerDatabases(databases)
	if err := d.Scheduler.SetJobs(defs); err != nil {
		log.Error().Err(err).Msg("daemon: failed to apply reloaded alert definitions")
	}
}

func (d *Daemon) applyLoadResult(result config.LoadResult) {
	d.registerDatabases(result.Databases)
	if err := d.Scheduler.SetJobs(result.Definitions); err != nil {
		log.Error().Err(err).Msg("daemon: failed to schedule initial alert definitions")
	}
	var refs []string
	for ref := range result.Databases {
		refs = append(refs, ref)
	}
	d.Prober.DatabaseRefs = refs
}

func (d *Daemon) registerDatabases(databases map[string]string) {
	for ref, conn := range databases {
		if err := d.Adapters.Register(ref, conn); err != nil {
			log.Error().Err(err).Str("ref", ref).Msg("daemon: failed to register database connection")
		}
	}
}

// shutdown runs the termination sequence in order: stop accepting
// triggers, drain in-flight runs, flush history, close adapter pools.
func (d *Daemon) shutdown() {
	log.Info().Msg("daemon: shutting down")
	d.Watcher.Stop()
	d.Scheduler.Stop(d.cfg.DrainDeadline)
	d.Adapters.CloseAll()
	if err := d.Store.Close(); err != nil {
		log.Error().Err(err).Msg("daemon: failed to close state store cleanly")
	}
	log.Info().Msg("daemon: shutdown complete")
}
