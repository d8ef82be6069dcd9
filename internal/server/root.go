// Package server wires every mmpd component - the account store, the
// backend client, the work provider, the MMP and admin listeners, the
// policy engine and the ambient observability/notification services -
// into a single process.
package server

import (
	"fmt"
	"time"

	"github.com/cfsworks/mmpd/internal/account"
	"github.com/cfsworks/mmpd/internal/api"
	"github.com/cfsworks/mmpd/internal/backend"
	"github.com/cfsworks/mmpd/internal/config"
	"github.com/cfsworks/mmpd/internal/mmp"
	"github.com/cfsworks/mmpd/internal/newrelic"
	"github.com/cfsworks/mmpd/internal/notify"
	"github.com/cfsworks/mmpd/internal/policy"
	"github.com/cfsworks/mmpd/internal/profiling"
	"github.com/cfsworks/mmpd/internal/provider"
	"github.com/cfsworks/mmpd/internal/util"
)

// metricsInterval is how often pool/backend gauges are pushed to New Relic.
const metricsInterval = 30 * time.Second

// Root owns every long-lived component of a running mmpd process and is
// the glue between the backend client (upstream events) and the
// miner-facing listeners (work fan-out, block announcements).
type Root struct {
	cfg *config.Config

	Accounts *account.Store
	Provider *provider.Provider
	Backend  backend.Backend
	MMP      *mmp.Server
	API      *api.Server
	Policy   *policy.Server
	Notify   *notify.Notifier
	NewRelic *newrelic.Agent
	Profiler *profiling.Server

	quit chan struct{}
	done chan struct{}
}

// New assembles a Root from cfg, connecting to Redis and parsing
// backend_url but not yet starting any network listener.
func New(cfg *config.Config) (*Root, error) {
	accounts, err := account.NewStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
	if err != nil {
		return nil, fmt.Errorf("server: connect redis: %w", err)
	}

	r := &Root{
		cfg:      cfg,
		Accounts: accounts,
		Notify:   notify.New(cfg.Webhook),
		NewRelic: newrelic.NewAgent(cfg.NewRelic),
		Profiler: profiling.NewServer(cfg.Profiling),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	r.Provider = provider.New(r, cfg.Work.FIFO, cfg.Work.Reserve)

	// Policy is passed through an interface, so a disabled policy must stay
	// a true nil mmp.Policy rather than a typed nil *policy.Server.
	var pol mmp.Policy
	if cfg.Policy.Enabled {
		r.Policy = policy.New(cfg.Policy, accounts)
		pol = r.Policy
	}

	r.MMP = mmp.New(accounts, r.Provider, pol)
	r.API = api.New(accounts, r.Provider, r.MMP, cfg.Web.Root)

	backendURL, err := backend.ParseURL(cfg.Backend.URL)
	if err != nil {
		accounts.Close()
		return nil, err
	}
	switch backendURL.Scheme {
	case "mmp":
		r.Backend = backend.NewMMPClient(backendURL, r.Provider)
	default:
		r.Backend = backend.NewHTTPClient(backendURL, r.Provider)
	}
	r.Provider.SetBackend(r.Backend)

	return r, nil
}

// Start brings every configured component up: New Relic and pprof first
// (so early failures elsewhere are observable), then the policy engine,
// the backend connection, and finally the miner-facing and admin
// listeners.
func (r *Root) Start() error {
	if err := r.NewRelic.Start(); err != nil {
		util.Warnf("server: newrelic start: %v", err)
	}
	if err := r.Profiler.Start(); err != nil {
		util.Warnf("server: profiling start: %v", err)
	}

	if r.Policy != nil {
		r.Policy.Start()
	}

	if err := r.Provider.Start(); err != nil {
		return fmt.Errorf("server: backend connect: %w", err)
	}

	if err := r.MMP.Start(r.cfg.Server.IP, r.cfg.Server.Port); err != nil {
		return fmt.Errorf("server: mmp listen: %w", err)
	}

	if err := r.API.Start(r.cfg.Web.IP, r.cfg.Web.Port); err != nil {
		return fmt.Errorf("server: api listen: %w", err)
	}

	go r.metricsLoop()

	return nil
}

// Stop tears every component down in reverse dependency order.
func (r *Root) Stop() {
	close(r.quit)
	<-r.done

	if err := r.API.Stop(); err != nil {
		util.Warnf("server: api stop: %v", err)
	}
	r.MMP.Stop()
	r.Provider.Stop()
	if r.Policy != nil {
		r.Policy.Stop()
	}
	r.Profiler.Stop()
	r.NewRelic.Stop()
	r.Accounts.Close()
}

// BroadcastSendWork implements provider.Notifier.
func (r *Root) BroadcastSendWork() {
	r.MMP.BroadcastSendWork()
}

// BroadcastBlock implements provider.Notifier: miners are told about the
// new block, and the event is mirrored out to webhooks and APM.
func (r *Root) BroadcastBlock(height int) {
	r.MMP.BroadcastBlock(height)
	r.Notify.NotifyBlockFound(height)
	r.NewRelic.RecordBlockFound(height)
}

// metricsLoop periodically reports pool/backend gauges to New Relic until
// Stop is called.
func (r *Root) metricsLoop() {
	defer close(r.done)

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
			r.NewRelic.UpdatePoolMetrics(r.Provider.HashSpace(), len(r.MMP.ListConnections()))
			r.NewRelic.UpdateBackendMetrics(r.Provider.Block())
		}
	}
}
