// Package newrelic provides New Relic APM integration for mmpd.
package newrelic

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/cfsworks/mmpd/internal/config"
	"github.com/cfsworks/mmpd/internal/util"
)

// Agent wraps New Relic APM functionality.
type Agent struct {
	cfg config.NewRelicConfig
	mu  sync.RWMutex
	app *newrelic.Application
}

// NewAgent creates a New Relic agent from the process config.
func NewAgent(cfg config.NewRelicConfig) *Agent {
	return &Agent{cfg: cfg}
}

// Start initializes the agent, a no-op if disabled or unconfigured.
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("newrelic: disabled")
		return nil
	}
	if a.cfg.LicenseKey == "" {
		util.Warn("newrelic: license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("newrelic: connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("newrelic: APM enabled for app %s", a.cfg.AppName)
	return nil
}

// Stop shuts the agent down, flushing any buffered data.
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()
	if app != nil {
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application for middleware.
func (a *Agent) Application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled reports whether the agent is connected.
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// StartTransaction starts a New Relic transaction.
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()
	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// RecordCustomEvent records an arbitrary custom event.
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()
	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records an arbitrary custom metric.
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()
	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NoticeError records an error against a transaction.
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// NewContext attaches txn to ctx.
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// FromContext retrieves a transaction previously attached with NewContext.
func (a *Agent) FromContext(ctx context.Context) *newrelic.Transaction {
	return newrelic.FromContext(ctx)
}

// RecordResultSubmission records a RESULT submission outcome as a
// ResultSubmission custom event.
func (a *Agent) RecordResultSubmission(username string, mask uint32, valid bool) {
	status := "valid"
	if !valid {
		status = "invalid"
	}
	a.RecordCustomEvent("ResultSubmission", map[string]interface{}{
		"username": username,
		"mask":     mask,
		"status":   status,
	})
}

// RecordBlockFound records a new block height, wired from provider.OnBlock.
func (a *Agent) RecordBlockFound(height int) {
	a.RecordCustomEvent("BlockFound", map[string]interface{}{
		"height": height,
	})
}

// RecordMinerConnected records a miner login.
func (a *Agent) RecordMinerConnected(username, ip string) {
	a.RecordCustomEvent("MinerConnected", map[string]interface{}{
		"username": username,
		"ip":       ip,
	})
}

// RecordMinerDisconnected records a miner disconnection.
func (a *Agent) RecordMinerDisconnected(username string) {
	a.RecordCustomEvent("MinerDisconnected", map[string]interface{}{
		"username": username,
	})
}

// UpdatePoolMetrics reports the provider's buffered hash space and the
// server's active connection count.
func (a *Agent) UpdatePoolMetrics(bufferedHashSpace uint64, connections int) {
	a.RecordCustomMetric("Custom/Pool/BufferedHashSpace", float64(bufferedHashSpace))
	a.RecordCustomMetric("Custom/Pool/Connections", float64(connections))
}

// UpdateBackendMetrics reports the current backend-reported block height.
func (a *Agent) UpdateBackendMetrics(height int) {
	a.RecordCustomMetric("Custom/Backend/BlockHeight", float64(height))
}
