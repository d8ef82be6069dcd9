package newrelic

import (
	"testing"

	"github.com/cfsworks/mmpd/internal/config"
)

func TestNewAgent(t *testing.T) {
	cfg := config.NewRelicConfig{Enabled: true, AppName: "Test Pool", LicenseKey: "test_key"}
	agent := NewAgent(cfg)

	if agent == nil {
		t.Fatal("NewAgent returned nil")
	}
	if agent.app != nil {
		t.Error("Agent.app should be nil before Start()")
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	agent := NewAgent(config.NewRelicConfig{Enabled: false})
	if err := agent.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if agent.IsEnabled() {
		t.Error("disabled agent should not report enabled")
	}
}

func TestStartMissingLicenseKeyIsNoop(t *testing.T) {
	agent := NewAgent(config.NewRelicConfig{Enabled: true, AppName: "mmpd"})
	if err := agent.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if agent.IsEnabled() {
		t.Error("agent without a license key should not report enabled")
	}
}

func TestRecordCustomEventNoopWithoutApp(t *testing.T) {
	agent := NewAgent(config.NewRelicConfig{Enabled: false})
	// Must not panic when no application is connected.
	agent.RecordCustomEvent("Test", map[string]interface{}{"a": 1})
	agent.RecordCustomMetric("Test/Metric", 1.0)
	agent.RecordBlockFound(10)
	agent.RecordMinerConnected("miner1", "127.0.0.1")
	agent.RecordMinerDisconnected("miner1")
	agent.RecordResultSubmission("miner1", 32, true)
	agent.UpdatePoolMetrics(1<<32, 3)
	agent.UpdateBackendMetrics(100)

	if txn := agent.StartTransaction("test"); txn != nil {
		t.Error("StartTransaction should return nil without a connected app")
	}
}
