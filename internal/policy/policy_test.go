package policy

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/cfsworks/mmpd/internal/account"
	"github.com/cfsworks/mmpd/internal/config"
)

func newTestAccounts(t *testing.T) *account.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return account.NewStoreFromClient(client, "test")
}

func testConfig() config.PolicyConfig {
	return config.PolicyConfig{
		Enabled:          true,
		BanningEnabled:   true,
		RateLimitEnabled: true,
		ConnectionLimit:  3,
		ConnectionGrace:  0,
		BanThreshold:     2,
		BanTimeout:       time.Hour,
		ResetInterval:    time.Hour,
		RefreshInterval:  time.Hour,
	}
}

func TestApplyConnectionLimit(t *testing.T) {
	s := New(testConfig(), nil)

	for i := 0; i < 3; i++ {
		if !s.ApplyConnectionLimit("1.2.3.4") {
			t.Fatalf("connection %d should be allowed", i)
		}
	}
	if s.ApplyConnectionLimit("1.2.3.4") {
		t.Error("4th connection should exceed the limit")
	}
}

func TestApplyMalformedPolicyBans(t *testing.T) {
	s := New(testConfig(), nil)

	s.ApplyMalformedPolicy("5.6.7.8")
	if s.IsBanned("5.6.7.8") {
		t.Fatal("should not be banned before reaching the threshold")
	}
	s.ApplyMalformedPolicy("5.6.7.8")
	if !s.IsBanned("5.6.7.8") {
		t.Error("should be banned after reaching the malformed threshold")
	}
}

func TestApplyResultPolicyBansOnHighInvalidRatio(t *testing.T) {
	s := New(testConfig(), nil)

	for i := 0; i < checkThreshold; i++ {
		s.ApplyResultPolicy("9.9.9.9", false)
	}
	if !s.IsBanned("9.9.9.9") {
		t.Error("should be banned after an all-invalid run past the check threshold")
	}
}

func TestWhitelistedIPNeverBanned(t *testing.T) {
	s := New(testConfig(), nil)
	s.whitelist["10.0.0.1"] = struct{}{}

	s.Ban("10.0.0.1")
	if s.IsBanned("10.0.0.1") {
		t.Error("whitelisted IP must not be banned")
	}
}

func TestRefreshListsLoadsFromAccountStore(t *testing.T) {
	accounts := newTestAccounts(t)
	ctx := context.Background()
	accounts.AddToBlacklist(ctx, "11.11.11.11")

	s := New(testConfig(), accounts)
	s.refreshLists()

	s.listMu.RLock()
	_, ok := s.blacklist["11.11.11.11"]
	s.listMu.RUnlock()
	if !ok {
		t.Error("expected blacklist to be loaded from the account store")
	}
}

func TestBanPersistsToAccountStore(t *testing.T) {
	accounts := newTestAccounts(t)
	s := New(testConfig(), accounts)

	s.Ban("12.12.12.12")

	list, err := accounts.GetBlacklist(context.Background())
	if err != nil {
		t.Fatalf("GetBlacklist() error = %v", err)
	}
	found := false
	for _, ip := range list {
		if ip == "12.12.12.12" {
			found = true
		}
	}
	if !found {
		t.Error("Ban() should persist the IP to the account store blacklist")
	}
}
