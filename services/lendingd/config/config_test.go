package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reservebank/crypto"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func adminAddress() crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = 0x42
	return crypto.NewAddress(crypto.AdminPrefix, raw)
}

func TestLoadConfigDefaults(t *testing.T) {
	admin := adminAddress()
	path := writeConfig(t, fmt.Sprintf(`
listen: " :6000 "
tls:
  allow_insecure: true
auth:
  hmac_secret: " %s "
  admins:
    - " %s "
    - " "
oracle:
  static:
    " USDC ": "1"
    SOL: "150.25"
    usdc: "2"
`, testSecret, admin))
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":6000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.Storage.Backend != "memory" {
		t.Fatalf("expected memory storage default, got %q", cfg.Storage.Backend)
	}
	if cfg.Interest.Period != time.Second {
		t.Fatalf("expected one second accrual period, got %s", cfg.Interest.Period)
	}
	if cfg.Oracle.Timeout != defaultOracleTimeout {
		t.Fatalf("expected default oracle timeout, got %s", cfg.Oracle.Timeout)
	}
	admins, err := cfg.Auth.AdminAddresses()
	if err != nil {
		t.Fatalf("admins: %v", err)
	}
	if len(admins) != 1 || !admins[0].Equal(admin) {
		t.Fatalf("unexpected admins: %v", admins)
	}
	prices := cfg.Oracle.StaticPrices()
	if prices["USDC"] == nil || prices["SOL"] == nil {
		t.Fatalf("expected trimmed static prices, got %v", prices)
	}
	if prices["usdc"] == nil || prices["usdc"].Cmp(prices["USDC"]) == 0 {
		t.Fatalf("asset keys must stay case-sensitive, got %v", prices)
	}
	if prices["SOL"].FloatString(2) != "150.25" {
		t.Fatalf("unexpected SOL price %s", prices["SOL"].FloatString(2))
	}
}

func TestLoadConfigParsesDurationsAndSections(t *testing.T) {
	path := writeConfig(t, fmt.Sprintf(`
env: staging
tls:
  cert: server.crt
  key: server.key
storage:
  backend: LevelDB
  path: /var/lib/lendingd
journal:
  driver: postgres
  dsn: postgres://lend:pw@db/journal
auth:
  hmac_secret: %s
  clock_skew: 30s
oracle:
  timeout: 500ms
  http:
    base_url: https://prices.example.com/
    max_retries: 3
interest:
  period: 1h
rate_limit:
  requests_per_minute: 120
  burst: 10
`, testSecret))
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Storage.Backend != "leveldb" || cfg.Storage.Path != "/var/lib/lendingd" {
		t.Fatalf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Oracle.Timeout != 500*time.Millisecond {
		t.Fatalf("unexpected oracle timeout %s", cfg.Oracle.Timeout)
	}
	if cfg.Oracle.HTTP.BaseURL != "https://prices.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Oracle.HTTP.BaseURL)
	}
	if cfg.Interest.Period != time.Hour {
		t.Fatalf("unexpected period %s", cfg.Interest.Period)
	}
	if cfg.Auth.ClockSkew != 30*time.Second {
		t.Fatalf("unexpected clock skew %s", cfg.Auth.ClockSkew)
	}
	if !cfg.TLS.Enabled() {
		t.Fatalf("expected tls enabled")
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	base := fmt.Sprintf(`
tls:
  allow_insecure: true
auth:
  hmac_secret: %s
oracle:
  static:
    USDC: "1"
`, testSecret)

	cases := map[string]string{
		"missing secret": `
tls:
  allow_insecure: true
oracle:
  static:
    USDC: "1"
`,
		"short secret": `
tls:
  allow_insecure: true
auth:
  hmac_secret: short
oracle:
  static:
    USDC: "1"
`,
		"tls without key":       strings.Replace(base, "allow_insecure: true", "cert: server.crt", 1),
		"tls material required": strings.Replace(base, "allow_insecure: true", "allow_insecure: false", 1),
		"no oracle":             strings.Replace(base, "  static:\n    USDC: \"1\"\n", "  timeout: 1s\n", 1),
		"non positive price":    strings.Replace(base, `USDC: "1"`, `USDC: "-2"`, 1),
		"leveldb without path":  base + "storage:\n  backend: leveldb\n",
		"unknown backend":       base + "storage:\n  backend: redis\n",
		"journal without dsn":   base + "journal:\n  driver: postgres\n",
		"bad admin":             strings.Replace(base, "hmac_secret: "+testSecret, "hmac_secret: "+testSecret+"\n  admins: [nope]", 1),
		"seed without custody":  base + "custody:\n  seed:\n    - {address: x, asset: USDC, amount: \"1\"}\n",
		"unknown field":         base + "surprise: true\n",
		"seed with leveldb":     base + "storage:\n  backend: leveldb\n  path: /tmp/x\ncustody:\n  enabled: true\n  seed:\n    - {address: x, asset: USDC, amount: \"1\"}\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, contents)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLoadConfigSeedBalances(t *testing.T) {
	raw := make([]byte, crypto.AddressLength)
	raw[5] = 9
	user := crypto.NewAddress(crypto.UserPrefix, raw)
	path := writeConfig(t, fmt.Sprintf(`
tls:
  allow_insecure: true
auth:
  hmac_secret: %s
oracle:
  static:
    USDC: "1"
custody:
  enabled: true
  seed:
    - address: %s
      asset: USDC
      amount: "1000000"
`, testSecret, user))
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	amount, err := cfg.Custody.Seed[0].Value()
	if err != nil {
		t.Fatalf("seed value: %v", err)
	}
	if amount.Int64() != 1_000_000 {
		t.Fatalf("unexpected seed amount %s", amount)
	}
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "config.example.yaml"))
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	admins, err := cfg.Auth.AdminAddresses()
	if err != nil || len(admins) != 1 {
		t.Fatalf("example admins: %v %v", admins, err)
	}
	if len(cfg.Custody.Seed) != 2 || cfg.MarketsFile == "" {
		t.Fatalf("example custody/markets not loaded: %+v", cfg.Custody)
	}
}
