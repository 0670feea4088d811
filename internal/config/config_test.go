package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
app:
  timezone: Asia/Shanghai
families:
  - name: platinum
    domestic:
      - code: PT2606
      - code: PT2610
    foreign:
      - code: PLF2026
        short: "2601"
      - code: PLV2026
        short: "2610"
  - name: palladium
    unit_factor: 31.1035
    tolerance: 45m
    domestic:
      - code: PD2606
    foreign:
      - code: PAM2026
alerting:
  enabled: true
  thresholds:
    platinum:
      min: 5
      max: 25
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Scheduler.Interval != 10*time.Minute {
		t.Fatalf("expected 10m interval, got %s", cfg.Scheduler.Interval)
	}
	if cfg.Alerting.Cooldown != time.Hour {
		t.Fatalf("expected 60m cooldown, got %s", cfg.Alerting.Cooldown)
	}
	if cfg.FX.Rate != 7.04 {
		t.Fatalf("expected default fx rate 7.04, got %v", cfg.FX.Rate)
	}

	pt, ok := cfg.Family("platinum")
	if !ok {
		t.Fatal("platinum family missing")
	}
	if pt.UnitFactor != 31.1035 || pt.Tolerance != 30*time.Minute || pt.SuffixLen != 4 {
		t.Fatalf("family defaults not applied: %+v", pt)
	}
	if pt.Foreign[1].Short != "2610" {
		t.Fatalf("contract alias not decoded: %+v", pt.Foreign)
	}

	pd, _ := cfg.Family("palladium")
	if pd.Tolerance != 45*time.Minute {
		t.Fatalf("explicit tolerance overridden: %s", pd.Tolerance)
	}

	band := cfg.Alerting.Thresholds["platinum"]
	if band.Min == nil || band.Max == nil || *band.Min != 5 || *band.Max != 25 {
		t.Fatalf("threshold band not decoded: %+v", band)
	}
}

func TestLoadRejectsBadFamily(t *testing.T) {
	body := `
families:
  - name: platinum
    domestic:
      - code: PT2610
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("family without foreign contracts should fail validation")
	}
}

func TestLoadIgnoresBrokenAlerting(t *testing.T) {
	body := sampleYAML + `
  webhook:
    enabled: true
`
	if _, err := Load(writeConfig(t, body)); err != nil {
		t.Fatalf("alerting config must never block start-up: %v", err)
	}
}

func TestLoadDisablesMalformedAlerting(t *testing.T) {
	cases := map[string]string{
		"bad cooldown": `
families:
  - name: platinum
    domestic: [{code: PT2610}]
    foreign: [{code: PLV2026}]
alerting:
  enabled: true
  cooldown: soon
`,
		"non-numeric threshold": `
families:
  - name: platinum
    domestic: [{code: PT2610}]
    foreign: [{code: PLV2026}]
alerting:
  enabled: true
  thresholds:
    platinum:
      min: abc
      max: 25
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, body))
			if err != nil {
				t.Fatalf("malformed alerting must not block start-up: %v", err)
			}
			if cfg.Alerting.Enabled {
				t.Fatal("malformed alerting should leave alerts disabled")
			}
			if cfg.AlertingErr == nil {
				t.Fatal("decode failure should be reported for logging")
			}
			if _, ok := cfg.Family("platinum"); !ok {
				t.Fatal("pipeline config should still load")
			}
		})
	}
}

func TestLoadFeedsUseFallbackLayouts(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Feeds.Domestic.TimeLayout != "" || cfg.Feeds.Foreign.TimeLayout != "" {
		t.Fatalf("feeds should not pin a single layout by default: %+v", cfg.Feeds)
	}
	if cfg.AlertingErr != nil {
		t.Fatalf("valid alerting reported an error: %v", cfg.AlertingErr)
	}
}

func TestValidateFXSource(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.FX.Source = "http"
	if err := cfg.Validate(); err == nil {
		t.Fatal("http fx source without url should fail")
	}
	cfg.FX.Source = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown fx source should fail")
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	if got := cfg.ResolveMaxPoints(0); got != 10 {
		t.Fatalf("expected config default, got %d", got)
	}
	if got := cfg.ResolveMaxPoints(3); got != 3 {
		t.Fatalf("expected override, got %d", got)
	}
}
