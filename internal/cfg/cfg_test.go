package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:                   60,
		ShutdownBudgetSeconds:          90,
		APIPort:                        8080,
		ClaudeModel:                    "claude-sonnet-4-20250514",
		RetentionWindowSeconds:         3600,
		MaxRecordsPerIdentity:          10,
		CorrelationConfidenceThreshold: 4,
		VirtualIDPrefix:                "CVE",
		FeedRefreshMinutes:             60,
		JanitorIntervalSeconds:         60,
	}
}

func validClient() ClientConfig {
	return ClientConfig{
		ServerURL:              "http://localhost:8080",
		MaxPollAttempts:        10,
		PollIntervalSeconds:    3,
		PollCallTimeoutSeconds: 2,
		SafetyTimeoutSeconds:   60,
		SubmitRatePerMinute:    30,
		SubmitTimeoutSeconds:   10,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	want := validBase()
	if c != want {
		t.Errorf("defaults = %+v, want %+v", c, want)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
	if c.Retention() != time.Hour {
		t.Errorf("Retention() = %v, want 1h", c.Retention())
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-claude-api-key", "sk-override",
		"-claude-model", "claude-opus-4-20250514",
		"-retention-window-seconds", "600",
		"-max-records-per-identity", "25",
		"-virtual-id-prefix", "ADV",
		"-nvd-feed", "a.json,b.json",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.ClaudeAPIKey != "sk-override" {
		t.Errorf("ClaudeAPIKey = %q, want %q", c.ClaudeAPIKey, "sk-override")
	}
	if c.ClaudeModel != "claude-opus-4-20250514" {
		t.Errorf("ClaudeModel = %q, want %q", c.ClaudeModel, "claude-opus-4-20250514")
	}
	if c.Retention() != 10*time.Minute || c.MaxRecordsPerIdentity != 25 {
		t.Errorf("retention = %v, max = %d", c.Retention(), c.MaxRecordsPerIdentity)
	}
	if c.VirtualIDPrefix != "ADV" || c.NVDFeed != "a.json,b.json" {
		t.Errorf("prefix = %q, nvd = %q", c.VirtualIDPrefix, c.NVDFeed)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	with := func(mut func(*Config)) Config {
		c := validBase()
		mut(&c)
		return c
	}

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name:    "heuristic mode without key",
			cfg:     with(func(c *Config) { c.ClaudeAPIKey = ""; c.ClaudeModel = "" }),
			wantErr: false,
		},
		{
			name:      "key without model",
			cfg:       with(func(c *Config) { c.ClaudeAPIKey = "k"; c.ClaudeModel = "" }),
			wantErr:   true,
			errSubstr: []string{"CLAUDE_MODEL"},
		},
		{
			name:    "minimum valid values",
			cfg:     with(func(c *Config) { c.DrainSeconds = 1; c.ShutdownBudgetSeconds = 2; c.APIPort = 1 }),
			wantErr: false,
		},
		{
			name:    "maximum valid values",
			cfg:     with(func(c *Config) { c.DrainSeconds = 299; c.ShutdownBudgetSeconds = 300; c.APIPort = 65535 }),
			wantErr: false,
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds = 301; c.ShutdownBudgetSeconds = 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:    "drain at upper bound",
			cfg:     with(func(c *Config) { c.DrainSeconds = 300; c.ShutdownBudgetSeconds = 300 }),
			wantErr: true, // budget must be greater than drain
		},
		// ShutdownBudgetSeconds boundaries
		{
			name:      "budget negative",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = -1 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		// APIPort boundaries
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Store and correlation
		{
			name:      "zero retention",
			cfg:       with(func(c *Config) { c.RetentionWindowSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"RETENTION_WINDOW_SECONDS"},
		},
		{
			name:      "zero records per identity",
			cfg:       with(func(c *Config) { c.MaxRecordsPerIdentity = 0 }),
			wantErr:   true,
			errSubstr: []string{"MAX_RECORDS_PER_IDENTITY"},
		},
		{
			name:      "zero threshold",
			cfg:       with(func(c *Config) { c.CorrelationConfidenceThreshold = 0 }),
			wantErr:   true,
			errSubstr: []string{"CORRELATION_CONFIDENCE_THRESHOLD"},
		},
		{
			name:      "blank prefix",
			cfg:       with(func(c *Config) { c.VirtualIDPrefix = "  " }),
			wantErr:   true,
			errSubstr: []string{"VIRTUAL_ID_PREFIX"},
		},
		{
			name:    "refresh disabled",
			cfg:     with(func(c *Config) { c.FeedRefreshMinutes = 0 }),
			wantErr: false,
		},
		{
			name:      "negative refresh",
			cfg:       with(func(c *Config) { c.FeedRefreshMinutes = -5 }),
			wantErr:   true,
			errSubstr: []string{"FEED_REFRESH_MINUTES"},
		},
		// Error accumulation: all fields invalid
		{
			name:      "all fields invalid",
			cfg:       Config{ClaudeAPIKey: "k"},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "CLAUDE_MODEL", "RETENTION_WINDOW_SECONDS", "MAX_RECORDS_PER_IDENTITY", "VIRTUAL_ID_PREFIX", "JANITOR_INTERVAL_SECONDS"},
		},
		// Extreme values
		{
			name: "extreme negative values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32
			}),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func TestClientConfig_Defaults(t *testing.T) {
	t.Parallel()

	var c ClientConfig
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c != validClient() {
		t.Errorf("defaults = %+v, want %+v", c, validClient())
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
	if c.PollInterval() != 3*time.Second || c.PollCallTimeout() != 2*time.Second || c.SafetyTimeout() != time.Minute {
		t.Errorf("durations = %v %v %v", c.PollInterval(), c.PollCallTimeout(), c.SafetyTimeout())
	}
}

func TestClientConfig_Validate(t *testing.T) {
	t.Parallel()

	with := func(mut func(*ClientConfig)) ClientConfig {
		c := validClient()
		mut(&c)
		return c
	}

	tests := []struct {
		name    string
		cfg     ClientConfig
		wantSub string
	}{
		{"valid", validClient(), ""},
		{"fractional interval", with(func(c *ClientConfig) { c.PollIntervalSeconds = 0.5; c.PollCallTimeoutSeconds = 0.25 }), ""},
		{"no scheme", with(func(c *ClientConfig) { c.ServerURL = "localhost:8080" }), "SERVER_URL"},
		{"zero attempts", with(func(c *ClientConfig) { c.MaxPollAttempts = 0 }), "MAX_POLL_ATTEMPTS"},
		{"zero interval", with(func(c *ClientConfig) { c.PollIntervalSeconds = 0 }), "POLL_INTERVAL_SECONDS"},
		{"call timeout equals interval", with(func(c *ClientConfig) { c.PollCallTimeoutSeconds = 3 }), "POLL_CALL_TIMEOUT_SECONDS"},
		{"safety above ceiling", with(func(c *ClientConfig) { c.SafetyTimeoutSeconds = 601 }), "SAFETY_TIMEOUT_SECONDS"},
		{"negative rate", with(func(c *ClientConfig) { c.SubmitRatePerMinute = -1 }), "SUBMIT_RATE_PER_MINUTE"},
		{"zero submit timeout", with(func(c *ClientConfig) { c.SubmitTimeoutSeconds = 0 }), "SUBMIT_TIMEOUT_SECONDS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantSub == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantSub)
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port, retention, maxRecords int
		prefix                                     string
	}{
		{60, 90, 8080, 3600, 10, "CVE"},
		{1, 2, 1, 1, 1, "X"},
		{299, 300, 65535, 86400, 1000, "ADV"},
		{0, 0, 0, 0, 0, ""},
		{-1, -1, -1, -1, -1, " "},
		{300, 300, 65535, 1, 1001, "CVE"},
		{150, 100, 8080, 3600, 10, "CVE"},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, "CVE"},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.retention, s.maxRecords, s.prefix)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, retention, maxRecords int, prefix string) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.RetentionWindowSeconds = retention
		c.MaxRecordsPerIdentity = maxRecords
		c.VirtualIDPrefix = prefix
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		retentionOK := retention > 0
		maxOK := maxRecords >= 1 && maxRecords <= 1000
		prefixOK := strings.TrimSpace(prefix) != ""

		allValid := drainOK && budgetOK && portOK && crossOK && retentionOK && maxOK && prefixOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
