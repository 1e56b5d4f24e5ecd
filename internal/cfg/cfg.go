package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"
)

// Config is the enrichment server's configuration. It implements the common
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	ClaudeAPIKey          string
	ClaudeModel           string
	DatabaseURL           string
	SlackWebhookURL       string
	APIToken              string

	RetentionWindowSeconds         int
	MaxRecordsPerIdentity          int
	CorrelationConfidenceThreshold int
	ScoringWeightsFile             string
	VirtualIDPrefix                string

	KEVFeed                string
	NVDFeed                string
	AdvisoryFeed           string
	CorpusFile             string
	FeedRefreshMinutes     int
	JanitorIntervalSeconds int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude LLM provider (empty = heuristic analyzer)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for high-severity matches")
	fs.StringVar(&c.APIToken, "api-token", "", "comma-separated bearer tokens accepted on write routes (empty = open)")

	fs.IntVar(&c.RetentionWindowSeconds, "retention-window-seconds", 3600, "seconds an identity's records live after its last write")
	fs.IntVar(&c.MaxRecordsPerIdentity, "max-records-per-identity", 10, "records kept per submitter identity")
	fs.IntVar(&c.CorrelationConfidenceThreshold, "correlation-confidence-threshold", 4, "minimum score for a real correlation")
	fs.StringVar(&c.ScoringWeightsFile, "scoring-weights-file", "", "YAML file overriding correlation weights")
	fs.StringVar(&c.VirtualIDPrefix, "virtual-id-prefix", "CVE", "prefix for virtual and fallback identifiers")

	fs.StringVar(&c.KEVFeed, "kev-feed", "", "KEV catalog URL or path")
	fs.StringVar(&c.NVDFeed, "nvd-feed", "", "comma-separated NVD JSON feed URLs or paths")
	fs.StringVar(&c.AdvisoryFeed, "advisory-feed", "", "comma-separated advisory feed URLs or paths")
	fs.StringVar(&c.CorpusFile, "corpus-file", "", "comma-separated free-text corpus URLs or paths")
	fs.IntVar(&c.FeedRefreshMinutes, "feed-refresh-minutes", 60, "minutes between candidate pool refreshes (0 = load once)")
	fs.IntVar(&c.JanitorIntervalSeconds, "janitor-interval-seconds", 60, "seconds between expired-entry sweeps")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// A key without a model cannot reach the provider
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	if c.RetentionWindowSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid RETENTION_WINDOW_SECONDS %d (must be > 0)", c.RetentionWindowSeconds))
	}
	if c.MaxRecordsPerIdentity <= 0 || c.MaxRecordsPerIdentity > 1000 {
		errs = append(errs, fmt.Errorf("invalid MAX_RECORDS_PER_IDENTITY %d (must be 1..1000)", c.MaxRecordsPerIdentity))
	}
	if c.CorrelationConfidenceThreshold <= 0 {
		errs = append(errs, fmt.Errorf("invalid CORRELATION_CONFIDENCE_THRESHOLD %d (must be > 0)", c.CorrelationConfidenceThreshold))
	}
	if strings.TrimSpace(c.VirtualIDPrefix) == "" {
		errs = append(errs, errors.New("VIRTUAL_ID_PREFIX is required"))
	}
	if c.FeedRefreshMinutes < 0 {
		errs = append(errs, fmt.Errorf("invalid FEED_REFRESH_MINUTES %d (must be >= 0)", c.FeedRefreshMinutes))
	}
	if c.JanitorIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid JANITOR_INTERVAL_SECONDS %d (must be > 0)", c.JanitorIntervalSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Retention is the retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionWindowSeconds) * time.Second
}

// ClientConfig is the certguard CLI's configuration.
type ClientConfig struct {
	ServerURL              string
	APIToken               string
	SubmitterID            string
	RemoteAnalyze          bool
	MaxPollAttempts        int
	PollIntervalSeconds    float64
	PollCallTimeoutSeconds float64
	SafetyTimeoutSeconds   int
	SubmitRatePerMinute    int
	SubmitTimeoutSeconds   int
}

// RegisterFlags binds ClientConfig fields to the given FlagSet with defaults inline
func (c *ClientConfig) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ServerURL, "server-url", "http://localhost:8080", "enrichment server base URL")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token for the enrichment server")
	fs.StringVar(&c.SubmitterID, "submitter-id", "", "submitter identity (empty = random per run)")
	fs.BoolVar(&c.RemoteAnalyze, "remote-analyze", false, "triage on the server instead of the local heuristic")
	fs.IntVar(&c.MaxPollAttempts, "max-poll-attempts", 10, "poll attempts before the fallback record is emitted")
	fs.Float64Var(&c.PollIntervalSeconds, "poll-interval-seconds", 3, "seconds between poll attempts")
	fs.Float64Var(&c.PollCallTimeoutSeconds, "poll-call-timeout-seconds", 2, "per-attempt request timeout (must be below the interval)")
	fs.IntVar(&c.SafetyTimeoutSeconds, "safety-timeout-seconds", 60, "ceiling on one session (1..600)")
	fs.IntVar(&c.SubmitRatePerMinute, "submit-rate-per-minute", 30, "maximum enrichment submissions per minute (0 = unlimited)")
	fs.IntVar(&c.SubmitTimeoutSeconds, "submit-timeout-seconds", 10, "timeout for one background submission")
}

// Validate checks all client configuration fields for correctness.
func (c *ClientConfig) Validate() error {
	var errs []error

	if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		errs = append(errs, fmt.Errorf("invalid SERVER_URL %q (must be http or https)", c.ServerURL))
	}
	if c.MaxPollAttempts <= 0 || c.MaxPollAttempts > 100 {
		errs = append(errs, fmt.Errorf("invalid MAX_POLL_ATTEMPTS %d (must be 1..100)", c.MaxPollAttempts))
	}
	if c.PollIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid POLL_INTERVAL_SECONDS %g (must be > 0)", c.PollIntervalSeconds))
	}
	if c.PollCallTimeoutSeconds <= 0 || c.PollCallTimeoutSeconds >= c.PollIntervalSeconds {
		errs = append(errs, fmt.Errorf("POLL_CALL_TIMEOUT_SECONDS %g must be > 0 and below POLL_INTERVAL_SECONDS %g", c.PollCallTimeoutSeconds, c.PollIntervalSeconds))
	}
	if c.SafetyTimeoutSeconds <= 0 || c.SafetyTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid SAFETY_TIMEOUT_SECONDS %d (must be 1..600)", c.SafetyTimeoutSeconds))
	}
	if c.SubmitRatePerMinute < 0 {
		errs = append(errs, fmt.Errorf("invalid SUBMIT_RATE_PER_MINUTE %d (must be >= 0)", c.SubmitRatePerMinute))
	}
	if c.SubmitTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid SUBMIT_TIMEOUT_SECONDS %d (must be > 0)", c.SubmitTimeoutSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// PollInterval is the inter-attempt delay.
func (c *ClientConfig) PollInterval() time.Duration {
	return seconds(c.PollIntervalSeconds)
}

// PollCallTimeout is the per-attempt request timeout.
func (c *ClientConfig) PollCallTimeout() time.Duration {
	return seconds(c.PollCallTimeoutSeconds)
}

// SafetyTimeout is the session ceiling.
func (c *ClientConfig) SafetyTimeout() time.Duration {
	return time.Duration(c.SafetyTimeoutSeconds) * time.Second
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
