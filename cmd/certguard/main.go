// Certguard runs one URL through the progressive enrichment pipeline: a quick triage
// verdict is printed at once, then the enriched record (or a locally generated fallback)
// once the server has one. Both are written to stdout as JSON.
//
// Usage:
//
//	certguard [flags] <url> [page context...]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/log"
	v "github.com/linnemanlabs/go-core/version"
	"golang.org/x/time/rate"

	vc "github.com/linnemanlabs/certguard/internal/cfg"
	"github.com/linnemanlabs/certguard/internal/enrichclient"
	"github.com/linnemanlabs/certguard/internal/enrichment"
	"github.com/linnemanlabs/certguard/internal/pipeline"
	"github.com/linnemanlabs/certguard/internal/triage"
)

const appName = "certguard"
const component = "cli"

var errUsage = errors.New("usage: certguard [flags] <url> [page context...]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "fatal error:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		clientCfg vc.ClientConfig
		logCfg    log.Config
	)
	clientCfg.RegisterFlags(fs)
	logCfg.RegisterFlags(fs)
	var showVersion bool
	fs.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if showVersion {
		vi := v.Get()
		fmt.Fprintf(stdout, "%s (%s) %s (commit=%s, go=%s)\n", appName, component, vi.Version, vi.Commit, vi.GoVersion)
		return nil
	}

	// env vars fill flags not given on the command line
	cfg.FillFromEnv(fs, "CERTGUARD_", func(format string, args ...any) {
		fmt.Fprintf(stderr, format+"\n", args...)
	})

	if err := errors.Join(clientCfg.Validate(), logCfg.Validate()); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if fs.NArg() < 1 {
		return errUsage
	}
	rawURL := fs.Arg(0)
	pageContext := strings.Join(fs.Args()[1:], " ")

	lg, err := log.New(logCfg.ToOptions(appName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	submitterID := clientCfg.SubmitterID
	if submitterID == "" {
		submitterID = uuid.NewString()
	}
	L := lg.With("component", component, "submitter_id", submitterID)
	ctx = log.WithContext(ctx, L)

	client := enrichclient.New(clientCfg.ServerURL, clientCfg.APIToken)

	var analyzer triage.Analyzer = triage.NewHeuristic()
	if clientCfg.RemoteAnalyze {
		analyzer = client
	}

	dispatchOpts := []pipeline.DispatcherOption{
		pipeline.WithSubmitTimeout(time.Duration(clientCfg.SubmitTimeoutSeconds) * time.Second),
	}
	if n := clientCfg.SubmitRatePerMinute; n > 0 {
		dispatchOpts = append(dispatchOpts, pipeline.WithLimiter(rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)))
	}
	dispatcher := pipeline.NewDispatcher(client, L, dispatchOpts...)

	poller := pipeline.NewPoller(client, enrichment.NewGenerator(L), pipeline.PollerConfig{
		MaxAttempts: clientCfg.MaxPollAttempts,
		Interval:    clientCfg.PollInterval(),
		CallTimeout: clientCfg.PollCallTimeout(),
	}, L, pipeline.WithPollerHooks(pipeline.PollerHooks{
		OnOutcome: func(state pipeline.State, attempts int, elapsed time.Duration) {
			L.Info(ctx, "poll finished", "state", state, "attempts", attempts, "elapsed", elapsed.String())
		},
	}))

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	session := pipeline.NewSession(analyzer, dispatcher, poller, submitterID, L,
		pipeline.WithSafetyTimeout(clientCfg.SafetyTimeout()),
		pipeline.WithQuickHandler(func(o pipeline.Outcome) {
			if err := enc.Encode(o); err != nil {
				L.Warn(ctx, "write quick outcome failed", "err", err)
			}
		}),
	)
	defer session.Cancel()

	report, err := session.Run(ctx, rawURL, pageContext)
	dispatcher.Wait()
	if err != nil {
		return err
	}
	if report.Final == nil {
		return nil
	}
	return enc.Encode(report.Final)
}
