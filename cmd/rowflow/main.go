package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"rowflow/internal/config"
	"rowflow/internal/logging"
	"rowflow/internal/metrics"
	"rowflow/internal/metrics/datadog"
	"rowflow/internal/metrics/prompush"
	"rowflow/internal/pipeline"
	"rowflow/internal/step"

	// every step kind and storage backend a pipeline file may name
	_ "rowflow/internal/steps/all"
)

// params collects repeated -param KEY=VALUE flags.
type params map[string]string

func (p params) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k+"="+p[k])
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (p params) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("want KEY=VALUE, got %q", s)
	}
	p[strings.TrimSpace(k)] = v
	return nil
}

// main loads a pipeline definition, optionally initializes a metrics backend
// and runs the pipeline with one goroutine per step copy.
func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("rowflow", flag.ContinueOnError)
	var (
		cfgPath        string
		metricsBackend string
		pushGatewayURL string
		statsdAddr     string
		logLevel       string
		validate       bool
		verbose        bool
		vars           = params{}
	)
	fs.StringVar(&cfgPath, "config", "pipeline.json", "pipeline definition path (.json, .yaml or .yml)")
	fs.StringVar(&metricsBackend, "metrics-backend", "", "metrics backend: pushgateway, datadog or none (overrides env METRICS_BACKEND)")
	fs.StringVar(&pushGatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	fs.StringVar(&statsdAddr, "statsd-addr", "", "DogStatsD address (overrides env DD_AGENT_ADDR)")
	fs.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	fs.BoolVar(&validate, "validate", false, "validate the definition and exit")
	fs.BoolVar(&verbose, "v", false, "verbose logs (same as -log-level debug)")
	fs.Var(vars, "param", "substitution parameter KEY=VALUE (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if verbose {
		logLevel = "debug"
	}
	logger := logging.New(os.Stderr, logLevel)

	p, err := config.Load(cfgPath)
	if err != nil {
		level.Error(logger).Log("msg", "load definition", "path", cfgPath, "err", err)
		return 1
	}
	p, err = config.Substitute(p, vars)
	if err != nil {
		level.Error(logger).Log("msg", "substitute variables", "path", cfgPath, "err", err)
		return 1
	}

	issues := config.ValidatePipeline(p, step.Kinds()...)
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		level.Error(logger).Log("msg", "definition is invalid", "path", cfgPath)
		return 1
	}
	if validate {
		level.Info(logger).Log("msg", "definition is valid", "path", cfgPath)
		return 0
	}

	if flush := setupMetrics(logger, p.Name, metricsBackend, pushGatewayURL, statsdAddr); flush != nil {
		defer flush()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	pipe, err := pipeline.New(p,
		pipeline.WithLogger(logger),
		pipeline.WithResolver(config.FileResolver{BaseDir: filepath.Dir(cfgPath)}),
	)
	if err != nil {
		level.Error(logger).Log("msg", "build pipeline", "err", err)
		return 1
	}
	sup, err := pipeline.NewSupervisor(pipe)
	if err != nil {
		level.Error(logger).Log("msg", "wire pipeline", "err", err)
		return 1
	}
	runErr := sup.Run(ctx)

	progress := pipe.Progress()
	names := make([]string, 0, len(progress))
	for n := range progress {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		c := progress[n]
		level.Debug(logger).Log("msg", "step summary", "step", n, "read", c.Read, "written", c.Written,
			"rejected", c.Rejected, "output", c.Output, "errors", c.Errors)
	}

	if runErr != nil {
		level.Error(logger).Log("msg", "pipeline failed", "err", runErr, "took", time.Since(start).Truncate(time.Millisecond))
		return 1
	}
	level.Info(logger).Log("msg", "pipeline completed", "took", time.Since(start).Truncate(time.Millisecond))
	return 0
}

// setupMetrics installs the selected backend and returns its flush func, or
// nil when metrics stay disabled. Choice order: flag, env, none.
func setupMetrics(logger log.Logger, job, backend, gwURL, statsd string) func() {
	if backend == "" {
		backend = os.Getenv("METRICS_BACKEND")
	}
	switch backend {
	case "pushgateway":
		if gwURL == "" {
			gwURL = os.Getenv("PUSHGATEWAY_URL")
		}
		if gwURL == "" {
			gwURL = "http://localhost:9091"
		}
		b, err := prompush.NewBackend(job, gwURL)
		if err != nil {
			level.Warn(logger).Log("msg", "metrics: prom push backend unavailable; using nop", "err", err)
			return nil
		}
		metrics.SetBackend(b)
		level.Info(logger).Log("msg", "metrics enabled", "backend", backend, "url", gwURL, "job", job)

	case "datadog":
		if statsd == "" {
			statsd = os.Getenv("DD_AGENT_ADDR")
		}
		if statsd == "" {
			statsd = "127.0.0.1:8125"
		}
		b, err := datadog.NewBackend(datadog.Config{Addr: statsd, Namespace: "rowflow.", GlobalTags: []string{"pipeline:" + job}})
		if err != nil {
			level.Warn(logger).Log("msg", "metrics: datadog backend unavailable; using nop", "err", err)
			return nil
		}
		metrics.SetBackend(b)
		level.Info(logger).Log("msg", "metrics enabled", "backend", backend, "addr", statsd)

	case "", "none":
		level.Debug(logger).Log("msg", "metrics disabled")
		return nil

	default:
		level.Warn(logger).Log("msg", "metrics: unknown backend; metrics disabled", "backend", backend)
		return nil
	}

	return func() {
		if err := metrics.Flush(); err != nil {
			level.Warn(logger).Log("msg", "metrics flush", "err", err)
		}
	}
}
