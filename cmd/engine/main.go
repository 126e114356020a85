// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The engine binary runs the dbpulse optimization engine: the discovery
// loop, the gateway pool, the optimization pipeline and a metrics/health
// endpoint. Transports bind to the engine's capability services.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbpulse/dbpulse/pkg/apply"
	"github.com/dbpulse/dbpulse/pkg/config"
	"github.com/dbpulse/dbpulse/pkg/detect"
	"github.com/dbpulse/dbpulse/pkg/discovery"
	"github.com/dbpulse/dbpulse/pkg/engine"
	"github.com/dbpulse/dbpulse/pkg/feedback"
	"github.com/dbpulse/dbpulse/pkg/gateway"
	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/optimize"
	"github.com/dbpulse/dbpulse/pkg/secrets"
	"github.com/dbpulse/dbpulse/pkg/store"
)

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	a := kingpin.New("engine", "The dbpulse SQL optimization engine")
	a.HelpFlag.Short('h')

	var (
		configFile = a.Flag("config.file", "Engine configuration file (YAML).").
				Default("").String()
		listenAddress = a.Flag("web.listen-address", "Address for metrics and health endpoints.").
				Default(":9090").String()
		completionURL = a.Flag("completion.url", "Completion service endpoint.").
				Default("").String()
		completionToken = a.Flag("completion.token", "Bearer token for the completion service.").
				Default("").String()
	)

	// Flags override file values; the overlay starts zeroed so only flags
	// the user set are merged over the loaded configuration.
	var overlay config.Config
	overlay.SetupFlags(a)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "parsing command line", "err", err)
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		_ = level.Error(logger).Log("msg", "loading configuration", "err", err)
		os.Exit(1)
	}
	mergeOverlay(&cfg, &overlay)
	if err := cfg.Validate(); err != nil {
		_ = level.Error(logger).Log("msg", "validating configuration", "err", err)
		os.Exit(1)
	}
	if cfg.Store.DSN == "" {
		_ = level.Error(logger).Log("msg", "store.dsn is required")
		os.Exit(1)
	}
	if cfg.Store.SecretKey == "" {
		_ = level.Error(logger).Log("msg", "store.secret_key is required")
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx := context.Background()

	sec, err := secrets.New(cfg.Store.SecretKey)
	if err != nil {
		_ = level.Error(logger).Log("msg", "initializing secret store", "err", err)
		os.Exit(1)
	}

	st, err := store.Open(ctx, log.With(logger, "component", "store"), store.Options{
		DSN:          cfg.Store.DSN,
		MaxOpenConns: 16,
	})
	if err != nil {
		_ = level.Error(logger).Log("msg", "opening observability store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	pool, err := gateway.NewPool(gateway.PoolOpts{
		Logger: log.With(logger, "component", "gateway"),
		Creds: func(conn model.Connection) (model.DecryptedCredentials, error) {
			password, err := sec.Decrypt(conn.EncryptedPassword)
			if err != nil {
				return model.DecryptedCredentials{}, err
			}
			return model.DecryptedCredentials{
				Engine: conn.Engine, Host: conn.Host, Port: conn.Port,
				Database: conn.Database, Username: conn.Username, Password: password,
			}, nil
		},
	})
	if err != nil {
		_ = level.Error(logger).Log("msg", "initializing gateway pool", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	var completion optimize.CompletionService
	if *completionURL != "" {
		completion, err = optimize.NewHTTPCompletion(optimize.HTTPCompletionOpts{
			URL:   *completionURL,
			Token: *completionToken,
		})
		if err != nil {
			_ = level.Error(logger).Log("msg", "initializing completion client", "err", err)
			os.Exit(1)
		}
	}

	discoverer := discovery.New(discovery.Opts{
		Logger:  log.With(logger, "component", "discovery"),
		Store:   st,
		Targets: pool,
		Config:  cfg.Discovery,
		Metrics: discovery.NewMetrics(reg),
	})

	detectorCfg := detect.DefaultConfig()
	detectorCfg.LargeTableRows = float64(cfg.Detector.LargeTableThreshold("default"))
	detectorCfg.StaleStatsRatio = cfg.Detector.StaleStatsRatio

	optimizer := optimize.New(optimize.Opts{
		Logger:     log.With(logger, "component", "optimizer"),
		Store:      st,
		Targets:    pool,
		Completion: completion,
		Config:     cfg.Optimizer,
		Detector:   detectorCfg,
	})

	applicator := apply.New(apply.Opts{
		Logger:  log.With(logger, "component", "applicator"),
		Store:   st,
		Targets: pool,
		Config:  cfg.Applicator,
	})

	recorder, err := feedback.New(feedback.Opts{
		Logger: log.With(logger, "component", "feedback"),
		Store:  st,
		Engine: func(ctx context.Context, connectionID int64) (model.Engine, error) {
			conn, err := st.GetConnection(ctx, connectionID)
			if err != nil {
				return "", err
			}
			return conn.Engine, nil
		},
		SuccessThresholdPct: cfg.Optimizer.MinImprovementPct,
	})
	if err != nil {
		_ = level.Error(logger).Log("msg", "initializing feedback recorder", "err", err)
		os.Exit(1)
	}
	if err := recorder.SeedCommonPatterns(ctx); err != nil {
		_ = level.Error(logger).Log("msg", "seeding pattern library", "err", err)
		os.Exit(1)
	}

	eng := engine.New(engine.Opts{
		Logger:     logger,
		Store:      st,
		Targets:    pool,
		Secrets:    sec,
		Discoverer: discoverer,
		Optimizer:  optimizer,
		Applicator: applicator,
		ValidatorOpts: apply.ValidatorOpts{
			Logger:            log.With(logger, "component", "validator"),
			Store:             st,
			Targets:           pool,
			Config:            cfg.Validator,
			MinImprovementPct: cfg.Optimizer.MinImprovementPct,
			MaxRegressionPct:  cfg.Optimizer.MaxRegressionPct,
			Revert: func(ctx context.Context, conn model.Connection) error {
				_, err := applicator.AutoRevert(ctx, conn)
				return err
			},
		},
		Recorder: recorder,
		Config:   cfg,
	})
	var g run.Group
	{
		// Termination handler.
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		// Discovery loop.
		ctxRun, cancelRun := context.WithCancel(ctx)
		g.Add(func() error {
			return discoverer.Run(ctxRun)
		}, func(error) {
			cancelRun()
		})
	}
	{
		// Web server: the JSON API plus metrics and health.
		mux := http.NewServeMux()
		mux.Handle("/api/v1/", eng.Handler())
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "engine is Ready.\n")
		})
		server := &http.Server{Addr: *listenAddress, Handler: mux}
		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "starting web server", "listen", *listenAddress)
			return server.ListenAndServe()
		}, func(error) {
			ctxServer, cancelServer := context.WithTimeout(ctx, time.Minute)
			if err := server.Shutdown(ctxServer); err != nil {
				_ = level.Error(logger).Log("msg", "server failed to shut down gracefully", "err", err)
			}
			cancelServer()
		})
	}

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "engine exited with error", "err", err)
		os.Exit(1)
	}
	_ = level.Info(logger).Log("msg", "engine exited")
}

// mergeOverlay copies flag-set values over the loaded configuration.
// Only fields with non-zero overlay values are applied.
func mergeOverlay(cfg, overlay *config.Config) {
	if overlay.Discovery.IntervalSeconds > 0 {
		cfg.Discovery.IntervalSeconds = overlay.Discovery.IntervalSeconds
	}
	if overlay.Discovery.MaxQueriesPerPoll > 0 {
		cfg.Discovery.MaxQueriesPerPoll = overlay.Discovery.MaxQueriesPerPoll
	}
	if overlay.Optimizer.CompletionSoftTimeoutSec > 0 {
		cfg.Optimizer.CompletionSoftTimeoutSec = overlay.Optimizer.CompletionSoftTimeoutSec
	}
	if overlay.Optimizer.CompletionHardTimeoutSec > 0 {
		cfg.Optimizer.CompletionHardTimeoutSec = overlay.Optimizer.CompletionHardTimeoutSec
	}
	if overlay.Validator.Iterations > 0 {
		cfg.Validator.Iterations = overlay.Validator.Iterations
	}
	if overlay.Store.DSN != "" {
		cfg.Store.DSN = overlay.Store.DSN
	}
	if overlay.Store.SecretKey != "" {
		cfg.Store.SecretKey = overlay.Store.SecretKey
	}
}
