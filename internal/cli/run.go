package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/charlesren/netpriv/aggregator"
	"github.com/charlesren/netpriv/connection"
	"github.com/charlesren/netpriv/internal/config"
	"github.com/charlesren/netpriv/internal/logger"
	"github.com/charlesren/netpriv/manager"
	"github.com/charlesren/netpriv/syncer"
)

type responseView struct {
	Input   string `yaml:"input"`
	Result  string `yaml:"result"`
	Failed  bool   `yaml:"failed,omitempty"`
	Marker  string `yaml:"failed-marker,omitempty"`
	Elapsed string `yaml:"elapsed"`
}

type resultView struct {
	Host      string         `yaml:"host"`
	Platform  string         `yaml:"platform"`
	SessionID string         `yaml:"session-id,omitempty"`
	Attempts  int            `yaml:"attempts"`
	Duration  string         `yaml:"duration"`
	Error     string         `yaml:"error,omitempty"`
	Responses []responseView `yaml:"responses,omitempty"`
}

func newResultView(r manager.Result) resultView {
	v := resultView{
		Host:      r.Host,
		Platform:  r.Platform,
		SessionID: r.SessionID,
		Attempts:  r.Attempts,
		Duration:  r.Duration.Round(time.Millisecond).String(),
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	if r.Response != nil {
		for _, resp := range r.Response.Responses {
			v.Responses = append(v.Responses, responseView{
				Input:   resp.Input,
				Result:  resp.Result,
				Failed:  resp.Failed,
				Marker:  resp.FailedMarker,
				Elapsed: resp.ElapsedTime.Round(time.Millisecond).String(),
			})
		}
	}
	return v
}

func writeResults(out io.Writer, format string, results []manager.Result) error {
	switch format {
	case "yaml":
		views := make([]resultView, 0, len(results))
		for _, r := range results {
			views = append(views, newResultView(r))
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(views)
	case "", "text":
		for _, r := range results {
			status := "ok"
			if r.Err != nil {
				status = "FAILED: " + r.Err.Error()
			}
			fmt.Fprintf(out, "== %s (%s) %s\n", r.Host, r.Platform, status)
			if r.Response == nil {
				continue
			}
			for _, resp := range r.Response.Responses {
				fmt.Fprintf(out, "-- %s\n%s\n", resp.Input, resp.Result)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func failures(results []manager.Result) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Infof(moduleName, "metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf(moduleName, "metrics server: %v", err)
		}
	}()
}

// newAggregator 日志和指标总是开启，配置了 results.file 时追加 JSON 行输出
func newAggregator(cfg config.ResultsConfig, reg prometheus.Registerer) (*aggregator.Aggregator, func()) {
	agg := aggregator.NewAggregator(1, cfg.BufferSize, cfg.FlushInterval)
	agg.AddHandler(&aggregator.LogHandler{})
	agg.AddHandler(aggregator.NewMetricsHandler(reg))
	closeFile := func() {}
	if cfg.File != "" {
		h := aggregator.NewJSONLinesHandler(cfg.File, cfg.MaxSize, cfg.MaxBackups)
		agg.AddHandler(h)
		closeFile = func() {
			if err := h.Close(); err != nil {
				logger.Warnf(moduleName, "close results file: %v", err)
			}
		}
	}
	agg.Start()
	return agg, func() {
		agg.Stop()
		closeFile()
	}
}

func NewRunCommand() *cobra.Command {
	var (
		metricsAddr string
		interval    time.Duration
		output      string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open a session to every configured device and run its commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt := getRuntime(cmd)
			if rt.cfg == nil {
				return errors.New("no configuration loaded")
			}
			cfg := rt.cfg
			devices := cfg.ManagedDevices()
			if len(devices) == 0 {
				return errors.New("no devices configured")
			}
			reg, err := cfg.Registry()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			promReg := prometheus.NewRegistry()
			promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics := connection.NewPrometheusMetrics(promReg)
			if metricsAddr != "" {
				serveMetrics(ctx, metricsAddr, promReg)
			}

			agg, stopAgg := newAggregator(cfg.Results, promReg)
			defer stopAgg()

			opts := append(cfg.ManagerOptions(), manager.WithMetrics(metrics))
			mgr := manager.NewManager(reg, opts...)
			job := manager.CommandsJob(cfg.Manager.StopOnFailed)
			out := cmd.OutOrStdout()
			report := func(results []manager.Result) {
				if err := writeResults(out, output, results); err != nil {
					logger.Errorf(moduleName, "write results: %v", err)
				}
				_ = agg.SubmitResults(results)
			}

			if interval <= 0 {
				interval = cfg.Manager.Interval
			}
			if interval > 0 {
				q := manager.NewIntervalQueue(interval, devices...)
				if cfg.Manager.ReloadInterval > 0 && rt.configPath != "" {
					cs := syncer.NewConfigSyncer(syncer.FileSource{Path: rt.configPath}, cfg.Manager.ReloadInterval)
					go syncer.Follow(cs, q)
					go cs.Start()
					defer cs.Stop()
				}
				logger.Infof(moduleName, "watching %d devices every %s", len(devices), interval)
				err := mgr.Watch(ctx, q, job, report)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}

			results := mgr.Run(ctx, devices, job)
			if err := writeResults(out, output, results); err != nil {
				return err
			}
			_ = agg.SubmitResults(results)
			if n := failures(results); n > 0 {
				return fmt.Errorf("%d of %d devices failed", n, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9108")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Repeat the run at this interval until interrupted")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text or yaml")
	return cmd
}
