package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/quatton/qbench/pkg/collect"
	"github.com/quatton/qbench/pkg/config"
	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/instancestate"
	"github.com/quatton/qbench/pkg/metrics"
	"github.com/quatton/qbench/pkg/orchestrator"
	"github.com/quatton/qbench/pkg/poller"
	"github.com/quatton/qbench/pkg/provision"
	"github.com/quatton/qbench/pkg/qerr"
	"github.com/quatton/qbench/pkg/qlog"
	"github.com/quatton/qbench/pkg/remote"
	"github.com/quatton/qbench/pkg/teardown"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an experiment",
	Long: `Run every instance of the experiment file concurrently and write
report.json next to the collected results. The command exits non-zero when any
instance ends in the failed phase.

Interrupting the command stops waiting on remote runs and tears every
provisioned instance down before exiting.`,
	RunE: runExperiment,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringSlice("only", nil, "run only the instances with these IDs")
	runCmd.Flags().String("report", "", "report path (default <results_dir>/<orchestration id>/report.json)")
	runCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	runCmd.Flags().String("results-dir", "", "override orchestrator.results_dir")
	runCmd.Flags().Bool("keep-instances", false, "leave instances running after the last run")
}

func runExperiment(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := qlog.FromContext(ctx)
	settings, err := GetSettings(cmd)
	if err != nil {
		return err
	}

	exp, err := config.Load(cfgFile)
	if err != nil {
		return qerr.New(qerr.CodeInvalidSpec, err)
	}
	v := exp.Viper()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if dir := v.GetString("results-dir"); dir != "" {
		exp.Orchestrator.ResultsDir, _ = filepath.Abs(dir)
	}
	if v.GetBool("keep-instances") {
		exp.Steps.DeleteInstance = false
	}
	metricsAddr := v.GetString("metrics-addr")
	if metricsAddr == "" {
		metricsAddr = settings.MetricsAddr
	}

	specs, err := selectSpecs(exp.Instances, v.GetStringSlice("only"))
	if err != nil {
		return qerr.New(qerr.CodeInvalidSpec, err)
	}
	log.Info("experiment loaded", "file", exp.ConfigFileUsed(), "name", exp.Name, "instances", len(specs))

	st, err := openStack(ctx, settings, log)
	if err != nil {
		return err
	}
	defer st.Close()

	orch, err := newOrchestrator(ctx, exp, specs, settings, st, log)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		shutdown := serveMetrics(metricsAddr, st.metrics, log)
		defer shutdown()
	}

	report := orch.Orchestrate(ctx, specs)

	path := v.GetString("report")
	if path == "" {
		path = filepath.Join(exp.Orchestrator.ResultsDir, orch.ID(), "report.json")
	}
	if err := report.WriteFile(path); err != nil {
		log.Error("failed to write report", "path", path, "error", err)
	} else {
		log.Info("report written", "path", path)
	}
	printReport(cmd.OutOrStdout(), report)

	if ctx.Err() != nil {
		return qerr.New(qerr.CodeCancelled, ctx.Err())
	}
	if report.Summary().Instances[fleet.PhaseFailed] > 0 {
		return errInstancesFailed
	}
	return nil
}

func newOrchestrator(ctx context.Context, exp *config.Experiment, specs []fleet.InstanceSpec, settings *config.Settings, st *stack, log *qlog.Logger) (*orchestrator.Orchestrator, error) {
	o := exp.Orchestrator

	providers, err := buildRegistry(ctx, providerKinds(specs), settings, o.BootTimeout, log)
	if err != nil {
		return nil, err
	}
	state := instancestate.NewStore(o.StateDir)

	provOpts := []provision.Option{
		provision.WithNames(exp.Names),
		provision.WithSteps(exp.Steps),
		provision.WithLogger(log),
	}
	if exp.Name != "" {
		provOpts = append(provOpts, provision.WithTags(map[string]string{"qbench/experiment": exp.Name}))
	}
	if st.claims != nil {
		provOpts = append(provOpts, provision.WithClaimStore(st.claims))
	}

	collectOpts := []collect.Option{collect.WithLogger(log)}
	if st.artifacts != nil {
		collectOpts = append(collectOpts, collect.WithMirror(st.artifacts))
	}

	backoff := remote.DefaultDialBackoff
	backoff.Steps = o.DialAttempts

	return orchestrator.New(
		providers,
		provision.NewService(providers, provOpts...),
		teardown.NewManager(providers, state, log),
		collect.New(o.ResultsDir, collectOpts...),
		orchestrator.WithName(exp.Name),
		orchestrator.WithSteps(exp.Steps),
		orchestrator.WithState(state),
		orchestrator.WithObserver(st.observers()),
		orchestrator.WithPoller(poller.New(
			poller.WithInterval(o.PollInterval),
			poller.WithMaxFailures(o.MaxProbeErrors),
			poller.WithLogger(log),
			poller.WithCheckHook(st.metrics.MarkerCheck),
		)),
		orchestrator.WithBootTimeout(o.BootTimeout),
		orchestrator.WithTeardownTimeout(o.TeardownTimeout),
		orchestrator.WithTransferTimeout(o.TransferTimeout),
		orchestrator.WithExecutorOptions(
			remote.WithDialBackoff(backoff),
			remote.WithLaunchRetries(o.LaunchRetries, o.LaunchDelay),
			remote.WithLaunchSettle(o.LaunchSettle),
			remote.WithDialRetryHook(st.metrics.DialRetry),
		),
		orchestrator.WithLogger(log),
	), nil
}

// selectSpecs keeps the specs named in only, in declaration order.
func selectSpecs(specs []fleet.InstanceSpec, only []string) ([]fleet.InstanceSpec, error) {
	if len(only) == 0 {
		return specs, nil
	}
	var out []fleet.InstanceSpec
	for _, spec := range specs {
		if slices.Contains(only, spec.ID) {
			out = append(out, spec)
		}
	}
	for _, id := range only {
		if !slices.ContainsFunc(out, func(s fleet.InstanceSpec) bool { return s.ID == id }) {
			return nil, fmt.Errorf("no instance %q in experiment", id)
		}
	}
	return out, nil
}

func serveMetrics(addr string, m *metrics.Metrics, log *qlog.Logger) func() {
	router := chi.NewRouter()
	router.Method(http.MethodGet, "/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func printReport(w io.Writer, r *fleet.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "INSTANCE\tPHASE\tRUNS\tINSTANCE ID\tERROR\n")
	for _, o := range r.Outcomes() {
		succeeded := 0
		for _, run := range o.Runs {
			if run.Status == fleet.RunStatusSucceeded {
				succeeded++
			}
		}
		id := o.InstanceID
		if id == "" {
			id = "-"
		}
		errText := o.Error
		if o.TeardownError != "" {
			errText = joinNonEmpty(errText, "teardown: "+o.TeardownError)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n", o.SpecID, o.Phase, succeeded, len(o.Runs), id, errText)
	}
	tw.Flush()

	s := r.Summary()
	fmt.Fprintf(w, "\n%d done, %d failed, %d skipped in %s (orchestration %s)\n",
		s.Instances[fleet.PhaseDone], s.Instances[fleet.PhaseFailed], s.Instances[fleet.PhaseSkipped],
		r.FinishedAt.Sub(r.StartedAt).Round(time.Second), r.ID)
}

func joinNonEmpty(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
