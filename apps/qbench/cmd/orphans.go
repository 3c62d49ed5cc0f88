package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/instancestate"
	"github.com/quatton/qbench/pkg/qlog"
	"github.com/quatton/qbench/pkg/teardown"
)

var (
	orphansStateDir  string
	orphansTerminate bool
)

var orphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "List instances left behind by interrupted runs",
	Long: `List instances whose local bookkeeping survived the process that created
them. Bookkeeping is removed when an instance is torn down, so every entry is
an instance that may still be running and billing.

With --terminate, each listed instance is torn down through its provider.
Adopted instances are only forgotten, never terminated.`,
	RunE: listOrphans,
}

func init() {
	rootCmd.AddCommand(orphansCmd)
	orphansCmd.Flags().StringVar(&orphansStateDir, "state-dir", "", "directory holding .qbench/instances (default working directory)")
	orphansCmd.Flags().BoolVar(&orphansTerminate, "terminate", false, "tear down every listed instance")
}

func listOrphans(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := qlog.FromContext(ctx)

	state := instancestate.NewStore(orphansStateDir)
	insts, err := state.List()
	if err != nil {
		return err
	}
	if len(insts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No orphaned instances.")
		return nil
	}
	printOrphans(cmd.OutOrStdout(), insts)
	if !orphansTerminate {
		return nil
	}

	settings, err := GetSettings(cmd)
	if err != nil {
		return err
	}
	specs := make([]fleet.InstanceSpec, 0, len(insts))
	for _, inst := range insts {
		if inst.Handle != nil {
			specs = append(specs, fleet.InstanceSpec{Provider: inst.Handle.Provider})
		}
	}
	providers, err := buildRegistry(ctx, providerKinds(specs), settings, time.Minute, log)
	if err != nil {
		return err
	}
	mgr := teardown.NewManager(providers, state, log)

	failed := 0
	for _, inst := range insts {
		tctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		err := mgr.Teardown(tctx, inst, false)
		cancel()
		if err != nil {
			failed++
			log.Error("teardown failed", "instance", inst.Spec.ID, "orchestration", inst.OrchestrationID, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d instances could not be torn down", failed, len(insts))
	}
	log.Info("orphans torn down", "count", len(insts))
	return nil
}

func printOrphans(w io.Writer, insts []*fleet.Instance) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ORCHESTRATION\tINSTANCE\tPROVIDER\tREGION\tINSTANCE ID\tPHASE\tADOPTED\n")
	for _, inst := range insts {
		provider, region, id, adopted := "-", "-", "-", false
		if h := inst.Handle; h != nil {
			provider, region, id, adopted = string(h.Provider), h.Region, h.InstanceID, h.Adopted
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n", inst.OrchestrationID, inst.Spec.ID, provider, region, id, inst.Phase, adopted)
	}
	tw.Flush()
}
