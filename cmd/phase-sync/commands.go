package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bitbucket.org/mmdatafocus/renovation_backend/models"
	"bitbucket.org/mmdatafocus/renovation_backend/phasesync"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a full synchronization over every view",
	Long: `Reconcile every configured view in priority order and print the run result.

Interrupting the command stops the run after the view in progress.

Example:
  phase-sync run
  phase-sync run --views-file views.yaml`,
	Args: cobra.NoArgs,
	RunE: runFull,
}

var propertyCmd = &cobra.Command{
	Use:   "property <externalId>",
	Short: "Re-sync one property from the source",
	Long: `Read one property back from the source and reconcile it.

With --record the source record id is used directly, which also works for
properties not yet in the database.

Example:
  phase-sync property MAD-001
  phase-sync property MAD-001 --record recA1b2C3 --view Cleaning`,
	Args: cobra.ExactArgs(1),
	RunE: runProperty,
}

var resetCmd = &cobra.Command{
	Use:   "reset <externalId>",
	Short: "Delete a property's inspections and return it to the initial phase",
	Args:  cobra.ExactArgs(1),
	RunE:  runReset,
}

var viewsCmd = &cobra.Command{
	Use:   "views",
	Short: "Print the view table in processing order",
	Args:  cobra.NoArgs,
	RunE:  runViews,
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <externalId>",
	Short: "Fire the budget extraction for one property if it is still needed",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrigger,
}

var (
	propertyRecordId string
	propertyTableId  string
	propertyViewId   string
)

func init() {
	propertyCmd.Flags().StringVar(&propertyRecordId, "record", "", "Source record id")
	propertyCmd.Flags().StringVar(&propertyTableId, "table", "Properties", "Source table id, used with --record")
	propertyCmd.Flags().StringVar(&propertyViewId, "view", "", "Apply the forced outcome of this view, used with --record")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runFull(cmd *cobra.Command, args []string) error {
	o, err := newOrchestrator()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	res, err := o.RunAll(ctx, models.SyncTriggeredCLI)
	if res != nil {
		if perr := printJSON(stdout, res); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	return exitForOutcome(res)
}

func runProperty(cmd *cobra.Command, args []string) error {
	o, err := newOrchestrator()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	var res *phasesync.SyncRunResult
	if propertyRecordId != "" {
		res, err = o.SyncProperty(ctx, phasesync.WebhookEvent{
			TableId:  propertyTableId,
			RecordId: propertyRecordId,
			ViewId:   propertyViewId,
		}, models.SyncTriggeredCLI)
	} else {
		res, err = o.SyncPropertyByExternalId(ctx, args[0], models.SyncTriggeredCLI)
	}
	if res != nil {
		if res.ExternalId != "" && res.ExternalId != args[0] {
			fmt.Fprintf(os.Stderr, "warning: record %s belongs to property %s\n", propertyRecordId, res.ExternalId)
		}
		if perr := printJSON(stdout, res); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	return exitForOutcome(res)
}

func runReset(cmd *cobra.Command, args []string) error {
	o, err := newOrchestrator()
	if err != nil {
		return err
	}
	counts, err := o.ResetProperty(context.Background(), args[0])
	if err != nil {
		return err
	}
	return printJSON(stdout, map[string]any{
		"externalId":    args[0],
		"inspections":   counts.Inspections,
		"zones":         counts.Zones,
		"elements":      counts.Elements,
		"propertyReset": counts.PropertyReset,
	})
}

func runViews(cmd *cobra.Command, args []string) error {
	path := cfgViewsFile
	if path == "" {
		path = os.Getenv("PHASE_SYNC_VIEWS_FILE")
	}
	views, err := phasesync.LoadViews(path)
	if err != nil {
		return err
	}
	return printJSON(stdout, phasesync.OrderViews(views))
}

func runTrigger(cmd *cobra.Command, args []string) error {
	o, err := newOrchestrator()
	if err != nil {
		return err
	}
	fired, err := o.TriggerProperty(context.Background(), args[0])
	if err != nil {
		if errors.Is(err, phasesync.ErrPropertyNotFound) {
			return fmt.Errorf("property %s is not in the database", args[0])
		}
		return err
	}
	return printJSON(stdout, map[string]any{"externalId": args[0], "triggered": fired})
}
