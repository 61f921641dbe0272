package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"bitbucket.org/mmdatafocus/renovation_backend/config"
	"bitbucket.org/mmdatafocus/renovation_backend/models"
	"bitbucket.org/mmdatafocus/renovation_backend/phasesync"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgViewsFile string
	cfgMigrate   bool

	stdout io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:   "phase-sync",
	Short: "Phase sync - operator CLI for the property phase synchronization",
	Long: `phase-sync runs the property phase synchronization from a terminal.

It uses the same settings as the service (SOURCE_*, EXTRACTION_*, DB_*,
REDIS_ADDRESS) and takes the same locks, so it is safe to run next to a
deployed service.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgViewsFile, "views-file", "", "YAML view table (default: PHASE_SYNC_VIEWS_FILE or built-in views)")
	rootCmd.PersistentFlags().BoolVar(&cfgMigrate, "migrate", false, "Run AutoMigrate before the command")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(propertyCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(viewsCmd)
	rootCmd.AddCommand(triggerCmd)
}

func loadSettings() (*config.PhaseSyncSettings, error) {
	settings, err := config.LoadPhaseSyncSettings()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if cfgViewsFile != "" {
		settings.ViewsFile = cfgViewsFile
	}
	return settings, nil
}

// newOrchestrator connects the database (and Redis when configured) and
// builds the orchestrator the same way the service does.
func newOrchestrator() (*phasesync.Orchestrator, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}
	logger := config.GetLogger()

	config.ConnectDatabaseWithRetry()
	if cfgMigrate {
		if err := models.AutoMigrate(config.GetDB()); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	var locker phasesync.Locker
	if config.RedisConfigured() {
		config.ConnectRedisWithRetry()
		locker = phasesync.NewRedisLocker(config.GetRedisLock, logger)
	} else {
		logger.WithFields(logrus.Fields{"field": "locks"}).Warn("REDIS_ADDRESS not set; locks only cover this process")
		locker = phasesync.NewLocalLocker()
	}
	return phasesync.NewFromSettings(settings, config.GetDB, locker, logger)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitForOutcome turns a failed or rejected result into a non-zero exit.
func exitForOutcome(res *phasesync.SyncRunResult) error {
	if res == nil {
		return nil
	}
	switch res.Outcome {
	case models.SyncRunOutcomeFailed, models.SyncRunOutcomeRejected:
		return fmt.Errorf("run %s finished with outcome %s", res.RunId, res.Outcome)
	}
	return nil
}
