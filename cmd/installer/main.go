package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cadalytix/installer/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "installer",
	Short: "Cadalytix installer - cross-platform installation engine",
	Long: `The Cadalytix installer drives a deterministic installation pipeline:
validate, connect, migrate, persist configuration, deploy files, generate
runtime config, start and verify services, and write a tamper-evident
artifact set.

The interactive wizard shells are not part of this binary: --tui and --cli
print the available modes, and --gui reports that the desktop shell is
distributed separately. The non-interactive smoke flags prove the engine's
contracts and write a transcript whose last line is ExitCode=0 on success.`,
	Version: Version,
	RunE:    runRoot,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Cadalytix installer version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("log-dir", defaultLogDir(), "Directory for transcripts and support bundles")
	rootCmd.PersistentFlags().String("runtime-root", "", "Runtime payload root (defaults to <binary dir>/runtime)")
	rootCmd.PersistentFlags().String("migration-manifest", "migrations/manifest.yaml", "Path to the migration manifest YAML")

	// UI dispatch
	rootCmd.PersistentFlags().Bool("tui", false, "Select the terminal wizard (prints the available modes)")
	rootCmd.PersistentFlags().Bool("cli", false, "Select the plain command-line wizard (prints the available modes)")
	rootCmd.PersistentFlags().Bool("gui", false, "Select the desktop shell (distributed separately)")
	rootCmd.PersistentFlags().String("tui-smoke", "", "Render one wizard page non-interactively and exit")
	rootCmd.PersistentFlags().Lookup("tui-smoke").NoOptDefVal = "welcome"

	// Non-interactive proof modes
	rootCmd.PersistentFlags().Bool("install-contract-smoke", false, "Prove the progress/terminal event contract")
	rootCmd.PersistentFlags().Bool("mapping-persist-smoke", false, "Prove mapping state transitions and persistence")
	rootCmd.PersistentFlags().Bool("archive-dry-run", false, "Run the archiver twice for a fixed month to prove idempotency")
	rootCmd.PersistentFlags().Bool("db-setup-smoke", false, "Prove the database-setup decision handling")
	rootCmd.PersistentFlags().Bool("release-e2e-smoke", false, "Prove secret, manifest, and license contracts end to end")
	rootCmd.PersistentFlags().Bool("perf-smoke", false, "Exercise the hashing and encryption hot paths")

	cobra.OnInitialize(initConfig, initLogging)
}

func initConfig() {
	viper.SetConfigName("installer")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.cadalytix")
	viper.SetEnvPrefix("CADALYTIX")
	viper.AutomaticEnv()

	// A missing config file is not an error; flags and defaults carry on.
	if err := viper.ReadInConfig(); err == nil {
		logger := log.WithComponent("main")
		logger.Debug().Str("file", viper.ConfigFileUsed()).Msg("loaded config file")
	}

	viper.BindPFlag("log_dir", rootCmd.PersistentFlags().Lookup("log-dir"))
	viper.BindPFlag("runtime_root", rootCmd.PersistentFlags().Lookup("runtime-root"))
	viper.BindPFlag("migration_manifest", rootCmd.PersistentFlags().Lookup("migration-manifest"))
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func defaultLogDir() string {
	if cache, err := os.UserCacheDir(); err == nil {
		return cache + "/cadalytix-installer"
	}
	return "."
}

func runRoot(cmd *cobra.Command, args []string) error {
	logDir := viper.GetString("log_dir")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log dir %s: %w", logDir, err)
	}

	smokes := []struct {
		flag string
		run  func(logDir string) error
	}{
		{"install-contract-smoke", runInstallContractSmoke},
		{"mapping-persist-smoke", runMappingPersistSmoke},
		{"archive-dry-run", runArchiveDryRun},
		{"db-setup-smoke", runDBSetupSmoke},
		{"release-e2e-smoke", runReleaseE2ESmoke},
		{"perf-smoke", runPerfSmoke},
	}
	for _, s := range smokes {
		if on, _ := cmd.Flags().GetBool(s.flag); on {
			if err := s.run(logDir); err != nil {
				fmt.Fprintf(os.Stderr, "%s failed: %v\n", s.flag, err)
				os.Exit(1)
			}
			return nil
		}
	}

	if page, _ := cmd.Flags().GetString("tui-smoke"); cmd.Flags().Changed("tui-smoke") {
		return runTUISmoke(logDir, page)
	}

	return dispatchUI(cmd)
}
