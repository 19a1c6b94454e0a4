package main

import (
	"fmt"
	"io"
	"os"

	"github.com/always-cache/crawlcache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// this is set by goreleaser
var version string

func init() {
	if version == "" {
		version = "DEV"
	}
}

// globalFlags are shared by every command. Zero values leave the config untouched.
type globalFlags struct {
	configFile     string
	logFile        string
	verbosityDebug bool
	verbosityTrace bool

	enabled       bool
	policy        string
	storage       string
	dir           string
	dbmModule     string
	ignoreMissing bool
	expiration    int
}

func main() {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "crawlcache",
		Short:         "HTTP response cache for crawlers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(flags)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "Path to config file")
	pf.StringVar(&flags.logFile, "log-file", "", "Log file to use (in addition to stderr)")
	pf.BoolVarP(&flags.verbosityDebug, "verbose", "v", false, "Verbosity: debug logging")
	pf.BoolVar(&flags.verbosityTrace, "vv", false, "Verbosity: trace logging")
	pf.BoolVar(&flags.enabled, "enabled", false, "Enable the cache (overrides config)")
	pf.StringVar(&flags.policy, "policy", "", "Cache policy: dummy or rfc9111 (overrides config)")
	pf.StringVar(&flags.storage, "storage", "", "Cache storage: dbm or mongo (overrides config)")
	pf.StringVar(&flags.dir, "dir", "", "Directory of the dbm files (overrides config)")
	pf.StringVar(&flags.dbmModule, "dbm-module", "", "Dbm module: sqlite, bolt or memory (overrides config)")
	pf.BoolVar(&flags.ignoreMissing, "ignore-missing", false, "Fail requests that are not cached (overrides config)")
	pf.IntVar(&flags.expiration, "expiration-secs", 0, "Entry lifetime in seconds, 0 for forever (overrides config)")

	rootCmd.AddCommand(fetchCmd(flags))
	rootCmd.AddCommand(serveCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging writes to stderr and, if specified, to a log file as well.
func setupLogging(flags *globalFlags) error {
	logLevel := zerolog.InfoLevel
	if flags.verbosityDebug {
		logLevel = zerolog.DebugLevel
	}
	if flags.verbosityTrace {
		logLevel = zerolog.TraceLevel
	}

	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}
	if flags.logFile != "" {
		logFileOutput, err := os.OpenFile(flags.logFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	log.Logger = log.Level(logLevel).Output(zerolog.MultiLevelWriter(logOutputs...)).
		With().Str("version", version).Logger()
	return nil
}

// loadConfig reads the config file and environment, then applies the flags that were set.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (crawlcache.Config, error) {
	config, err := crawlcache.LoadConfig(flags.configFile)
	if err != nil {
		return config, err
	}
	changed := cmd.Flags().Changed
	if changed("enabled") {
		config.Enabled = flags.enabled
	}
	if changed("policy") {
		config.Policy = flags.policy
	}
	if changed("storage") {
		config.Storage = flags.storage
	}
	if changed("dir") {
		config.Dir = flags.dir
	}
	if changed("dbm-module") {
		config.DbmModule = flags.dbmModule
	}
	if changed("ignore-missing") {
		config.IgnoreMissing = flags.ignoreMissing
	}
	if changed("expiration-secs") {
		config.ExpirationSecs = flags.expiration
	}
	return config, nil
}
