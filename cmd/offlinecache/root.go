package main

import (
	"github.com/spf13/cobra"
)

// Version information injected at build time.
var (
	Version = "dev"
	Commit  = "none"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "offlinecache",
	Short: "Offline-first caching proxy for a static site",
	Long: `offlinecache sits between a site's pages and the network. It precaches
the app shell and external assets, serves every request with a per-class
caching strategy, and queues contact forms until the network is back.

Use "offlinecache [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./offlinecache.yaml or ./config/offlinecache.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(skipWaitingCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
