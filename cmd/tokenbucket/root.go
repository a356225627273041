package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile       string
	logLevel      string
	logFormat     string
	redisAddr     string
	redisPassword string
	redisDB       int
)

var rootCmd = &cobra.Command{
	Use:   "tokenbucket",
	Short: "Token-bucket rate limiter service and demos",
	Long: `tokenbucket limits how often clients may proceed using token buckets:
each client has a bucket that refills at a fixed rate up to a capacity, and
every request drains tokens from it.

The serve command exposes a check API, Prometheus metrics and per-route
limits on /api/. The demo command shows the non-blocking and blocking
consume paths against in-process buckets.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "limits config file (YAML)")
	pf.StringVar(&logLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	pf.StringVar(&redisAddr, "redis-addr", getEnv("REDIS_ADDR", ""), "Redis address for stats snapshots")
	pf.StringVar(&redisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	pf.IntVar(&redisDB, "redis-db", 0, "Redis database number")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
