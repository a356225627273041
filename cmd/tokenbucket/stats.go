package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourusername/tokenbucket/metrics"
	"github.com/yourusername/tokenbucket/store"
)

var statsFlags struct {
	instance string
	jsonOut  bool
	timeout  time.Duration
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the last stats snapshot a server published",
	Long: `Load the stats snapshot a running "tokenbucket serve" published to Redis
and print it.

Examples:
  tokenbucket stats --redis-addr localhost:6379 --instance web-1
  tokenbucket stats --instance web-1 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if redisAddr == "" {
			return errors.New("--redis-addr (or REDIS_ADDR) is required")
		}
		stats := store.NewRedisStatsStore(store.RedisConfig{
			Addr:     redisAddr,
			Password: redisPassword,
			DB:       redisDB,
		})
		defer stats.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), statsFlags.timeout)
		defer cancel()

		snap, err := stats.Load(ctx, statsFlags.instance)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no snapshot published for instance %q", statsFlags.instance)
		}
		if err != nil {
			return err
		}

		if statsFlags.jsonOut {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		return printSnapshot(cmd.OutOrStdout(), statsFlags.instance, snap)
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)

	hostname, _ := os.Hostname()
	statsCmd.Flags().StringVar(&statsFlags.instance, "instance", hostname, "instance name the server published under")
	statsCmd.Flags().BoolVar(&statsFlags.jsonOut, "json", false, "print raw JSON")
	statsCmd.Flags().DurationVar(&statsFlags.timeout, "timeout", 10*time.Second, "Redis timeout")
}

func printSnapshot(w io.Writer, instance string, snap *metrics.Snapshot) error {
	fmt.Fprintf(w, "Instance:  %s\n", instance)
	fmt.Fprintf(w, "Started:   %s (up %s)\n", snap.StartTime.Format(time.RFC3339), time.Duration(snap.UptimeSeconds)*time.Second)
	fmt.Fprintf(w, "Requests:  %d total, %d allowed, %d limited\n", snap.TotalRequests, snap.AllowedRequests, snap.BlockedRequests)
	if snap.TotalRequests > 0 {
		fmt.Fprintf(w, "Limited:   %.1f%%\n", 100*float64(snap.BlockedRequests)/float64(snap.TotalRequests))
	}
	fmt.Fprintf(w, "Waits:     %d (%.3fs total)\n", snap.Waits, snap.WaitSecondsTotal)
	fmt.Fprintf(w, "Clients:   %d\n", snap.UniqueClients)

	if len(snap.TopClients) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT\tTOTAL\tALLOWED\tLIMITED\tLAST SEEN")
	for _, c := range snap.TopClients {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n",
			c.ClientID, c.TotalRequests, c.AllowedRequests, c.BlockedRequests, c.LastRequestAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
