package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourusername/tokenbucket/clock"
	"github.com/yourusername/tokenbucket/pkg/tokenbucket"
)

var demoFlags struct {
	requests   int
	interval   time.Duration
	waiters    int
	waitTokens int64
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Demonstrate non-blocking and blocking consumption",
	Long: `Run two demonstrations against in-process buckets.

Staggered: a bucket of 10 refilling at 5/s receives one request every
--interval. The first burst drains it, then roughly every other request
is rejected as refill keeps pace at half the arrival rate.

Blocking: --waiters goroutines each wait for --wait-tokens from a bucket of
10 refilling at 2/s. Two proceed immediately; the rest are released as
tokens accrue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(cmd.ErrOrStderr(), logLevel, logFormat)
		if err != nil {
			return err
		}
		opts := []tokenbucket.BucketOption{tokenbucket.WithBucketLogger(logger)}
		out := cmd.OutOrStdout()

		if _, err := runStaggered(cmd.Context(), out, clock.System{}, demoFlags.requests, demoFlags.interval, opts...); err != nil {
			return err
		}
		fmt.Fprintln(out, "------------ consume with wait ------------")
		return runWaiters(cmd.Context(), out, clock.System{}, demoFlags.waiters, demoFlags.waitTokens, opts...)
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)

	demoCmd.Flags().IntVar(&demoFlags.requests, "requests", 50, "staggered requests to send")
	demoCmd.Flags().DurationVar(&demoFlags.interval, "interval", 100*time.Millisecond, "spacing between staggered requests")
	demoCmd.Flags().IntVar(&demoFlags.waiters, "waiters", 10, "concurrent blocking consumers")
	demoCmd.Flags().Int64Var(&demoFlags.waitTokens, "wait-tokens", 5, "tokens each blocking consumer takes")
}

// runStaggered sends n single-token requests spaced interval apart and
// returns how many were allowed.
func runStaggered(ctx context.Context, out io.Writer, clk clock.Clock, n int, interval time.Duration, opts ...tokenbucket.BucketOption) (int, error) {
	opts = append([]tokenbucket.BucketOption{tokenbucket.WithClock(clk), tokenbucket.WithName("staggered")}, opts...)
	bucket, err := tokenbucket.New(10, 5.0, opts...)
	if err != nil {
		return 0, err
	}

	start := clk.Now()
	allowed := 0
	for i := 0; i < n; i++ {
		due := start.Add(time.Duration(i) * interval)
		if err := clk.Sleep(ctx, due.Sub(clk.Now())); err != nil {
			return allowed, err
		}

		if bucket.TryConsume(1) {
			allowed++
			fmt.Fprintf(out, "[%2d] allowed\n", i)
		} else {
			fmt.Fprintf(out, "[%2d] rate limited, dropped\n", i)
		}
	}
	fmt.Fprintf(out, "%d of %d requests allowed\n", allowed, n)
	return allowed, nil
}

// runWaiters starts n goroutines that each block for tokens and reports
// when each one proceeds.
func runWaiters(ctx context.Context, out io.Writer, clk clock.Clock, n int, tokens int64, opts ...tokenbucket.BucketOption) error {
	opts = append([]tokenbucket.BucketOption{tokenbucket.WithClock(clk), tokenbucket.WithName("waiters")}, opts...)
	bucket, err := tokenbucket.New(10, 2.0, opts...)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs []error
	)
	start := clk.Now()
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			printf("worker %d waiting for %d tokens at +%v\n", id, tokens, clk.Now().Sub(start).Round(time.Millisecond))
			if err := bucket.Wait(ctx, tokens); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("worker %d: %w", id, err))
				mu.Unlock()
				return
			}
			printf("worker %d consumed %d tokens at +%v\n", id, tokens, clk.Now().Sub(start).Round(time.Millisecond))
		}(i)
	}
	wg.Wait()

	fmt.Fprintf(out, "final bucket: tokens=%.2f capacity=%d refill_rate=%.1f/s\n",
		bucket.Tokens(), bucket.Capacity(), bucket.RefillRate())
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
