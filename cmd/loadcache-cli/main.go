package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	str2duration "github.com/xhit/go-str2duration/v2"
	"go.uber.org/zap"

	"github.com/cmalloy/loadcache"
)

var (
	flagExpireAfterAccess string
	flagExpireAfterWrite  string
	flagRefreshAfterWrite string
	flagLoadDelay         string
	flagSingleFlight      bool
	flagVerbose           bool
)

var rootCmd = &cobra.Command{
	Use:   "loadcache-cli",
	Short: "Interactive shell for exercising a loading cache",
	Long: `loadcache-cli runs a loading cache against a simulated backing store
(the loader returns "value-of-<key>" after an optional delay) and accepts
commands on stdin:

  get <key>          read through the cache, loading on miss
  set <key> <value>  write a value directly
  del <key>          delete a key
  has <key>          probe for a live entry
  len                number of live entries
  list               print all live entries
  clear              empty the cache
  stats              print activity counters
  quit               exit`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&flagExpireAfterAccess, "expire-after-access", "", "expire entries this long after the last read or write (e.g. 30s, 5m)")
	rootCmd.Flags().StringVar(&flagExpireAfterWrite, "expire-after-write", "", "expire entries this long after the last write")
	rootCmd.Flags().StringVar(&flagRefreshAfterWrite, "refresh-after-write", "", "reload entries on this cadence after each write")
	rootCmd.Flags().StringVar(&flagLoadDelay, "load-delay", "100ms", "simulated backing store latency")
	rootCmd.Flags().BoolVar(&flagSingleFlight, "single-flight", false, "collapse concurrent loads for the same key")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "log cache events to stderr")
}

func parseDurationFlag(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := str2duration.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", name, value, err)
	}
	return d, nil
}

func run(cmd *cobra.Command, args []string) error {
	expireAccess, err := parseDurationFlag("expire-after-access", flagExpireAfterAccess)
	if err != nil {
		return err
	}
	expireWrite, err := parseDurationFlag("expire-after-write", flagExpireAfterWrite)
	if err != nil {
		return err
	}
	refreshWrite, err := parseDurationFlag("refresh-after-write", flagRefreshAfterWrite)
	if err != nil {
		return err
	}
	loadDelay, err := parseDurationFlag("load-delay", flagLoadDelay)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if flagVerbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	opts := []loadcache.Option{
		loadcache.WithLogger(logger),
		loadcache.WithRemovalListener(func(key, value string, cause loadcache.RemovalCause) {
			logger.Info("entry removed",
				zap.String("key", key),
				zap.String("value", value),
				zap.Stringer("cause", cause))
		}),
	}
	if expireAccess > 0 {
		opts = append(opts, loadcache.WithExpireAfterAccess(expireAccess))
	}
	if expireWrite > 0 {
		opts = append(opts, loadcache.WithExpireAfterWrite(expireWrite))
	}
	if refreshWrite > 0 {
		opts = append(opts, loadcache.WithRefreshAfterWrite(refreshWrite))
	}
	if flagSingleFlight {
		opts = append(opts, loadcache.WithSingleFlight())
	}

	cache := loadcache.New(ctx, func(ctx context.Context, key string) (string, error) {
		logger.Debug("loading", zap.String("key", key))
		select {
		case <-time.After(loadDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "value-of-" + key, nil
	}, opts...)
	defer cache.Close()

	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(cmd.InOrStdin())
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			fmt.Fprint(out, "> ")
			continue
		}
		switch verb, rest := fields[0], fields[1:]; verb {
		case "get":
			if len(rest) != 1 {
				fmt.Fprintln(out, "usage: get <key>")
				break
			}
			start := time.Now()
			v, err := cache.Get(ctx, rest[0])
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				break
			}
			fmt.Fprintf(out, "%s (%s)\n", v, time.Since(start).Round(time.Millisecond))
		case "set":
			if len(rest) != 2 {
				fmt.Fprintln(out, "usage: set <key> <value>")
				break
			}
			cache.Set(rest[0], rest[1])
			fmt.Fprintln(out, "ok")
		case "del":
			if len(rest) != 1 {
				fmt.Fprintln(out, "usage: del <key>")
				break
			}
			fmt.Fprintln(out, cache.Delete(rest[0]))
		case "has":
			if len(rest) != 1 {
				fmt.Fprintln(out, "usage: has <key>")
				break
			}
			fmt.Fprintln(out, cache.Has(rest[0]))
		case "len":
			fmt.Fprintln(out, cache.Len())
		case "list":
			for k, v := range cache.All() {
				fmt.Fprintf(out, "%s = %s\n", k, v)
			}
		case "clear":
			cache.Clear()
			fmt.Fprintln(out, "ok")
		case "stats":
			s := cache.Stats()
			fmt.Fprintf(out, "hits=%d misses=%d loads=%d load_failures=%d refreshes=%d refresh_failures=%d expirations=%d\n",
				s.Hits, s.Misses, s.Loads, s.LoadFailures, s.Refreshes, s.RefreshFailures, s.Expirations)
		case "quit", "exit":
			return nil
		default:
			fmt.Fprintf(out, "unknown command %q\n", verb)
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
