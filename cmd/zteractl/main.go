// Command zteractl is a small operational CLI for ZTeraDB: ping the
// server, run ad-hoc queries, and inspect pool stats.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	zteradb "github.com/zteradb/zteradb-go"
	"github.com/zteradb/zteradb-go/config"
	"github.com/zteradb/zteradb-go/zql"
)

type rootOptions struct {
	configPath string
	host       string
	port       int
	timeout    time.Duration
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "zteractl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "zteractl",
		Short:         "ZTeraDB client utility",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "zteradb.yaml", "path to credentials file")
	root.PersistentFlags().StringVar(&opts.host, "host", "127.0.0.1", "server host")
	root.PersistentFlags().IntVar(&opts.port, "port", 7064, "server port")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-command timeout")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newPingCmd(opts))
	root.AddCommand(newQueryCmd(opts))
	root.AddCommand(newStatCmd(opts))

	return root
}

func openPool(opts *rootOptions) (*zteradb.Pool, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	pool, err := zteradb.New(opts.host, opts.port, cfg, zteradb.WithLogger(slog.Default()))
	if err != nil {
		return nil, err
	}
	if err := pool.WatchConfig(opts.configPath); err != nil {
		slog.Warn("credentials hot-reload not available", "err", err)
	}
	return pool, nil
}

func newPingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Round-trip a PING frame",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := openPool(opts)
			if err != nil {
				return err
			}
			defer pool.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			start := time.Now()
			if err := pool.Ping(ctx); err != nil {
				return err
			}
			fmt.Printf("pong in %s\n", time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
}

type queryOptions struct {
	schema    string
	queryType string
	filters   []string
	fields    []string
	sorts     []string
	limit     string
	count     bool
}

func newQueryCmd(opts *rootOptions) *cobra.Command {
	qopts := &queryOptions{}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a query and print rows as NDJSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := buildQuery(qopts)
			if err != nil {
				return err
			}

			pool, err := openPool(opts)
			if err != nil {
				return err
			}
			defer pool.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			rows, err := pool.Run(ctx, q)
			if err != nil {
				return err
			}
			defer rows.Close()

			out := json.NewEncoder(os.Stdout)
			for rows.Next() {
				if err := out.Encode(json.RawMessage(rows.Value())); err != nil {
					return err
				}
			}
			return rows.Err()
		},
	}

	cmd.Flags().StringVarP(&qopts.schema, "schema", "s", "", "schema name (required)")
	cmd.Flags().StringVarP(&qopts.queryType, "type", "t", "select", "query type: select, insert, update, delete")
	cmd.Flags().StringArrayVarP(&qopts.filters, "filter", "f", nil, "equality filter key=value (repeatable)")
	cmd.Flags().StringArrayVar(&qopts.fields, "field", nil, "field key=value for insert/update (repeatable)")
	cmd.Flags().StringArrayVar(&qopts.sorts, "sort", nil, "sort field:+1|-1 (repeatable)")
	cmd.Flags().StringVarP(&qopts.limit, "limit", "l", "", "result window start:end")
	cmd.Flags().BoolVar(&qopts.count, "count", false, "request a row count")
	cmd.MarkFlagRequired("schema")

	return cmd
}

func buildQuery(qopts *queryOptions) (*zql.Query, error) {
	q := zql.NewQuery(qopts.schema)

	switch strings.ToLower(qopts.queryType) {
	case "select":
		q.Select()
	case "insert":
		q.Insert()
	case "update":
		q.Update()
	case "delete":
		q.Delete()
	default:
		return nil, fmt.Errorf("unknown query type %q", qopts.queryType)
	}

	for _, pair := range qopts.filters {
		key, value, err := splitPair(pair, "=")
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", pair, err)
		}
		q.Filter(map[string]any{key: parseScalar(value)})
	}

	for _, pair := range qopts.fields {
		key, value, err := splitPair(pair, "=")
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", pair, err)
		}
		q.SetField(key, parseScalar(value))
	}

	for _, pair := range qopts.sorts {
		field, order, err := splitPair(pair, ":")
		if err != nil {
			return nil, fmt.Errorf("sort %q: %w", pair, err)
		}
		n, err := strconv.Atoi(order)
		if err != nil {
			return nil, fmt.Errorf("sort %q: order must be +1 or -1", pair)
		}
		q.SortBy(field, n)
	}

	if qopts.limit != "" {
		startStr, endStr, err := splitPair(qopts.limit, ":")
		if err != nil {
			return nil, fmt.Errorf("limit %q: %w", qopts.limit, err)
		}
		start, err := strconv.Atoi(startStr)
		if err != nil {
			return nil, fmt.Errorf("limit %q: bounds must be integers", qopts.limit)
		}
		end, err := strconv.Atoi(endStr)
		if err != nil {
			return nil, fmt.Errorf("limit %q: bounds must be integers", qopts.limit)
		}
		q.Limit(start, end)
	}

	if qopts.count {
		q.Count()
	}

	if err := q.Err(); err != nil {
		return nil, err
	}
	return q, nil
}

func splitPair(s, sep string) (string, string, error) {
	key, value, found := strings.Cut(s, sep)
	if !found || key == "" {
		return "", "", fmt.Errorf("expected key%svalue", sep)
	}
	return key, value, nil
}

// parseScalar interprets a flag value as JSON where possible, so
// numbers and booleans survive; everything else stays a string.
func parseScalar(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	switch v.(type) {
	case map[string]any, []any:
		return s
	}
	return v
}

func newStatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Print pool stats for a fresh client",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := openPool(opts)
			if err != nil {
				return err
			}
			defer pool.Close()

			out, err := json.MarshalIndent(pool.Stats(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
