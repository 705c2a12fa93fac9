package main

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	apihttp "mvccdb/internal/http"
	"mvccdb/pkg/store"
)

type benchResult struct {
	name      string
	ops       int
	failed    int
	duration  time.Duration
	latencies []time.Duration
}

func (r benchResult) row() []string {
	slices.Sort(r.latencies)
	pct := func(p float64) string {
		if len(r.latencies) == 0 {
			return "-"
		}
		return r.latencies[int(float64(len(r.latencies)-1)*p)].String()
	}
	return []string{
		r.name,
		strconv.Itoa(r.ops),
		strconv.Itoa(r.failed),
		fmt.Sprintf("%.0f", float64(r.ops)/r.duration.Seconds()),
		pct(0.5),
		pct(0.99),
	}
}

type benchTarget interface {
	put(ctx context.Context, key, value string) error
	get(ctx context.Context, key string) error
}

type engineTarget struct{ e *store.Engine }

func (t engineTarget) put(_ context.Context, key, value string) error {
	return t.e.Insert([]byte(key), []byte(value))
}

func (t engineTarget) get(_ context.Context, key string) error {
	_, ok, err := t.e.Get([]byte(key))
	if err == nil && !ok {
		err = errors.Newf("key %q not found", key)
	}
	return err
}

type remoteTarget struct{ c *apihttp.Client }

func (t remoteTarget) put(ctx context.Context, key, value string) error {
	return t.c.Put(ctx, key, value)
}

func (t remoteTarget) get(ctx context.Context, key string) error {
	_, ok, err := t.c.Get(ctx, key)
	if err == nil && !ok {
		err = errors.Newf("key %q not found", key)
	}
	return err
}

func (c *cli) benchCmd() *cobra.Command {
	var ops, concurrency int
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "measure sequential and concurrent writes and reads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			run := func(t benchTarget) error {
				var results []benchResult
				for _, workers := range []int{1, concurrency} {
					results = append(results,
						runBench(cmd.Context(), fmt.Sprintf("writes x%d", workers), ops, workers, func(ctx context.Context, w, i int) error {
							return t.put(ctx, benchKey(w, i), fmt.Sprintf("value_%d_%d_%d", w, i, time.Now().UnixNano()))
						}),
						runBench(cmd.Context(), fmt.Sprintf("reads x%d", workers), ops, workers, func(ctx context.Context, w, i int) error {
							return t.get(ctx, benchKey(w, i))
						}),
					)
				}
				rows := make([][]string, 0, len(results))
				for _, r := range results {
					rows = append(rows, r.row())
				}
				renderTable(c.out, []string{"test", "ops", "failed", "ops/s", "p50", "p99"}, rows)
				return nil
			}

			if c.remote != "" {
				return run(remoteTarget{c: apihttp.NewClient(c.remote)})
			}
			return c.withEngine(func(e *store.Engine) error { return run(engineTarget{e: e}) })
		},
	}
	cmd.Flags().IntVar(&ops, "ops", 1000, "operations per test")
	cmd.Flags().IntVar(&concurrency, "concurrency", 10, "workers of the concurrent tests")
	return cmd
}

func benchKey(worker, i int) string { return fmt.Sprintf("bench_key_%d_%d", worker, i) }

// runBench splits total operations over workers. Reads follow the same key
// layout as writes with the same worker count.
func runBench(ctx context.Context, name string, total, workers int, op func(ctx context.Context, w, i int) error) benchResult {
	var (
		mu  sync.Mutex
		res = benchResult{name: name, ops: total, latencies: make([]time.Duration, 0, total)}
	)
	per, rem := total/workers, total%workers

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		n := per
		if w < rem {
			n++
		}
		g.Go(func() error {
			for i := 0; i < n; i++ {
				opStart := time.Now()
				err := op(ctx, w, i)
				latency := time.Since(opStart)

				mu.Lock()
				if err != nil {
					res.failed++
				}
				res.latencies = append(res.latencies, latency)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	res.duration = time.Since(start)
	return res
}
