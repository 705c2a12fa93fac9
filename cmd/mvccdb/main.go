// Command mvccdb runs the storage engine as an HTTP server and offers
// commands to read, write and inspect a database, either by opening its
// directory or through a running server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	apihttp "mvccdb/internal/http"
	"mvccdb/pkg/config"
	"mvccdb/pkg/db"
	"mvccdb/pkg/manifest"
	"mvccdb/pkg/store"
)

type cli struct {
	configPath string
	dir        string
	remote     string

	cfg    config.Config
	logger *slog.Logger
	out    io.Writer
}

func main() {
	c := &cli{out: os.Stdout}
	if err := c.root().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (c *cli) root() *cobra.Command {
	root := &cobra.Command{
		Use:           "mvccdb",
		Short:         "MVCC key-value storage engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := initConfig(c.configPath)
			if err != nil {
				return err
			}
			if c.dir != "" {
				cfg.DB.Path = c.dir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			c.cfg = cfg
			c.logger, err = initLogger(&c.cfg)
			return err
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "config.yaml", "path to the YAML config")
	root.PersistentFlags().StringVar(&c.dir, "dir", "", "database directory (overrides db.path)")
	root.PersistentFlags().StringVar(&c.remote, "remote", "", "server URL; when set commands go through the HTTP API")

	root.AddCommand(
		c.serveCmd(),
		c.getCmd(),
		c.putCmd(),
		c.deleteCmd(),
		c.scanCmd(),
		c.flushCmd(),
		c.compactCmd(),
		c.levelsCmd(),
		c.manifestCmd(),
		c.benchCmd(),
	)
	return root
}

func (c *cli) openEngine() (*store.Engine, error) {
	return store.Open(c.cfg.DB.Path, store.WithConfig(c.cfg.DB), store.WithLogger(c.logger))
}

// withEngine opens the database for the duration of fn.
func (c *cli) withEngine(fn func(*store.Engine) error) error {
	e, err := c.openEngine()
	if err != nil {
		return err
	}
	return errors.CombineErrors(fn(e), e.Close())
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return c.withEngine(func(e *store.Engine) error {
				srv := apihttp.NewServer(e, strconv.Itoa(c.cfg.Server.Port), c.logger)
				srv.SetReadHeaderTimeout(c.cfg.Server.ReadHeaderTimeout)
				if err := srv.Start(); err != nil {
					return err
				}
				c.logger.Info("mvccdb serving", "dir", e.Dir(), "db_id", e.DBID(), "url", srv.URL)

				<-ctx.Done()
				c.logger.Info("shutting down")
				return srv.Stop()
			})
		},
	}
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "print the value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				value string
				found bool
			)
			if c.remote != "" {
				v, ok, err := apihttp.NewClient(c.remote).Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				value, found = v, ok
			} else {
				err := c.withEngine(func(e *store.Engine) error {
					v, ok, err := e.Get([]byte(args[0]))
					value, found = string(v), ok
					return err
				})
				if err != nil {
					return err
				}
			}
			if !found {
				return errors.Newf("key %q not found", args[0])
			}
			fmt.Fprintln(c.out, value)
			return nil
		},
	}
}

func (c *cli) putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "write a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.remote != "" {
				return apihttp.NewClient(c.remote).Put(cmd.Context(), args[0], args[1])
			}
			return c.withEngine(func(e *store.Engine) error {
				return e.Insert([]byte(args[0]), []byte(args[1]))
			})
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.remote != "" {
				return apihttp.NewClient(c.remote).Delete(cmd.Context(), args[0])
			}
			return c.withEngine(func(e *store.Engine) error {
				return e.Remove([]byte(args[0]))
			})
		},
	}
}

func (c *cli) scanCmd() *cobra.Command {
	var (
		start, end string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "print the keys in [start, end)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var rows [][]string
			if c.remote != "" {
				items, err := apihttp.NewClient(c.remote).Scan(cmd.Context(), start, end, limit)
				if err != nil {
					return err
				}
				for _, it := range items {
					rows = append(rows, []string{it.Key, it.Value})
				}
			} else {
				var lower, upper []byte
				if start != "" {
					lower = []byte(start)
				}
				if end != "" {
					upper = []byte(end)
				}
				err := c.withEngine(func(e *store.Engine) error {
					return db.SearchRange(cmd.Context(), e, lower, upper, db.SearchOptions{Limit: limit}, func(r db.SearchResult) error {
						rows = append(rows, []string{string(r.Key), string(r.Value)})
						return nil
					})
				})
				if err != nil {
					return err
				}
			}
			renderTable(c.out, []string{"key", "value"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "inclusive lower bound")
	cmd.Flags().StringVar(&end, "end", "", "exclusive upper bound")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of keys")
	return cmd
}

func (c *cli) flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "write memtables to level 0",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.remote != "" {
				return apihttp.NewClient(c.remote).Flush(cmd.Context())
			}
			return c.withEngine(func(e *store.Engine) error { return e.Flush(cmd.Context()) })
		},
	}
}

func (c *cli) compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "flush and compact every level",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start := time.Now()
			var err error
			if c.remote != "" {
				err = apihttp.NewClient(c.remote).Compact(cmd.Context())
			} else {
				err = c.withEngine(func(e *store.Engine) error { return e.Compact(cmd.Context()) })
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "compacted in %s\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func (c *cli) levelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "levels",
		Short: "print per-level table counts, sizes and scores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var levels []store.LevelStat
			var err error
			if c.remote != "" {
				levels, err = apihttp.NewClient(c.remote).Levels(cmd.Context())
			} else {
				err = c.withEngine(func(e *store.Engine) error {
					levels, err = e.LevelStats()
					return err
				})
			}
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(levels))
			for _, l := range levels {
				rows = append(rows, []string{
					strconv.Itoa(l.Level),
					strconv.Itoa(l.Tables),
					units.BytesSize(float64(l.Bytes)),
					strconv.FormatFloat(l.Score, 'f', 2, 64),
				})
			}
			renderTable(c.out, []string{"level", "tables", "size", "score"}, rows)
			return nil
		},
	}
}

func (c *cli) manifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manifest",
		Short: "print the manifest edits of a closed database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			edits, err := manifest.ReadEdits(c.cfg.DB.Path)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(edits))
			for i, e := range edits {
				var added, removed []string
				for _, t := range e.Added {
					added = append(added, fmt.Sprintf("%d@L%d", t.ID, t.Level))
				}
				for _, id := range e.Removed {
					removed = append(removed, strconv.FormatUint(id, 10))
				}
				rows = append(rows, []string{
					strconv.Itoa(i),
					string(e.Kind),
					fmt.Sprint(added),
					fmt.Sprint(removed),
					strconv.FormatUint(e.LogNumber, 10),
					strconv.FormatUint(e.LastTimestamp, 10),
					e.Time.Format(time.RFC3339),
				})
			}
			renderTable(c.out, []string{"#", "kind", "added", "removed", "log", "last ts", "time"}, rows)
			return nil
		},
	}
}

func renderTable(w io.Writer, headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "(empty)")
		return
	}
	tb := tablewriter.NewWriter(w)
	tb.SetHeader(headers)
	tb.AppendBulk(rows)
	tb.Render()
}
