package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/errors"
	"github.com/hpungsan/nudge/internal/ops"
	"github.com/hpungsan/nudge/internal/prefetch"
	"github.com/hpungsan/nudge/internal/watch"
	"github.com/hpungsan/nudge/internal/web"
)

// stdout is where command output goes; tests swap it.
var stdout io.Writer = os.Stdout

// newCLIApp creates the CLI application with all commands. rt may be nil
// when only help or version output is needed.
func newCLIApp(rt *runtime) *cli.App {
	app := &cli.App{
		Name:    "nudge",
		Usage:   "Advisory decision pipeline for coding agents",
		Version: Version,
		Commands: []*cli.Command{
			adviseCmd(rt),
			feedbackCmd(rt),
			invalidateCmd(rt),
			packetsCmd(rt),
			exportCmd(rt),
			importCmd(rt),
			purgeCmd(rt),
			trustCmd(rt),
			serveCmd(rt),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// adviseCmd creates the advise command.
func adviseCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "advise",
		Usage: "Decide what to say before a tool call (flags, or a JSON tool context on stdin)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Session identifier"},
			&cli.StringFlag{Name: "tool", Aliases: []string{"t"}, Usage: "Tool about to run"},
			&cli.StringFlag{Name: "phase", Usage: "exploration|execution (inferred when empty)"},
			&cli.StringFlag{Name: "intent", Aliases: []string{"i"}, Usage: "What the call is for"},
			&cli.StringSliceFlag{Name: "file", Aliases: []string{"f"}, Usage: "File the call touches (repeatable)"},
			&cli.StringFlag{Name: "tags", Usage: "Comma-separated context tags"},
			&cli.BoolFlag{Name: "text", Usage: "Print only the advisory text"},
		},
		Action: func(c *cli.Context) error {
			var tc *advice.ToolContext
			if !c.IsSet("tool") && stdinHasData() {
				data, err := readStdin()
				if err != nil {
					return outputError(errors.NewInternal(err))
				}
				var in advice.ToolContext
				if err := json.Unmarshal([]byte(data), &in); err == nil {
					tc = &in
				}
			} else {
				tc = &advice.ToolContext{
					SessionID: c.String("session"),
					Tool:      c.String("tool"),
					Phase:     advice.Phase(c.String("phase")),
					Intent:    c.String("intent"),
					FileHints: c.StringSlice("file"),
					Tags:      parseTags(c.String("tags")),
				}
			}

			a := rt.pipe.Advise(c.Context, tc)
			if c.Bool("text") {
				if a.Text != "" {
					_, err := fmt.Fprintln(stdout, a.Text)
					return err
				}
				return nil
			}
			return outputJSON(a)
		},
	}
}

// feedbackCmd creates the feedback command.
func feedbackCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:      "feedback",
		Usage:     "Report the outcome of a shown advisory",
		ArgsUsage: "<trace_id> <helpful|unhelpful|ignored|followed>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return outputError(errors.NewInvalidRequest("expected <trace_id> <result>"))
			}
			output, err := ops.Feedback(c.Context, rt.pipe, ops.FeedbackInput{
				TraceID: c.Args().Get(0),
				Result:  c.Args().Get(1),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// invalidateCmd creates the invalidate command.
func invalidateCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:      "invalidate",
		Usage:     "Drop cached packets that mention a changed file",
		ArgsUsage: "<file>",
		Action: func(c *cli.Context) error {
			output, err := ops.Invalidate(c.Context, rt.pipe, ops.InvalidateInput{File: c.Args().First()})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// packetsCmd creates the packets command.
func packetsCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "packets",
		Usage: "List live advisory packets, most effective first",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultListLimit, Usage: "Max items"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Usage: "Items to skip"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.ListPackets(c.Context, rt.cache, ops.PacketsInput{
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// exportCmd creates the export command.
func exportCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export emission events to a JSONL file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Export file path (default: ~/.nudge/exports/...)"},
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Only events of this session"},
			&cli.StringFlag{Name: "since", Usage: "Only events at or after this RFC 3339 time"},
		},
		Action: func(c *cli.Context) error {
			input := ops.ExportInput{
				Path:      c.String("path"),
				SessionID: c.String("session"),
			}
			if since := c.String("since"); since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return outputError(errors.NewInvalidRequest("since must be an RFC 3339 time"))
				}
				input.Since = t
			}

			output, err := ops.Export(c.Context, rt.db, rt.cfg, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// importCmd creates the import command.
func importCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Import advice candidates from a JSONL file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Required: true, Usage: "Import file path"},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: "error", Usage: "Collision mode: error|replace|skip"},
			&cli.StringFlag{Name: "source", Usage: "Source for records without one (default insight)"},
		},
		Action: func(c *cli.Context) error {
			input := ops.ImportInput{
				Path: c.String("path"),
				Mode: ops.ImportMode(c.String("mode")),
			}
			if s := c.String("source"); s != "" {
				src, err := advice.ParseSource(s)
				if err != nil {
					return outputError(errors.NewInvalidRequest(err.Error()))
				}
				input.Source = src
			}

			output, err := ops.Import(c.Context, rt.db, rt.cfg, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// purgeCmd creates the purge command.
func purgeCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "Delete expired packets and, optionally, old emission events",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "older-than", Usage: "Also delete events older than N days (e.g., 30d)"},
			&cli.BoolFlag{Name: "all-packets", Usage: "Clear every packet, not only expired ones"},
		},
		Action: func(c *cli.Context) error {
			input := ops.PurgeInput{AllPackets: c.Bool("all-packets")}
			if olderThan := c.String("older-than"); olderThan != "" {
				days, err := parseDuration(olderThan)
				if err != nil {
					return outputError(errors.NewInvalidRequest(err.Error()))
				}
				input.OlderThanDays = &days
			}

			output, err := ops.Purge(c.Context, rt.db, rt.cache, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// trustCmd creates the trust command.
func trustCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "trust",
		Usage: "Show per-source trust multipliers",
		Action: func(c *cli.Context) error {
			return outputJSON(ops.Trust(rt.trust))
		},
		Subcommands: []*cli.Command{
			{
				Name:  "reset",
				Usage: "Forget learned trust",
				Action: func(c *cli.Context) error {
					output, err := ops.ResetTrust(c.Context, rt.trust)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(output)
				},
			},
		},
	}
}

// serveCmd creates the serve command.
func serveCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP hook endpoint with the file watcher and prefetcher",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Bind address"},
			&cli.IntFlag{Name: "port", Value: 7878, Usage: "Listen port"},
			&cli.StringFlag{Name: "root", Value: ".", Usage: "Repository root to watch for edits"},
			&cli.BoolFlag{Name: "no-watch", Usage: "Disable the file watcher"},
		},
		Action: func(c *cli.Context) error {
			logger := rt.logger
			g, ctx := errgroup.WithContext(c.Context)

			if !rt.cfg.DisablePrefetch {
				worker := prefetch.New(rt.pipe, rt.cache, rt.cfg.PrefetchPerSecond, 0, logger.Named("prefetch"))
				rt.pipe.SetPrefetcher(worker)
				g.Go(func() error {
					worker.Run(ctx)
					return nil
				})
			}

			if !c.Bool("no-watch") {
				w, err := watch.New(c.String("root"), rt.pipe, rt.cfg.WatchIgnore, logger.Named("watch"))
				if err != nil {
					return outputError(errors.NewInternal(fmt.Errorf("start file watcher: %w", err)))
				}
				g.Go(func() error { return w.Run(ctx) })
			}

			if rt.snap != nil {
				interval := time.Duration(rt.cfg.SnapshotIntervalSeconds) * time.Second
				g.Go(func() error {
					rt.snap.Run(ctx, interval)
					return nil
				})
			}
			g.Go(func() error {
				rt.sweepSessions(ctx)
				return nil
			})

			srv := web.NewServer(rt.webDeps(), Version, c.String("bind"), c.Int("port"))
			g.Go(func() error { return web.Run(ctx, srv, logger.Named("web")) })

			if err := g.Wait(); err != nil {
				logger.Error("serve stopped", zap.Error(err))
				return outputError(err)
			}
			return nil
		},
	}
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if nErr, ok := err.(*errors.NudgeError); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", nErr.Code, nErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads all content from stdin.
func readStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// parseTags splits a comma-separated string into a slice of tags.
func parseTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// parseDuration parses "7d" format to days.
func parseDuration(s string) (int, error) {
	if numStr, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(numStr)
		if err != nil {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		if days < 0 {
			return 0, fmt.Errorf("duration must be non-negative")
		}
		return days, nil
	}
	return 0, fmt.Errorf("duration must end with 'd' (days), e.g., 7d")
}
