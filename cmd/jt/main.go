package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobtrace/internal/app"
	"jobtrace/internal/config"
	"jobtrace/internal/db"
	"jobtrace/internal/domain"
	"jobtrace/internal/events"
	"jobtrace/internal/pipeline"
	"jobtrace/internal/replay"
	"jobtrace/internal/server"
	"jobtrace/internal/snapshot"
)

// Exit codes. Callers branch on the class, not the message.
const (
	exitOK       = 0
	exitRuntime  = 1
	exitMismatch = 2
	exitPartial  = 3
)

// exitError carries a specific process exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "jt",
	Short: "jobtrace CLI",
	Long: `jobtrace turns fetched job postings into ranked listings and proves every
run can be reproduced from its recorded inputs. Runs live under a
per-candidate directory tree; the sqlite index next to it is a pure
cache and can be rebuilt at any time with 'jt index rebuild'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitRuntime)
	}
}

func initConfig() {
	viper.SetEnvPrefix("JOBTRACE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("candidate", "", "candidate namespace (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("candidate", rootCmd.PersistentFlags().Lookup("candidate"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(guardCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(logCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default jobtrace.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			return os.WriteFile(path, []byte(config.GenerateDefault()), 0o644)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func runCmd() *cobra.Command {
	var failAt string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one pipeline run",
		Long: `Executes fetch, classify, score and publish for one candidate, then
finalizes the run's terminal artifact set and updates the index.
Exit codes: 0 success, 3 partial (some provider unavailable), 1 error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				eng := &pipeline.Engine{
					Repo:      rt.Repo,
					Index:     rt.Index,
					Events:    rt.Events,
					Config:    rt.Config,
					Guard:     rt.Guard,
					Workspace: rt.Workspace,
					FailPoint: failAt,
				}
				run, err := eng.Execute(cmd.Context(), viper.GetString("candidate"))
				if perr := printJSONOrTable(run); perr != nil {
					return perr
				}
				if err != nil {
					return &exitError{code: exitRuntime, err: err}
				}
				if run.Status == domain.RunStatusPartial {
					return &exitError{code: exitPartial, err: fmt.Errorf("run %s finished partial: a configured provider was unavailable", run.ID)}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&failAt, "fail-at", "", "force a failure at the named stage (testing)")
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect run history"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs for a candidate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				rows, err := rt.Repo.ListRuns(cmd.Context(), candidateOrDefault(rt), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"RUN", "STATUS", "STARTED", "ARTIFACTS", "LISTINGS"})
				for _, r := range rows {
					t.AppendRow(table.Row{r.RunID, r.Status, r.StartedAt, r.ArtifactCount, r.ListingCount})
				}
				t.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	runs.AddCommand(list)

	var runID string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show one run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run-id required")
			}
			return withRuntime(func(rt *app.Runtime) error {
				row, err := rt.Repo.GetRun(cmd.Context(), candidateOrDefault(rt), runID)
				if err != nil {
					return err
				}
				return printJSONOrTable(row)
			})
		},
	}
	show.Flags().StringVar(&runID, "run-id", "", "run id")
	_ = show.MarkFlagRequired("run-id")
	runs.AddCommand(show)
	return runs
}

func artifactCmd() *cobra.Command {
	art := &cobra.Command{Use: "artifact", Short: "Access run artifacts"}
	var runID, key string
	get := &cobra.Command{
		Use:   "get",
		Short: "Print one artifact by logical key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" || key == "" {
				return fmt.Errorf("--run-id and --key required")
			}
			return withRuntime(func(rt *app.Runtime) error {
				path, err := rt.Repo.ResolveArtifactPath(candidateOrDefault(rt), runID, key+".json")
				if err != nil {
					return err
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(data)
				return err
			})
		},
	}
	get.Flags().StringVar(&runID, "run-id", "", "run id")
	get.Flags().StringVar(&key, "key", "", "logical artifact key")
	art.AddCommand(get)
	return art
}

func indexCmd() *cobra.Command {
	ix := &cobra.Command{Use: "index", Short: "Manage the run index cache"}
	ix.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the index from the artifact tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				if rt.Index == nil {
					return fmt.Errorf("index database unavailable at %s", db.Path(rt.Workspace))
				}
				n, err := rt.Index.Rebuild(cmd.Context())
				if err != nil {
					return err
				}
				_ = rt.Events.Append(cmd.Context(), events.TypeIndexRebuild, "", "", events.EventPayload{"rows": n})
				fmt.Printf("rebuilt %d rows\n", n)
				return nil
			})
		},
	})
	return ix
}

func guardCmd() *cobra.Command {
	g := &cobra.Command{Use: "guard", Short: "Pinned snapshot fixtures"}
	g.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify pinned fixtures against their recorded digests",
		Long:  `Exit codes: 0 all pins match, 2 digest mismatch or missing fixture, 1 runtime error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				results, err := rt.Guard.Verify()
				if perr := printJSONOrTable(results); perr != nil {
					return perr
				}
				_ = rt.Events.Append(cmd.Context(), events.TypeGuardVerify, "", "", events.EventPayload{"ok": err == nil})
				if err != nil {
					return &exitError{code: exitMismatch, err: err}
				}
				return nil
			})
		},
	})
	var providerID, file string
	pin := &cobra.Command{
		Use:   "pin",
		Short: "Pin a fixture's current digest",
		RunE: func(cmd *cobra.Command, args []string) error {
			if providerID == "" || file == "" {
				return fmt.Errorf("--provider and --file required")
			}
			return withRuntime(func(rt *app.Runtime) error {
				p, err := snapshot.Pin(rt.Workspace, providerID, file)
				if err != nil {
					return err
				}
				pins := append([]domain.SnapshotPin{}, rt.Guard.Pins...)
				replaced := false
				for i := range pins {
					if pins[i].ProviderID == providerID {
						pins[i] = p
						replaced = true
					}
				}
				if !replaced {
					pins = append(pins, p)
				}
				if err := snapshot.Write(rt.Config.SnapshotsPath(rt.Workspace), pins); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	pin.Flags().StringVar(&providerID, "provider", "", "provider id")
	pin.Flags().StringVar(&file, "file", "", "fixture path (relative to workspace)")
	g.AddCommand(pin)
	return g
}

func replayCmd() *cobra.Command {
	var runID, against string
	var strict, driftTolerant bool
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-derive a run from recorded inputs and diff digests",
		Long: `Re-derives a finalized run's outputs from its recorded inputs and
compares digests against the manifest. With --against, compares two
finalized runs instead; --drift-tolerant (or --strict=false) ignores
allow-listed environment-variant fields but never score or ordering
differences.
Exit codes: 0 full match, 2 mismatch or missing input, 1 runtime error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run-id required")
			}
			if !strict {
				driftTolerant = true
			}
			if driftTolerant && against == "" {
				return fmt.Errorf("drift tolerance requires --against; self-replay is always strict")
			}
			return withRuntime(func(rt *app.Runtime) error {
				candidate := candidateOrDefault(rt)
				var report replay.Report
				var err error
				if against != "" {
					dirA, derr := rt.Repo.ResolveRunDir(candidate, runID)
					if derr != nil {
						return derr
					}
					dirB, derr := rt.Repo.ResolveRunDir(candidate, against)
					if derr != nil {
						return derr
					}
					report, err = replay.CompareRuns(dirA, dirB, driftTolerant)
				} else {
					v := &replay.Verifier{Repo: rt.Repo, Config: rt.Config}
					report, err = v.Verify(cmd.Context(), candidate, runID)
				}
				if perr := printReplayReport(report); perr != nil {
					return perr
				}
				_ = rt.Events.Append(cmd.Context(), events.TypeReplayVerify, candidate, runID, events.EventPayload{"pass": report.Pass})
				if errors.Is(err, replay.ErrMismatch) || errors.Is(err, replay.ErrMissingInput) {
					return &exitError{code: exitMismatch, err: err}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().StringVar(&against, "against", "", "second run id to compare against")
	cmd.Flags().BoolVar(&strict, "strict", true, "require byte-identical payloads; --strict=false implies --drift-tolerant")
	cmd.Flags().BoolVar(&driftTolerant, "drift-tolerant", false, "ignore allow-listed environment-variant fields (with --against)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				handler, err := server.New(server.Config{
					Repo:      rt.Repo,
					AppConfig: rt.Config,
					BasePath:  basePath,
					Auth:      server.AuthConfig{JWTSecret: os.Getenv("JOBTRACE_JWT_SECRET")},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-cmd.Context().Done()
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(ctx)
				}()
				fmt.Printf("Serving jobtrace read API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				if rt.DB == nil {
					return fmt.Errorf("event log unavailable: no index database")
				}
				evts, err := rt.Events.Latest(cmd.Context(), n, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(evts)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	lg.AddCommand(tail)
	return lg
}

// --- helpers ---

func withRuntime(fn func(*app.Runtime) error) error {
	rt, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func candidateOrDefault(rt *app.Runtime) string {
	if c := viper.GetString("candidate"); c != "" {
		return c
	}
	if rt.Config != nil && rt.Config.Candidate != "" {
		return rt.Config.Candidate
	}
	return domain.DefaultCandidate
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReplayReport(report replay.Report) error {
	if viper.GetBool("json") {
		return printJSON(report)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ARTIFACT", "EXPECTED", "ACTUAL", "MATCH", "DETAIL"})
	for _, r := range report.Results {
		t.AppendRow(table.Row{r.Key, short(r.Expected), short(r.Actual), r.Match, r.Detail})
	}
	t.Render()
	if report.Pass {
		fmt.Println("PASS")
	} else {
		fmt.Println("FAIL")
	}
	return nil
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
