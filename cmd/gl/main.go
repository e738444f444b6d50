package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"guardline/internal/audit"
	"guardline/internal/config"
	"guardline/internal/engine"
	"guardline/internal/policy"
	"guardline/internal/progress"
	"guardline/internal/server"
	"guardline/internal/state"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Guardline CLI",
	Long: `Guardline enforces a phase-gated development workflow for coding agents.
Each unit of work moves through six steps: planning -> implementation ->
validation -> review -> refinement -> integration. Before every tool action
the agent asks 'gl decide'; after each action it reports the outcome with
'gl record'; at the end of a turn 'gl tick' advances the step when the
completion evidence is in. Emergency payloads (EMERGENCY:, HOTFIX:, ...)
bypass step restrictions and are counted separately.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GUARDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-agent", "actor identifier")
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(pauseCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(overrideCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Bootstrap a project (state document + config)",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if name == "" {
				abs, err := filepath.Abs(workspace)
				if err != nil {
					return err
				}
				name = filepath.Base(abs)
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(name)), 0o644); err != nil {
					return fmt.Errorf("write default config: %w", err)
				}
				fmt.Println("wrote", cfgPath)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Init(ctx, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (default: workspace dir name)")
	return cmd
}

// toolEvent is the stdin document for decide/record, one per hook call.
type toolEvent struct {
	Action  policy.Action `json:"action"`
	Outcome struct {
		Files          []progress.FileChange `json:"files,omitempty"`
		Command        string                `json:"command,omitempty"`
		CommandClass   string                `json:"command_class,omitempty"`
		ExitCode       *int                  `json:"exit_code,omitempty"`
		PlanArtifact   bool                  `json:"plan_artifact,omitempty"`
		ReviewArtifact bool                  `json:"review_artifact,omitempty"`
	} `json:"outcome"`
}

func decideCmd() *cobra.Command {
	var action policy.Action
	var useStdin bool
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Evaluate a proposed action (pre-stage hook)",
		Long:  "Prints the decision as JSON. Exit code 0 when allowed, 2 when blocked, so hook harnesses can branch on it directly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if useStdin {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				var evt toolEvent
				if err := json.Unmarshal(data, &evt); err != nil {
					return fmt.Errorf("parse tool event: %w", err)
				}
				action = evt.Action
			}
			if action.Category == "" {
				return fmt.Errorf("--category required (or supply a tool event on stdin)")
			}
			var decision policy.Decision
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Decide(ctx, action, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				decision = d
				return nil
			})
			if err != nil {
				return err
			}
			if err := printJSON(decision); err != nil {
				return err
			}
			if !decision.Allow {
				os.Exit(2)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&action.Category, "category", "", "action category (read, search, note-taking, file-write, shell-exec, minor-edit, version-control)")
	cmd.Flags().StringVar(&action.Name, "name", "", "tool name")
	cmd.Flags().StringVar(&action.Payload, "payload", "", "opaque payload, scanned for override markers")
	cmd.Flags().StringVar(&action.Workdir, "workdir", "", "working directory of the action")
	cmd.Flags().BoolVar(&useStdin, "stdin", false, "read the tool event as JSON from stdin")
	return cmd
}

func recordCmd() *cobra.Command {
	var action policy.Action
	var files, createdFiles []string
	var command, commandClass string
	var exitCode int
	var planArtifact, reviewArtifact, useStdin bool
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a completed action's outcome (post-stage hook)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out progress.Outcome
			if useStdin {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				var evt toolEvent
				if err := json.Unmarshal(data, &evt); err != nil {
					return fmt.Errorf("parse tool event: %w", err)
				}
				action = evt.Action
				out = progress.Outcome{
					Files:          evt.Outcome.Files,
					CommandClass:   evt.Outcome.CommandClass,
					ExitCode:       evt.Outcome.ExitCode,
					PlanArtifact:   evt.Outcome.PlanArtifact,
					ReviewArtifact: evt.Outcome.ReviewArtifact,
				}
				command = evt.Outcome.Command
			} else {
				for _, f := range files {
					out.Files = append(out.Files, progress.FileChange{Path: f})
				}
				for _, f := range createdFiles {
					out.Files = append(out.Files, progress.FileChange{Path: f, Created: true})
				}
				out.CommandClass = commandClass
				out.PlanArtifact = planArtifact
				out.ReviewArtifact = reviewArtifact
				if cmd.Flags().Changed("exit-code") {
					out.ExitCode = &exitCode
				}
			}
			if action.Category == "" {
				return fmt.Errorf("--category required (or supply a tool event on stdin)")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if out.CommandClass == "" && command != "" {
					out.CommandClass = progress.ClassifyCommand(command, e.Config.ClassPatterns())
				}
				s, err := e.Record(ctx, action, out, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if s == nil {
					// No state document yet; nothing to record against.
					return printJSON(map[string]any{"recorded": false})
				}
				return printJSONOrIndent(s)
			})
		},
	}
	cmd.Flags().StringVar(&action.Category, "category", "", "action category")
	cmd.Flags().StringVar(&action.Name, "name", "", "tool name")
	cmd.Flags().StringVar(&action.Payload, "payload", "", "opaque payload")
	cmd.Flags().StringArrayVar(&files, "file", []string{}, "modified existing file (repeatable)")
	cmd.Flags().StringArrayVar(&createdFiles, "created-file", []string{}, "newly created file (repeatable)")
	cmd.Flags().StringVar(&command, "command", "", "raw command line, classified via config patterns")
	cmd.Flags().StringVar(&commandClass, "command-class", "", "pre-detected command class")
	cmd.Flags().IntVar(&exitCode, "exit-code", 0, "command exit code")
	cmd.Flags().BoolVar(&planArtifact, "plan-artifact", false, "a structured plan/checklist was produced")
	cmd.Flags().BoolVar(&reviewArtifact, "review-artifact", false, "a review artifact was produced")
	cmd.Flags().BoolVar(&useStdin, "stdin", false, "read the tool event as JSON from stdin")
	return cmd
}

func tickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run the step advancer at a unit-of-work boundary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, s, err := e.Tick(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{"result": res, "state": s})
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workflow position, gates and compliance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				s := view.State
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRow(table.Row{"Project", s.ProjectName})
				tw.AppendRow(table.Row{"Status", s.Status})
				tw.AppendRow(table.Row{"Automation", s.AutomationActive})
				tw.AppendRow(table.Row{"Phase", s.CurrentPhase})
				tw.AppendRow(table.Row{"Step", s.WorkflowStep})
				if s.CurrentObjective != nil {
					tw.AppendRow(table.Row{"Objective", *s.CurrentObjective})
				}
				tw.AppendRow(table.Row{"Gates passed", strings.Join(s.GatesPassed, ", ")})
				tw.AppendRow(table.Row{"Evidence", strings.Join(s.Evidence, ", ")})
				tw.AppendRow(table.Row{"Completed phases", strings.Join(s.CompletedPhases, ", ")})
				tw.AppendRow(table.Row{"Cycles", s.AutomationCycles})
				tw.AppendRow(table.Row{"Compliance", fmt.Sprintf("%d%%", view.Compliance)})
				tw.AppendRow(table.Row{"Allowed/Blocked", fmt.Sprintf("%d/%d", s.Metrics.ToolsAllowed, s.Metrics.ToolsBlocked)})
				tw.AppendRow(table.Row{"Overrides/Violations", fmt.Sprintf("%d/%d", s.Metrics.EmergencyOverrides, s.Metrics.WorkflowViolations)})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func lifecycleCmd(use, short, target string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SetStatus(ctx, target, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(s)
			})
		},
	}
}

func startCmd() *cobra.Command {
	return lifecycleCmd("start", "Activate workflow enforcement", state.StatusActive)
}

func pauseCmd() *cobra.Command {
	return lifecycleCmd("pause", "Pause workflow enforcement", state.StatusPaused)
}

func resumeCmd() *cobra.Command {
	return lifecycleCmd("resume", "Resume workflow enforcement", state.StatusActive)
}

func stopCmd() *cobra.Command {
	return lifecycleCmd("stop", "Stop the project (terminal)", state.StatusStopped)
}

func overrideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Manual overrides",
	}
	step := &cobra.Command{
		Use:   "step <step>",
		Short: "Force-set the workflow step (resets gates and evidence)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.OverrideStep(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(s)
			})
		},
	}
	cmd.AddCommand(step)
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect project config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrIndent(e.Config)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate guardline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = c.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit log of decisions, gates and advancement",
	}
	var n int
	var evtType, entityKind string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := audit.Latest(ctx, e.DB, n, evtType, entityKind)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					entity := evt.EntityKind
					if evt.EntityID != "" {
						entity += "/" + evt.EntityID
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, entity, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	log.AddCommand(tail)
	return log
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, raw, err := audit.CreateAPIKey(ctx, e.DB, actor, name, time.Now())
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{"key": raw, "record": rec})
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as")
	create.Flags().StringVar(&name, "key-name", "", "human-readable key name")
	cmd.AddCommand(create)
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("GUARDLINE_JWT_SECRET")}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Guardline API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	log := newLogger()
	defer log.Sync()
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace, filepath.Base(abs))
	if err != nil {
		return err
	}
	db, err := audit.Open(workspace)
	if err != nil {
		return err
	}
	defer db.Close()
	store := state.NewStore(workspace, log)
	e := engine.New(store, cfg, db, log)
	return fn(ctx, e)
}

func newLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if viper.GetBool("verbose") {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func printJSONOrIndent(v any) error {
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
