package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"baton/internal/app"
	"baton/internal/config"
	"baton/internal/db"
	"baton/internal/domain"
	"baton/internal/engine"
	"baton/internal/migrate"
	"baton/internal/repo"
	"baton/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "baton",
	Short: "Baton CLI",
	Long: `Baton guides coding agents through multi-step workflows.
Core concepts:
- Workspace: the .baton directory holding the database; configuration lives in baton.yml.
- Roles: hats an agent wears (planner, implementer, reviewer, ...). Each role covers
  certain step actions and names the quality gates that must be satisfied before
  handing off to the next role.
- Workflows: ordered steps, each tagged with an action (create, modify, validate,
  test, document, analyze) and optionally a content template.
- Executions: one run of a workflow. 'baton run advance' processes every step the
  current role covers, evaluates quality rules against the produced content, and
  transitions to the next role once the gates are met.
- Quality rules: regex checks. Lint rules fail when the pattern appears; require
  rules fail when it does not. Passing rules satisfy their gate.
- Event log: append-only diary of everything that happened, view with 'baton log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("BATON")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("engine", "", "engine id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("engine", rootCmd.PersistentFlags().Lookup("engine"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
				engineID := viper.GetString("engine")
				if engineID == "" {
					engineID = "default"
				}
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(engineID)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SeedDefinitions(ctx); err != nil {
					return err
				}
				fmt.Printf("Workspace ready (engine %s, %d roles, %d rules)\n",
					e.Config.Engine.ID, len(e.Config.Roles), len(e.Config.Rules))
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage engine config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show active engine config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				data, err := yaml.Marshal(e.Config)
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import engine config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			engineID := cfg.Engine.ID
			if engineID == "" {
				engineID = "default"
				cfg.Engine.ID = engineID
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertEngineConfig(ctx, engineID, cfg); err != nil {
					return err
				}
				e, err := engine.New(r.DB, cfg)
				if err != nil {
					return err
				}
				if err := e.SeedDefinitions(ctx); err != nil {
					return err
				}
				return printDetail(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func roleCmd() *cobra.Command {
	role := &cobra.Command{
		Use:   "role",
		Short: "Inspect roles",
		Long:  "Roles define what an agent may do and which quality gates guard the handoff to the next role.",
	}
	role.AddCommand(roleListCmd())
	role.AddCommand(roleShowCmd())
	role.AddCommand(roleGraphCmd())
	return role
}

func roleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles := e.Registry.Roles()
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Capabilities", "Gates", "Next"})
				for _, r := range roles {
					tw.AppendRow(table.Row{
						r.ID, r.Name,
						strings.Join(r.Capabilities, ","),
						strings.Join(r.QualityGates, ","),
						strings.Join(r.NextRoles, ","),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func roleShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <role-id>",
		Short: "Show a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				role, ok := e.Registry.Role(args[0])
				if !ok {
					return fmt.Errorf("role %s not found", args[0])
				}
				return printDetail(role)
			})
		},
	}
	return cmd
}

func roleGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the role transition graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				for _, r := range e.Registry.Roles() {
					if r.Terminal() {
						fmt.Printf("%s (terminal)\n", r.ID)
						continue
					}
					fmt.Printf("%s -> %s\n", r.ID, strings.Join(r.NextRoles, ", "))
					for _, g := range r.QualityGates {
						fmt.Printf("  gate: %s\n", g)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

// workflowFile is the YAML shape accepted by 'baton workflow import'.
type workflowFile struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description"`
	QualityChecks []string `yaml:"quality_checks"`
	Steps         []struct {
		ID       string   `yaml:"id"`
		Name     string   `yaml:"name"`
		Action   string   `yaml:"action"`
		Template string   `yaml:"template"`
		Rules    []string `yaml:"rules"`
		Order    int      `yaml:"order"`
	} `yaml:"steps"`
}

func (f workflowFile) domain() domain.Workflow {
	wf := domain.Workflow{
		ID:            f.ID,
		Name:          f.Name,
		Description:   f.Description,
		QualityChecks: f.QualityChecks,
	}
	for i, s := range f.Steps {
		order := s.Order
		if order == 0 {
			order = i + 1
		}
		wf.Steps = append(wf.Steps, domain.Step{
			ID:         s.ID,
			Name:       s.Name,
			Action:     domain.ActionKind(s.Action),
			TemplateID: s.Template,
			RuleIDs:    s.Rules,
			Order:      order,
		})
	}
	return wf
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage workflows"}
	wf.AddCommand(workflowImportCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowDeleteCmd())
	return wf
}

func workflowImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a workflow from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var f workflowFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				return fmt.Errorf("parse workflow: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.ImportWorkflow(ctx, f.domain(), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printDetail(wf)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to workflow YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func workflowListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkflows(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Steps", "Created"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Name, len(w.Steps), w.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.Repo.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printDetail(wf)
			})
		},
	}
	return cmd
}

func workflowDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <workflow-id>",
		Short: "Delete a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteWorkflow(ctx, args[0])
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Manage executions",
		Long:  "An execution is one run of a workflow. 'run advance' drives the current role: it executes the covered steps, checks quality rules, and hands off when the gates are satisfied.",
	}
	run.AddCommand(runStartCmd())
	run.AddCommand(runAdvanceCmd())
	run.AddCommand(runStatusCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runStepsCmd())
	run.AddCommand(runTransitionsCmd())
	run.AddCommand(runTransitionCmd())
	run.AddCommand(runPauseCmd())
	run.AddCommand(runResumeCmd())
	run.AddCommand(runCompleteCmd())
	run.AddCommand(runFailCmd())
	run.AddCommand(runMetricsCmd())
	return run
}

func runStartCmd() *cobra.Command {
	var opts engine.CreateExecutionOptions
	var vars []string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Variables = map[string]string{}
			for _, kv := range vars {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --var %q, expected key=value", kv)
				}
				opts.Variables[k] = v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.CreateExecution(ctx, opts)
				if err != nil {
					return err
				}
				return printDetail(exec)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "execution id (optional)")
	cmd.Flags().StringVar(&opts.WorkflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&opts.Role, "role", "", "initial role (defaults from agent profile)")
	cmd.Flags().StringVar(&opts.AgentProfile, "agent", "", "agent profile to pick the initial role")
	cmd.Flags().StringArrayVar(&vars, "var", []string{}, "context variable key=value (repeatable)")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func runAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <execution-id>",
		Short: "Process the current role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ProcessRole(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				for _, s := range res.Steps {
					marker := "ok"
					if s.Status != domain.StepCompleted {
						marker = "FAILED"
					}
					fmt.Printf("step %-24s %s\n", s.StepID, marker)
					for _, c := range s.QualityChecks {
						fmt.Printf("  check %-20s %s  %s\n", c.RuleID, c.Status, c.Message)
					}
				}
				switch {
				case res.Completed:
					fmt.Println("execution completed")
				case res.Transitioned:
					fmt.Printf("handed off to role %s\n", res.CurrentRole)
				case res.Blocked != "":
					fmt.Printf("blocked: %s\n", res.Blocked)
				}
				for _, msg := range res.Errors {
					fmt.Println("error:", msg)
				}
				for _, s := range res.Suggestions {
					fmt.Println("suggestion:", s)
				}
				return nil
			})
		},
	}
	return cmd
}

func runStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.Repo.GetExecution(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(exec)
				}
				fmt.Printf("Execution: %s (%s)\n", exec.ID, exec.Status)
				fmt.Printf("Workflow:  %s\n", exec.WorkflowID)
				fmt.Printf("Role:      %s\n", exec.CurrentRole)
				fmt.Printf("Completed: %s\n", strings.Join(exec.CompletedSteps, ", "))
				if len(exec.Context.QualityGates) > 0 {
					fmt.Printf("Gates:     %s\n", strings.Join(exec.Context.QualityGates, ", "))
				}
				if exec.Context.PauseReason != "" {
					fmt.Printf("Paused:    %s\n", exec.Context.PauseReason)
				}
				if exec.Context.FailureReason != "" {
					fmt.Printf("Failure:   %s\n", exec.Context.FailureReason)
				}
				return nil
			})
		},
	}
	return cmd
}

func runListCmd() *cobra.Command {
	var f repo.ExecutionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListExecutions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Workflow", "Role", "Status", "Steps", "Updated"})
				for _, x := range items {
					tw.AppendRow(table.Row{x.ID, x.WorkflowID, x.CurrentRole, x.Status, len(x.CompletedSteps), x.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkflowID, "workflow", "", "workflow filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func runStepsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps <execution-id>",
		Short: "List step executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListStepExecutions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Step", "Role", "Status", "Checks", "Error"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.StepID, s.RoleID, s.Status, len(s.QualityChecks), s.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func runTransitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transitions <execution-id>",
		Short: "Show role transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRoleTransitions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, t := range items {
					fmt.Printf("%s  %s -> %s", t.TS, t.FromRole, t.ToRole)
					if t.HandoffNotes != "" {
						fmt.Printf("  (%s)", t.HandoffNotes)
					}
					fmt.Println()
				}
				return nil
			})
		},
	}
	return cmd
}

func runTransitionCmd() *cobra.Command {
	var toRole, notes, rationale string
	var decisions []string
	cmd := &cobra.Command{
		Use:   "transition <execution-id>",
		Short: "Transition an execution to another role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if toRole == "" {
				return fmt.Errorf("--to required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.Repo.GetExecution(ctx, args[0])
				if err != nil {
					return err
				}
				check := e.Registry.ValidateRoleTransition(exec, toRole)
				if !check.Valid {
					if len(check.MissingGates) > 0 {
						return fmt.Errorf("%s: missing gates %s", check.Reason, strings.Join(check.MissingGates, ", "))
					}
					return fmt.Errorf("%s", check.Reason)
				}
				exec, err = e.TransitionRole(ctx, args[0], toRole, notes, decisions, rationale, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printDetail(exec)
			})
		},
	}
	cmd.Flags().StringVar(&toRole, "to", "", "target role id")
	cmd.Flags().StringVar(&notes, "notes", "", "handoff notes")
	cmd.Flags().StringArrayVar(&decisions, "decision", []string{}, "decision made during this role (repeatable)")
	cmd.Flags().StringVar(&rationale, "rationale", "", "rationale for the handoff")
	return cmd
}

func runPauseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause <execution-id>",
		Short: "Pause an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.PauseExecution(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printDetail(exec)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the execution is paused")
	return cmd
}

func runResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Resume a paused execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.ResumeExecution(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printDetail(exec)
			})
		},
	}
	return cmd
}

func runCompleteCmd() *cobra.Command {
	var coverage, score float64
	cmd := &cobra.Command{
		Use:   "complete <execution-id>",
		Short: "Complete an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			final := domain.Metrics{Coverage: coverage, QualityScore: score}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.CompleteExecution(ctx, args[0], final, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printDetail(exec)
			})
		},
	}
	cmd.Flags().Float64Var(&coverage, "coverage", 0, "final coverage percentage")
	cmd.Flags().Float64Var(&score, "quality-score", 0, "final quality score")
	return cmd
}

func runFailCmd() *cobra.Command {
	var reason, errMsg string
	cmd := &cobra.Command{
		Use:   "fail <execution-id>",
		Short: "Fail an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.FailExecution(ctx, args[0], reason, errMsg, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printDetail(exec)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	cmd.Flags().StringVar(&errMsg, "error", "", "underlying error message")
	return cmd
}

func runMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics <execution-id>",
		Short: "Show derived execution metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.ExecutionMetrics(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				fmt.Printf("Steps:            %d total, %d completed\n", m.TotalSteps, m.CompletedSteps)
				fmt.Printf("Success rate:     %.0f%%\n", m.SuccessRate*100)
				fmt.Printf("Avg step time:    %.1fs\n", m.AverageStepTime)
				fmt.Printf("Quality score:    %.1f\n", m.QualityScore)
				fmt.Printf("Role transitions: %d\n", m.RoleTransitions)
				return nil
			})
		},
	}
	return cmd
}

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{Use: "rule", Short: "Inspect quality rules"}
	rule.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List quality rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListQualityRules(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Pattern", "Severity", "Gate"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Kind, r.Pattern, r.Severity, r.Gate})
				}
				tw.Render()
				return nil
			})
		},
	})
	return rule
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Inspect content templates"}
	tpl.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTemplates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Size"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, len(t.Content)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return tpl
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, executionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, executionID, evtType, "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Execution", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.TS, evt.Type, evt.ExecutionID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&executionID, "execution", "", "execution id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "bk_" + hex.EncodeToString(raw)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rec := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				fmt.Printf("API key for %s (store it now, it is not saved):\n%s\n", actor, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAnonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveConfig(cmd.Context(), workspace, viper.GetString("engine"), r)
			if err != nil {
				return err
			}
			e, err := engine.New(conn, cfg)
			if err != nil {
				return err
			}
			if err := e.SeedDefinitions(cmd.Context()); err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("BATON_JWT_SECRET"),
				AllowAnonymous: allowAnonymous,
			}
			if authCfg.JWTSecret == "" && !allowAnonymous {
				return fmt.Errorf("BATON_JWT_SECRET is required unless --allow-anonymous is set")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Baton API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "allow unauthenticated requests as the local actor")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		workspace := viper.GetString("workspace")
		_, cfg, err := app.ResolveConfig(ctx, workspace, viper.GetString("engine"), r)
		if err != nil {
			return err
		}
		e, err := engine.New(r.DB, cfg)
		if err != nil {
			return err
		}
		if err := e.SeedDefinitions(ctx); err != nil {
			return err
		}
		return fn(ctx, e)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printDetail(v any) error {
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
