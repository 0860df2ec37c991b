package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/ingest"
	"stageline/internal/migrate"
	"stageline/internal/repo"
	"stageline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stageline CLI",
	Long: `Stageline moves work items across a staged board and turns ideas into
executable plans.
Core concepts:
- Workspace: your .stageline directory with the database; config lives in
  stageline.yml or the DB.
- Project: owns all items, tasks, briefs, and sessions.
- Board: stage buckets (inbox, think, plan, build, ship); each item sits in
  exactly one bucket at a time, moves are logged as transitions.
- Briefs: versioned planning documents minted when an item enters the
  planning stage; freeze a brief to lock it, draft a new version to revise.
- Tasks: units of work materialized from a frozen brief or created by hand;
  statuses go ready -> running -> review -> done (failed can retry).
- Sessions: upload raw source files, analyze them into a draft brief.
- Event log: diary of changes, view with 'sl log tail'.`,
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
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(briefCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r *repo.Repo) error {
				projects, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Created"})
				for _, p := range projects {
					tw.AppendRow(table.Row{p.ID, p.Kind, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, kind, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.New(conn)
			cfg := config.Default(id)
			if kind != "" {
				cfg.Project.Kind = kind
			}
			e := engine.New(conn, r, cfg)
			defer e.Close()
			p, err := e.CreateProject(cmd.Context(), engine.CreateProjectParams{
				ID: id, Kind: cfg.Project.Kind, Description: desc, ActorID: viper.GetString("actor-id"),
			})
			if err != nil {
				return err
			}
			now := time.Now().UTC().Format(time.RFC3339)
			tx, err := conn.BeginTx(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer tx.Rollback()
			if err := r.UpsertProjectConfig(cmd.Context(), tx, id, cfg, now); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&kind, "kind", "idea-pipeline", "project kind")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete the active project and everything it owns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DeleteProject(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
			})
		},
	}
}

func projectUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "STAGELINE_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set STAGELINE_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage project config"}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigInitCmd())
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func projectConfigInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default stageline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = viper.GetString("project")
			}
			if id == "" {
				return fmt.Errorf("--id or --project required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config YAML into the project's stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r *repo.Repo) error {
				if _, err := r.GetProject(ctx, cfg.Project.ID); err != nil {
					return err
				}
				now := time.Now().UTC().Format(time.RFC3339)
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.UpsertProjectConfig(ctx, tx, cfg.Project.ID, cfg, now); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to config YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// --- item ---

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage work items"}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemReadCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var id, kind, severity, title, summary string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item (lands in unassigned)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				it, err := e.CreateItem(ctx, engine.CreateItemParams{
					ID:        id,
					ProjectID: e.Config.Project.ID,
					Kind:      kind,
					Severity:  severity,
					Title:     title,
					Summary:   summary,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "item id (generated when empty)")
	cmd.Flags().StringVar(&kind, "kind", "idea", "item kind (idea, alert, review)")
	cmd.Flags().StringVar(&severity, "severity", "", "severity")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&summary, "summary", "", "summary")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListItems(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stage", "Kind", "Title", "Unread"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Stage, it.Kind, it.Title, it.Unread})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				it, err := e.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func itemReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <id>",
		Short: "Clear the unread flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				it, err := e.MarkItemRead(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

// --- board ---

func boardCmd() *cobra.Command {
	board := &cobra.Command{Use: "board", Short: "Stage board"}
	board.AddCommand(boardShowCmd())
	board.AddCommand(boardMoveCmd())
	board.AddCommand(boardRemoveCmd())
	board.AddCommand(boardHistoryCmd())
	return board
}

func boardShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the board, one bucket per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				board, err := e.GetBoard(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(board)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Items"})
				for _, stage := range e.Config.Stages.Order {
					tw.AppendRow(table.Row{stage, strings.Join(board.Stages[stage], ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func boardMoveCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "move <item-id>",
		Short: "Move an item to a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tr, err := e.MoveItem(ctx, e.Config.Project.ID, args[0], to, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(tr)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target stage")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func boardRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <item-id>",
		Short: "Take an item off the board (back to unassigned)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tr, err := e.RemoveItem(ctx, e.Config.Project.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(tr)
			})
		},
	}
}

func boardHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <item-id>",
		Short: "Show an item's stage transitions, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				transitions, err := e.ListTransitions(ctx, e.Config.Project.ID, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(transitions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "From", "To", "Actor", "At"})
				for _, t := range transitions {
					from := ""
					if t.FromStage != nil {
						from = *t.FromStage
					}
					tw.AppendRow(table.Row{t.ID, from, t.ToStage, t.ActorID, t.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- task ---

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskBlockersCmd())
	task.AddCommand(taskProgressCmd())
	for _, action := range []struct {
		use, short string
		fn         func(*engine.Engine) func(context.Context, string, string) (domain.Task, error)
	}{
		{"start", "Start a ready task (dependency gate applies)", func(e *engine.Engine) func(context.Context, string, string) (domain.Task, error) {
			return e.StartTask
		}},
		{"review", "Move a running task to review", func(e *engine.Engine) func(context.Context, string, string) (domain.Task, error) {
			return e.RequestReview
		}},
		{"approve", "Approve a task in review", func(e *engine.Engine) func(context.Context, string, string) (domain.Task, error) {
			return e.ApproveTask
		}},
		{"done", "Complete a running task directly", func(e *engine.Engine) func(context.Context, string, string) (domain.Task, error) {
			return e.CompleteTask
		}},
		{"fail", "Mark a task failed", func(e *engine.Engine) func(context.Context, string, string) (domain.Task, error) {
			return e.FailTask
		}},
		{"retry", "Resume a failed task", func(e *engine.Engine) func(context.Context, string, string) (domain.Task, error) {
			return e.RetryTask
		}},
		{"cancel", "Cancel a running task", func(e *engine.Engine) func(context.Context, string, string) (domain.Task, error) {
			return e.CancelTask
		}},
	} {
		action := action
		task.AddCommand(&cobra.Command{
			Use:   action.use + " <id>",
			Short: action.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
					t, err := action.fn(e)(ctx, args[0], viper.GetString("actor-id"))
					if err != nil {
						return err
					}
					return printJSONOrTable(t)
				})
			},
		})
	}
	return task
}

func taskCreateCmd() *cobra.Command {
	var id, title, briefID, agent string
	var dependsOn []string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p := engine.CreateTaskParams{
					ID:            id,
					ProjectID:     e.Config.Project.ID,
					BriefID:       optionalString(briefID),
					Title:         title,
					DependsOn:     dependsOn,
					AssignedAgent: optionalString(agent),
					ActorID:       viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("priority") {
					p.Priority = &priority
				}
				t, err := e.CreateTask(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&briefID, "brief", "", "owning brief id")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "task ids this task depends on")
	cmd.Flags().StringVar(&agent, "agent", "", "assigned agent")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (lower runs first)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks by priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tasks, err := e.ListTasks(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Agent", "Priority", "Depends On"})
				for _, t := range tasks {
					agent := ""
					if t.AssignedAgent != nil {
						agent = *t.AssignedAgent
					}
					prio := ""
					if t.Priority != nil {
						prio = fmt.Sprintf("%d", *t.Priority)
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, agent, prio, strings.Join(t.DependsOn, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var title, agent string
	var dependsOn []string
	var priority int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var patch engine.TaskPatch
				if cmd.Flags().Changed("title") {
					patch.Title = &title
				}
				if cmd.Flags().Changed("depends-on") {
					patch.DependsOn = dependsOn
				}
				if cmd.Flags().Changed("agent") {
					patch.AssignedAgent = &agent
				}
				if cmd.Flags().Changed("priority") {
					patch.Priority = &priority
				}
				t, err := e.UpdateTask(ctx, args[0], viper.GetString("actor-id"), patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "task ids this task depends on")
	cmd.Flags().StringVar(&agent, "agent", "", "assigned agent")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task (refused while other tasks depend on it)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DeleteTask(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func taskBlockersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blockers <id>",
		Short: "Show unmet dependencies for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				blocking, err := e.TaskBlockers(ctx, args[0])
				if err != nil {
					return err
				}
				summary, err := e.TaskProgressSummary(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"blocking":  blocking,
					"completed": summary.Completed,
					"total":     summary.Total,
				})
			})
		},
	}
}

func taskProgressCmd() *cobra.Command {
	var percent int
	var message string
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Append or list task progress",
		Long:  "With --percent or --message, appends a progress update to a running task. Otherwise lists updates.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if cmd.Flags().Changed("percent") || cmd.Flags().Changed("message") {
					m, err := e.AppendProgress(ctx, args[0], percent, message, viper.GetString("actor-id"))
					if err != nil {
						return err
					}
					return printJSONOrTable(m)
				}
				msgs, err := e.ListProgress(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(msgs)
			})
		},
	}
	cmd.Flags().IntVar(&percent, "percent", 0, "completion percent (0-100)")
	cmd.Flags().StringVar(&message, "message", "", "progress message")
	return cmd
}

// --- brief ---

func briefCmd() *cobra.Command {
	brief := &cobra.Command{Use: "brief", Short: "Manage product briefs"}
	brief.AddCommand(briefCreateCmd())
	brief.AddCommand(briefListCmd())
	brief.AddCommand(briefShowCmd())
	brief.AddCommand(briefUpdateCmd())
	brief.AddCommand(briefFreezeCmd())
	brief.AddCommand(briefDraftCmd())
	brief.AddCommand(briefMaterializeCmd())
	return brief
}

func briefCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <item-id>",
		Short: "Create (or return) the brief for an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.CreateBrief(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func briefListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List briefs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				briefs, err := e.ListBriefs(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(briefs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Item", "Version", "Status", "Updated"})
				for _, b := range briefs {
					tw.AppendRow(table.Row{b.ID, b.ItemID, b.Version, b.Status, b.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func briefShowCmd() *cobra.Command {
	var itemID string
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a brief by id, or the latest for --item",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var b domain.ProductBrief
				var err error
				switch {
				case len(args) == 1:
					b, err = e.GetBrief(ctx, args[0])
				case itemID != "":
					b, err = e.GetBriefForItem(ctx, itemID)
				default:
					return fmt.Errorf("brief id or --item required")
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&itemID, "item", "", "item id (show latest version)")
	return cmd
}

func briefUpdateCmd() *cobra.Command {
	var problem string
	var goals, risks, stories []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a draft brief (frozen briefs reject writes)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var patch engine.BriefPatch
				if cmd.Flags().Changed("problem") {
					patch.ProblemStatement = &problem
				}
				if cmd.Flags().Changed("goal") {
					patch.Goals = goals
				}
				if cmd.Flags().Changed("risk") {
					patch.Risks = risks
				}
				if cmd.Flags().Changed("story") {
					patch.UserStories = stories
				}
				b, err := e.UpdateBrief(ctx, args[0], viper.GetString("actor-id"), patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&problem, "problem", "", "problem statement")
	cmd.Flags().StringSliceVar(&goals, "goal", nil, "goal (repeatable)")
	cmd.Flags().StringSliceVar(&risks, "risk", nil, "risk (repeatable)")
	cmd.Flags().StringSliceVar(&stories, "story", nil, "user story (repeatable)")
	return cmd
}

func briefFreezeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "freeze <id>",
		Short: "Freeze a brief, locking its content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.FreezeBrief(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func briefDraftCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "draft <frozen-id>",
		Short: "Open the next draft version from a frozen brief",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.NewDraftFromFrozen(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func briefMaterializeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "materialize <id>",
		Short: "Materialize tasks from a frozen brief's goals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tasks, err := e.MaterializeTasks(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(tasks)
			})
		},
	}
}

// --- session ---

func sessionCmd() *cobra.Command {
	session := &cobra.Command{Use: "session", Short: "Upload sessions"}
	session.AddCommand(sessionCreateCmd())
	session.AddCommand(sessionListCmd())
	session.AddCommand(sessionShowCmd())
	session.AddCommand(sessionAddFileCmd())
	session.AddCommand(sessionAnalyzeCmd())
	session.AddCommand(sessionArchiveCmd())
	return session
}

func sessionCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Open an upload session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(cmd.Context(), func(ctx context.Context, e *engine.Engine, m *ingest.Machine) error {
				s, err := m.CreateSession(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(cmd.Context(), func(ctx context.Context, e *engine.Engine, m *ingest.Machine) error {
				sessions, err := m.ListSessions(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sessions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Files", "Updated"})
				for _, s := range sessions {
					tw.AppendRow(table.Row{s.ID, s.Status, len(s.Files), s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(cmd.Context(), func(ctx context.Context, e *engine.Engine, m *ingest.Machine) error {
				s, err := m.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionAddFileCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "add-file <session-id>",
		Short: "Register and store a source file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withMachine(cmd.Context(), func(ctx context.Context, e *engine.Engine, m *ingest.Machine) error {
				f, err := m.AddFile(ctx, args[0], filepath.Base(file), data, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the file to upload")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func sessionAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <id>",
		Short: "Analyze completed files into draft brief content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(cmd.Context(), func(ctx context.Context, e *engine.Engine, m *ingest.Machine) error {
				content, err := m.Analyze(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(content)
			})
		},
	}
}

func sessionArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a session (idle or ready only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(cmd.Context(), func(ctx context.Context, e *engine.Engine, m *ingest.Machine) error {
				return m.ArchiveSession(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

// --- log ---

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: stage moves, task changes, brief versions, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.LatestEvents(ctx, e.Config.Project.ID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "At", "Type", "Entity", "Actor"})
				for _, evt := range events {
					entity := evt.EntityKind
					if evt.EntityID != "" {
						entity += "/" + evt.EntityID
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, entity, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.New(conn)
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, r, cfg)
			defer e.Close()
			m := ingest.New(conn, r, e.Hub, cfg)
			defer m.Close()
			handler, err := server.New(server.Config{Engine: e, Ingest: m, Hub: e.Hub, BasePath: basePath})
			if err != nil {
				return err
			}
			stopWebhooks := server.StartWebhookDispatcher(e)
			defer stopWebhooks()
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Stageline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.New(conn)
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, r, cfg)
	defer e.Close()
	return fn(ctx, e)
}

func withMachine(ctx context.Context, fn func(context.Context, *engine.Engine, *ingest.Machine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.New(conn)
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, r, cfg)
	defer e.Close()
	m := ingest.New(conn, r, e.Hub, cfg)
	defer m.Close()
	return fn(ctx, e, m)
}

func withRepo(ctx context.Context, fn func(context.Context, *repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.New(conn))
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
