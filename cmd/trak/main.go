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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trak/internal/config"
	"trak/internal/db"
	"trak/internal/domain"
	"trak/internal/engine"
	"trak/internal/governance"
	"trak/internal/repo"
	"trak/internal/server"
	"trak/internal/tui"
)

var rootCmd = &cobra.Command{
	Use:   "trak",
	Short: "Trak CLI",
	Long: `Trak tracks features, stories and tasks, and governs who may be assigned work.
Core concepts:
- Workspace: the .trak directory holding the SQLite database; trak.yml holds config.
- Feature: a named stream of work (code like VAL); stories get codes under it (VAL-001).
- Story: a unit of work with tasks. A story is free-form until an agent definition
  is registered for it; from then on it is managed and assignees must be
  registered, versioned agent identifiers like backend-dev-val-001-v2.
- Agent definition: a (role, name) pair registered per story or globally.
- Validation: 'trak validate story' runs the compliance gates; --strict also
  requires a retrospective on every completed task.
- Activity log: the diary of everything that happened, view with 'trak log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("TRAK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(featureCmd())
	rootCmd.AddCommand(storyCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(retroCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if name == "" {
				name = "trak"
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(name)), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if err := e.InitWorkspace(cmd.Context(), viper.GetString("actor")); err != nil {
				return err
			}
			fmt.Println("workspace initialized at", db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	return cmd
}

func featureCmd() *cobra.Command {
	feature := &cobra.Command{Use: "feature", Short: "Manage features"}
	feature.AddCommand(featureCreateCmd())
	feature.AddCommand(featureListCmd())
	return feature
}

func featureCreateCmd() *cobra.Command {
	var code, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create feature",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.CreateFeature(ctx, code, name, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "feature code, e.g. VAL")
	cmd.Flags().StringVar(&name, "name", "", "feature name")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func featureListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List features",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListFeatures(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func storyCmd() *cobra.Command {
	story := &cobra.Command{Use: "story", Short: "Manage stories"}
	story.AddCommand(storyCreateCmd())
	story.AddCommand(storyListCmd())
	story.AddCommand(storyShowCmd())
	story.AddCommand(storyStatusCmd())
	return story
}

func storyCreateCmd() *cobra.Command {
	var featureCode, title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create story (code is minted from the feature sequence)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateStory(ctx, featureCode, title, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&featureCode, "feature", "", "feature code")
	cmd.Flags().StringVar(&title, "title", "", "story title")
	_ = cmd.MarkFlagRequired("feature")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func storyListCmd() *cobra.Command {
	var featureCode, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stories, err := e.Repo.ListStories(ctx, repo.StoryFilters{FeatureCode: featureCode, Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stories)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"CODE", "TITLE", "STATUS", "MODE"})
				for _, s := range stories {
					mode, err := e.StoryMode(ctx, s.Code)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{s.Code, s.Title, s.Status, mode})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&featureCode, "feature", "", "filter by feature code")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func storyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <code>",
		Short: "Show a story with its governance mode and tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStory(ctx, args[0])
				if err != nil {
					return err
				}
				mode, err := e.StoryMode(ctx, s.Code)
				if err != nil {
					return err
				}
				tasks, err := e.Repo.ListStoryTasks(ctx, s.Code)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"story": s,
					"mode":  mode,
					"tasks": tasks,
				})
			})
		},
	}
	return cmd
}

func storyStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <code>",
		Short: "Set story status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SetStoryStatus(ctx, args[0], status, viper.GetString("actor"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (draft, ready, in_progress, done, cancelled)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskCompleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var storyCode, title, assignee string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					StoryCode: storyCode,
					Title:     title,
					Assignee:  assignee,
					Actor:     viper.GetString("actor"),
				})
				if err != nil {
					return renderAssignmentError(err)
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&storyCode, "story", "", "story code")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee identifier")
	_ = cmd.MarkFlagRequired("story")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var storyCode, status, assignee string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, repo.TaskFilters{StoryCode: storyCode, Status: status, Assignee: assignee})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "STORY", "TITLE", "STATUS", "ASSIGNEE", "RETRO"})
				for _, t := range tasks {
					assignee := ""
					if t.Assignee != nil {
						assignee = *t.Assignee
					}
					retro := ""
					if t.RetrospectiveID != nil {
						retro = "yes"
					}
					tw.AppendRow(table.Row{t.ID, t.StoryCode, t.Title, t.Status, assignee, retro})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&storyCode, "story", "", "filter by story code")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&assignee, "assignee", "", "filter by assignee")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, assignee, status string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TaskUpdateOptions{
					ID:     args[0],
					Status: status,
					Actor:  viper.GetString("actor"),
					Force:  viper.GetBool("force"),
				}
				if cmd.Flags().Changed("title") {
					opts.Title = &title
				}
				if cmd.Flags().Changed("assignee") {
					opts.Assignee = &assignee
				}
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return renderAssignmentError(err)
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&assignee, "assignee", "", "new assignee (empty clears)")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTask(ctx, args[0], viper.GetString("actor"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Manage agent definitions"}
	agent.AddCommand(agentRegisterCmd())
	agent.AddCommand(agentListCmd())
	return agent
}

func agentRegisterCmd() *cobra.Command {
	var storyCode, role, name string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent definition (per story, or global without --story)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterAgent(ctx, engine.AgentRegisterOptions{
					StoryCode: storyCode,
					Role:      role,
					Name:      name,
					Actor:     viper.GetString("actor"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&storyCode, "story", "", "story code (omit for a global definition)")
	cmd.Flags().StringVar(&role, "role", "", "role token, e.g. backend-dev")
	cmd.Flags().StringVar(&name, "name", "", "base name, e.g. backend-dev-val-001")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentListCmd() *cobra.Command {
	var storyCode string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agent definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				agents, err := r.ListAgents(ctx, storyCode)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"NAME", "ROLE", "SCOPE"})
				for _, a := range agents {
					scope := "global"
					if a.StoryCode != nil {
						scope = *a.StoryCode
					}
					tw.AppendRow(table.Row{a.Name, a.Role, scope})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&storyCode, "story", "", "story code (lists reachable definitions)")
	return cmd
}

func retroCmd() *cobra.Command {
	retro := &cobra.Command{Use: "retro", Short: "Manage retrospectives"}
	retro.AddCommand(retroAddCmd())
	retro.AddCommand(retroListCmd())
	return retro
}

func retroAddCmd() *cobra.Command {
	var taskID, summary string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Attach a retrospective to a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				re, err := e.AttachRetrospective(ctx, taskID, summary, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(re)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&summary, "summary", "", "what happened, what to change")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func retroListCmd() *cobra.Command {
	var storyCode string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List retrospectives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				retros, err := r.ListRetrospectives(ctx, storyCode)
				if err != nil {
					return err
				}
				return printJSONOrTable(retros)
			})
		},
	}
	cmd.Flags().StringVar(&storyCode, "story", "", "filter by story code")
	return cmd
}

func validateCmd() *cobra.Command {
	validate := &cobra.Command{Use: "validate", Short: "Run compliance gates"}
	validate.AddCommand(validateStoryCmd())
	return validate
}

func validateStoryCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "story <code>",
		Short: "Run the gate pipeline for a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runStrict := strict
				if !runStrict && e.Config != nil {
					runStrict = e.Config.Governance.Strict
				}
				report, err := e.ValidateStory(ctx, args[0], runStrict, viper.GetString("actor"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(report); err != nil {
						return err
					}
				} else {
					renderReport(report)
				}
				if !report.Passed {
					return fmt.Errorf("story %s failed validation", report.StoryCode)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "also require retrospectives on completed tasks")
	return cmd
}

func renderReport(report governance.Report) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"GATE", "RESULT", "DETAIL"})
	for _, g := range report.Gates {
		result := "pass"
		if !g.Passed {
			result = "FAIL"
		}
		tw.AppendRow(table.Row{g.Gate, result, g.Detail})
		if !g.Passed && g.Remediation != "" {
			tw.AppendRow(table.Row{"", "", "fix: " + g.Remediation})
		}
	}
	tw.Render()
	verdict := "PASSED"
	if !report.Passed {
		verdict = "FAILED"
	}
	fmt.Printf("%s: %s (strict=%v)\n", report.StoryCode, verdict, report.Strict)
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Activity log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var storyCode, entryType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail activity entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.LatestActivity(ctx, n, 0, storyCode, entryType)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&storyCode, "story", "", "story code filter")
	cmd.Flags().StringVar(&entryType, "type", "", "entry type filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys for the daemon"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the plain key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if actor == "" {
					actor = viper.GetString("actor")
				}
				plain := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					Actor:   actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(plain),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Println("api key (store it now, it is not recoverable):", plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "for", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "for", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
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

func boardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Open the interactive story board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return tui.Run(e)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:        os.Getenv("TRAK_JWT_SECRET"),
					AllowActorHeader: allowActorHeader,
				}
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
				fmt.Printf("Serving Trak API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust the X-Actor header (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	r := repo.Repo{DB: conn}
	cfg, err := resolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

// resolveConfig prefers the workspace file, falls back to the DB snapshot,
// then to defaults.
func resolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	cfg, err = r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return config.Default("trak"), nil
	}
	return nil, err
}

func renderAssignmentError(err error) error {
	var ae *engine.AssignmentError
	if errors.As(err, &ae) {
		fmt.Printf("denied (%s): %s\n", ae.Denial.Kind, ae.Denial.Detail)
		fmt.Println("fix:", ae.Denial.Remediation)
	}
	return err
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
