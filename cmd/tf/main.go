package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"taskfleet/internal/app"
	"taskfleet/internal/config"
	"taskfleet/internal/db"
	"taskfleet/internal/domain"
	"taskfleet/internal/logging"
	"taskfleet/internal/migrate"
	"taskfleet/internal/queue"
	"taskfleet/internal/repo"
	"taskfleet/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "tf",
	Short: "Taskfleet CLI",
	Long: `Taskfleet orchestrates agent-fleet work: tickets move through a phased
state machine (backlog -> analyzing -> building -> building-done -> testing -> done),
tasks are claimed race-free by executors, and phase gates demand evidence
before a ticket moves on.`,
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
	viper.SetEnvPrefix("TASKFLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().String("project", "", "project id")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(taskCommand())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(graphCmd())
	rootCmd.AddCommand(lockCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	var projectID, orgID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.CreateProject(ctx, projectID, orgID); err != nil {
					return err
				}
				p, err := a.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "id", "main", "project id")
	cmd.Flags().StringVar(&orgID, "org", "default-org", "organization id")
	return cmd
}

func ticketCmd() *cobra.Command {
	ticket := &cobra.Command{
		Use:   "ticket",
		Short: "Manage tickets",
		Long:  "Tickets are units of delivery. They advance through phases only when the phase gate passes, and a blocked ticket goes nowhere until unblocked.",
	}
	ticket.AddCommand(ticketCreateCmd())
	ticket.AddCommand(ticketShowCmd())
	ticket.AddCommand(ticketListCmd())
	ticket.AddCommand(ticketTransitionCmd())
	ticket.AddCommand(ticketProgressCmd())
	ticket.AddCommand(ticketSpawnCmd())
	ticket.AddCommand(ticketRegressCmd())
	ticket.AddCommand(ticketBlockCmd())
	ticket.AddCommand(ticketUnblockCmd())
	ticket.AddCommand(ticketHistoryCmd())
	return ticket
}

func ticketCreateCmd() *cobra.Command {
	var title, description, priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a ticket in backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := a.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				t, err := a.Workflow.CreateTicket(ctx, workflow.NewTicket{
					ProjectID:   projectID,
					Title:       title,
					Description: description,
					Priority:    priority,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "ticket title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", domain.PriorityMedium, "priority (CRITICAL, HIGH, MEDIUM, LOW)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func ticketShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Repo.GetTicket(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func ticketListCmd() *cobra.Command {
	var status string
	var blocked bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := a.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				var blockedPtr *bool
				if cmd.Flags().Changed("blocked") {
					blockedPtr = &blocked
				}
				items, err := a.Repo.ListTickets(ctx, repo.TicketFilter{ProjectID: projectID, Status: status, Blocked: blockedPtr})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Phase", "Priority", "Blocked"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.PhaseID, t.Priority, t.IsBlocked})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().BoolVar(&blocked, "blocked", false, "filter by blocked overlay")
	return cmd
}

func ticketTransitionCmd() *cobra.Command {
	var to, reason string
	cmd := &cobra.Command{
		Use:   "transition <ticket-id>",
		Short: "Transition a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Workflow.TransitionStatus(ctx, args[0], to, workflow.TransitionOpts{
					InitiatedBy: viper.GetString("actor-id"),
					Reason:      reason,
					Force:       viper.GetBool("force"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func ticketProgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress <ticket-id>",
		Short: "Validate the current phase gate and advance if it passes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ticket, res, err := a.Workflow.CheckAndProgress(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				out := map[string]any{"gate": res, "ticket": ticket}
				if ticket == nil && res == nil {
					out["note"] = "ticket is blocked or done; nothing to progress"
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func ticketSpawnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spawn <ticket-id>",
		Short: "Seed the ticket's current phase with its initial tasks",
		Long:  "Pull-based fallback for the transition hook: spawns the phase's default tasks if the phase has no live work yet.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ticket, err := a.Repo.GetTicket(ctx, args[0])
				if err != nil {
					return err
				}
				if err := a.Coordinator.SpawnPhaseTasks(ctx, ticket); err != nil {
					return err
				}
				items, err := a.Repo.ListTasks(ctx, repo.TaskFilter{TicketID: ticket.ID, PhaseID: ticket.PhaseID})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func ticketRegressCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "regress <ticket-id>",
		Short: "Bounce a ticket from testing back to building",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Workflow.Regress(ctx, args[0], feedback, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "what failed in testing")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func ticketBlockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <ticket-id>",
		Short: "Mark a ticket blocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Workflow.MarkBlocked(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "blocker type")
	return cmd
}

func ticketUnblockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unblock <ticket-id>",
		Short: "Clear the blocked overlay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Workflow.Unblock(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func ticketHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <ticket-id>",
		Short: "Show a ticket's transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListPhaseHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func taskCommand() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are the executable units inside a ticket's phase. Executors claim them through an atomic conditional write; two claimers can never win the same task.",
	}
	task.AddCommand(taskEnqueueCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskNextCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskStatusCmd())
	task.AddCommand(taskCancelCmd())
	task.AddCommand(taskRetryCmd())
	task.AddCommand(taskTimeoutCmd())
	task.AddCommand(taskDependCmd())
	task.AddCommand(taskDependentsCmd())
	return task
}

func taskDependentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dependents <task-id>",
		Short: "List live tasks waiting on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Queue.Dependents(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func taskDependCmd() *cobra.Command {
	var dependsOn string
	cmd := &cobra.Command{
		Use:   "depend <task-id>",
		Short: "Add a dependency edge to a task",
		Long:  "The task will not be claimable until the dependency completes. Edges that would close a cycle are refused.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Queue.AddDependency(ctx, args[0], dependsOn)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&dependsOn, "on", "", "task id this task depends on")
	_ = cmd.MarkFlagRequired("on")
	return cmd
}

func taskEnqueueCmd() *cobra.Command {
	var ticketID, taskType, title, description, priority, phase string
	var deps, caps []string
	var maxRetries, timeoutSecs int
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a task on a ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in := queue.NewTask{
					TicketID:             ticketID,
					TaskType:             taskType,
					Title:                title,
					Description:          description,
					PhaseID:              phase,
					Priority:             priority,
					Dependencies:         deps,
					RequiredCapabilities: caps,
					ActorID:              viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("max-retries") {
					in.MaxRetries = &maxRetries
				}
				if cmd.Flags().Changed("timeout") {
					in.TimeoutSeconds = &timeoutSecs
				}
				t, err := a.Queue.Enqueue(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&ticketID, "ticket", "", "ticket id")
	cmd.Flags().StringVar(&taskType, "type", "", "task type")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", domain.PriorityMedium, "priority")
	cmd.Flags().StringVar(&phase, "phase", "", "phase (defaults to ticket's phase)")
	cmd.Flags().StringSliceVar(&deps, "deps", nil, "dependency task ids")
	cmd.Flags().StringSliceVar(&caps, "caps", nil, "required executor capabilities")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry budget")
	cmd.Flags().IntVar(&timeoutSecs, "timeout", 0, "timeout in seconds")
	_ = cmd.MarkFlagRequired("ticket")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func taskClaimCmd() *cobra.Command {
	var executorID, phase string
	var caps []string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the best eligible task for an executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Queue.Claim(ctx, queue.ClaimRequest{
					ExecutorID:   executorID,
					ProjectID:    viper.GetString("project"),
					PhaseID:      phase,
					Capabilities: caps,
				})
				if err != nil {
					return err
				}
				if t == nil {
					fmt.Println("no task available")
					return nil
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&executorID, "executor", "", "executor id")
	cmd.Flags().StringVar(&phase, "phase", "", "restrict to phase")
	cmd.Flags().StringSliceVar(&caps, "caps", nil, "executor capabilities")
	_ = cmd.MarkFlagRequired("executor")
	return cmd
}

func taskNextCmd() *cobra.Command {
	var phase string
	var caps []string
	var limit int
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Preview the top scored claimable tasks",
		Long:  "A planning view for parallel dispatch: the same filtering as claim, but nothing is claimed. Each listed task still needs claim or assign before execution.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Queue.ClaimBatch(ctx, queue.BatchRequest{
					ProjectID:    viper.GetString("project"),
					PhaseID:      phase,
					Limit:        limit,
					Capabilities: caps,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "restrict to phase")
	cmd.Flags().StringSliceVar(&caps, "caps", nil, "executor capabilities")
	cmd.Flags().IntVar(&limit, "limit", 5, "maximum tasks to return")
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var executorID string
	cmd := &cobra.Command{
		Use:   "assign <task-id>",
		Short: "Assign a pending or claiming task to an executor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Queue.Assign(ctx, args[0], executorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&executorID, "executor", "", "executor id")
	_ = cmd.MarkFlagRequired("executor")
	return cmd
}

func taskListCmd() *cobra.Command {
	var ticketID, status, phase string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListTasks(ctx, repo.TaskFilter{TicketID: ticketID, PhaseID: phase, Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Priority", "Score", "Executor", "Retries"})
				for _, t := range items {
					executor := ""
					if t.ExecutorID != nil {
						executor = *t.ExecutorID
					}
					tw.AppendRow(table.Row{t.ID, t.TaskType, t.Status, t.Priority, fmt.Sprintf("%.2f", t.Score), executor, t.RetryCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ticketID, "ticket", "", "filter by ticket")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&phase, "phase", "", "filter by phase")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskStatusCmd() *cobra.Command {
	var status, result, errMsg string
	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Update a task's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u := queue.StatusUpdate{Status: status, ActorID: viper.GetString("actor-id")}
				if cmd.Flags().Changed("result") {
					u.ResultJSON = &result
				}
				if cmd.Flags().Changed("error") {
					u.ErrorMessage = &errMsg
				}
				t, err := a.Queue.UpdateStatus(ctx, args[0], u)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&result, "result", "", "result JSON")
	cmd.Flags().StringVar(&errMsg, "error", "", "error message")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel an assigned or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Queue.Cancel(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator request", "cancellation reason")
	return cmd
}

func taskRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Re-enqueue a failed task while its retry budget lasts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				retried, t, err := a.Queue.Retry(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !retried {
					fmt.Println("not retried: retry budget spent")
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskTimeoutCmd() *cobra.Command {
	var seconds int
	var check bool
	cmd := &cobra.Command{
		Use:   "timeout [task-id]",
		Short: "Set a task's timeout, or report overdue tasks with --check",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if check {
					overdue, err := a.Queue.TimedOut(ctx)
					if err != nil {
						return err
					}
					return printJSONOrTable(overdue)
				}
				if len(args) != 1 {
					return fmt.Errorf("task id required unless --check")
				}
				t, err := a.Queue.SetTimeout(ctx, args[0], &seconds)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().IntVar(&seconds, "seconds", 0, "timeout in seconds")
	cmd.Flags().BoolVar(&check, "check", false, "list running tasks past their budget")
	return cmd
}

func gateCmd() *cobra.Command {
	gateRoot := &cobra.Command{
		Use:   "gate",
		Short: "Phase gate checks",
		Long:  "Gates demand evidence (artifacts) and completed tasks before a ticket leaves a phase. Strictness is per project: strict, lenient, or bypass.",
	}
	gateRoot.AddCommand(gateCheckCmd())
	gateRoot.AddCommand(gateValidateCmd())
	return gateRoot
}

func gateCheckCmd() *cobra.Command {
	var ticketID, phase string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report gate readiness without judging artifact quality",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				target, err := resolvePhase(ctx, a, ticketID, phase)
				if err != nil {
					return err
				}
				res, err := a.Gate.Check(ctx, ticketID, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&ticketID, "ticket", "", "ticket id")
	cmd.Flags().StringVar(&phase, "phase", "", "phase (defaults to ticket's phase)")
	_ = cmd.MarkFlagRequired("ticket")
	return cmd
}

func gateValidateCmd() *cobra.Command {
	var ticketID, phase string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run the full gate and persist the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				target, err := resolvePhase(ctx, a, ticketID, phase)
				if err != nil {
					return err
				}
				res, err := a.Gate.Validate(ctx, ticketID, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&ticketID, "ticket", "", "ticket id")
	cmd.Flags().StringVar(&phase, "phase", "", "phase (defaults to ticket's phase)")
	_ = cmd.MarkFlagRequired("ticket")
	return cmd
}

func resolvePhase(ctx context.Context, a *app.App, ticketID, phase string) (string, error) {
	if phase != "" {
		return phase, nil
	}
	t, err := a.Repo.GetTicket(ctx, ticketID)
	if err != nil {
		return "", err
	}
	return t.PhaseID, nil
}

func artifactCmd() *cobra.Command {
	artifact := &cobra.Command{
		Use:   "artifact",
		Short: "Phase artifacts",
	}
	artifact.AddCommand(artifactSubmitCmd())
	artifact.AddCommand(artifactListCmd())
	return artifact
}

func artifactSubmitCmd() *cobra.Command {
	var ticketID, phase, kind, path, content, contentFile string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Attach or replace a phase artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				raw := content
				if contentFile != "" {
					data, err := os.ReadFile(contentFile)
					if err != nil {
						return err
					}
					raw = string(data)
				}
				if !json.Valid([]byte(raw)) {
					return fmt.Errorf("artifact content must be a JSON object")
				}
				target, err := resolvePhase(ctx, a, ticketID, phase)
				if err != nil {
					return err
				}
				now := time.Now().UTC().Format(time.RFC3339)
				artifact := domain.PhaseArtifact{
					ID:          newID(),
					TicketID:    ticketID,
					PhaseID:     target,
					Kind:        kind,
					Path:        path,
					ContentJSON: raw,
					CreatedBy:   viper.GetString("actor-id"),
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				if err := a.Repo.UpsertArtifact(ctx, artifact); err != nil {
					return err
				}
				return printJSONOrTable(artifact)
			})
		},
	}
	cmd.Flags().StringVar(&ticketID, "ticket", "", "ticket id")
	cmd.Flags().StringVar(&phase, "phase", "", "phase (defaults to ticket's phase)")
	cmd.Flags().StringVar(&kind, "kind", "", "artifact kind")
	cmd.Flags().StringVar(&path, "path", "", "artifact path (distinct paths accrete as separate rows)")
	cmd.Flags().StringVar(&content, "content", "", "artifact content JSON")
	cmd.Flags().StringVar(&contentFile, "content-file", "", "read content JSON from file")
	_ = cmd.MarkFlagRequired("ticket")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func artifactListCmd() *cobra.Command {
	var ticketID, phase string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a ticket's artifacts for a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				target, err := resolvePhase(ctx, a, ticketID, phase)
				if err != nil {
					return err
				}
				items, err := a.Repo.ListArtifacts(ctx, ticketID, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&ticketID, "ticket", "", "ticket id")
	cmd.Flags().StringVar(&phase, "phase", "", "phase (defaults to ticket's phase)")
	_ = cmd.MarkFlagRequired("ticket")
	return cmd
}

func graphCmd() *cobra.Command {
	graphRoot := &cobra.Command{
		Use:   "graph",
		Short: "Dependency graphs",
	}
	graphRoot.AddCommand(&cobra.Command{
		Use:   "ticket <ticket-id>",
		Short: "Graph one ticket's tasks with the critical path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g, err := a.Graph.ForTicket(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	})
	graphRoot.AddCommand(&cobra.Command{
		Use:   "project",
		Short: "Graph every task in the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := a.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				g, err := a.Graph.ForProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	})
	return graphRoot
}

func lockCmd() *cobra.Command {
	lock := &cobra.Command{
		Use:   "lock",
		Short: "Advisory resource locks",
	}
	var resource, taskID string
	acquire := &cobra.Command{
		Use:   "acquire",
		Short: "Acquire a resource lock for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := a.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				now := time.Now().UTC().Format(time.RFC3339)
				ok, err := a.Repo.AcquireLock(ctx, projectID, resource, taskID, now)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("resource %s is held by another task", resource)
				}
				l, err := a.Repo.GetLock(ctx, projectID, resource)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	acquire.Flags().StringVar(&resource, "resource", "", "resource key")
	acquire.Flags().StringVar(&taskID, "task", "", "holding task id")
	_ = acquire.MarkFlagRequired("resource")
	_ = acquire.MarkFlagRequired("task")

	var relResource, relTask string
	release := &cobra.Command{
		Use:   "release",
		Short: "Release a resource lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := a.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				now := time.Now().UTC().Format(time.RFC3339)
				return a.Repo.ReleaseLock(ctx, projectID, relResource, relTask, now)
			})
		},
	}
	release.Flags().StringVar(&relResource, "resource", "", "resource key")
	release.Flags().StringVar(&relTask, "task", "", "holding task id")
	_ = release.MarkFlagRequired("resource")
	_ = release.MarkFlagRequired("task")

	list := &cobra.Command{
		Use:   "list",
		Short: "List locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := a.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				items, err := a.Repo.ListLocks(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	lock.AddCommand(acquire, release, list)
	return lock
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{
		Use:   "org",
		Short: "Organizations",
	}
	var orgID, tier string
	setTier := &cobra.Command{
		Use:   "set-tier",
		Short: "Set an organization's subscription tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Repo.UpdateOrganizationTier(ctx, orgID, tier); err != nil {
					return err
				}
				o, err := a.Repo.GetOrganization(ctx, orgID)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	setTier.Flags().StringVar(&orgID, "org", "default-org", "organization id")
	setTier.Flags().StringVar(&tier, "tier", "", "tier (free, pro, team, enterprise)")
	_ = setTier.MarkFlagRequired("tier")
	org.AddCommand(setTier)
	return org
}

func sweepCmd() *cobra.Command {
	var interval time.Duration
	var once bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the maintenance sweeps",
		Long:  "Resets stale claims, fails never-started assignments and timed-out tasks, requeues retryable failures, and blocks stalled tickets. Runs once with --once or on an interval until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				actor := viper.GetString("actor-id")
				runOnce := func(ctx context.Context) {
					p := pool.New().WithContext(ctx)
					p.Go(func(ctx context.Context) error {
						n, err := a.Queue.CleanupStaleClaiming(ctx)
						if err != nil {
							a.Log.Warn("stale claiming sweep", zap.Error(err))
						} else if n > 0 {
							fmt.Printf("reset %d stale claims\n", n)
						}
						return nil
					})
					p.Go(func(ctx context.Context) error {
						failed, err := a.Queue.CleanupStaleAssigned(ctx, actor)
						if err != nil {
							a.Log.Warn("stale assigned sweep", zap.Error(err))
						} else if len(failed) > 0 {
							fmt.Printf("failed %d never-started tasks\n", len(failed))
						}
						return nil
					})
					p.Go(func(ctx context.Context) error {
						failed, err := a.Queue.FailTimedOut(ctx, actor)
						if err != nil {
							a.Log.Warn("timeout sweep", zap.Error(err))
						} else if len(failed) > 0 {
							fmt.Printf("failed %d timed-out tasks\n", len(failed))
						}
						return nil
					})
					p.Go(func(ctx context.Context) error {
						requeued, err := a.Queue.RequeueRetryable(ctx, actor)
						if err != nil {
							a.Log.Warn("retry sweep", zap.Error(err))
						} else if len(requeued) > 0 {
							fmt.Printf("requeued %d retryable failures\n", len(requeued))
						}
						return nil
					})
					p.Go(func(ctx context.Context) error {
						blocked, err := a.Workflow.BlockStalled(ctx, actor)
						if err != nil {
							a.Log.Warn("stall sweep", zap.Error(err))
						} else if len(blocked) > 0 {
							fmt.Printf("blocked %d stalled tickets\n", len(blocked))
						}
						return nil
					})
					_ = p.Wait()
				}
				runOnce(ctx)
				if once {
					return nil
				}
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						runOnce(ctx)
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "sweep interval")
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	var entityKind, entityID string
	var afterID int64
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID := viper.GetString("project")
				items, err := a.Repo.ListEvents(ctx, projectID, entityKind, entityID, afterID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, e := range items {
					fmt.Printf("%d %s %s %s/%s %s %s\n", e.ID, e.TS, e.Type, e.EntityKind, e.EntityID, e.ActorID, e.Payload)
				}
				return nil
			})
		},
	}
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "filter by entity kind (ticket, task)")
	tail.Flags().StringVar(&entityID, "entity-id", "", "filter by entity id")
	tail.Flags().Int64Var(&afterID, "after", 0, "only events after this id")
	tail.Flags().IntVar(&limit, "limit", 50, "max events")
	logRoot.AddCommand(tail)
	return logRoot
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	settings, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	logger, err := logging.New(viper.GetString("log-level"), viper.GetBool("json"))
	if err != nil {
		return err
	}
	defer logger.Sync()
	a, err := app.New(conn, settings, logger, time.Now)
	if err != nil {
		return err
	}
	return fn(ctx, a)
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

func newID() string {
	return uuid.NewString()
}
