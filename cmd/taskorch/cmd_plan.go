package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"taskorch/internal/kernel"
	"taskorch/pkg/plan"
	"taskorch/pkg/queue"
)

// newPlanCmd creates the "taskorch plan" command group.
func newPlanCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Create, dispatch and verify multi-task plans",
	}
	cmd.AddCommand(
		newPlanCreateCmd(a),
		newPlanImportCmd(a),
		newPlanDispatchCmd(a),
		newPlanVerifyCmd(a),
		newPlanShowCmd(a),
		newPlanListCmd(a),
	)
	return cmd
}

func newPlanCreateCmd(a *app) *cobra.Command {
	var (
		sequential bool
		taskType   string
	)
	cmd := &cobra.Command{
		Use:   "create <project-id> <task description> [task description...]",
		Short: "Create a DRAFT plan from task descriptions",
		Long:  "Each description becomes one plan task. With --sequential every task depends on the one before it;\notherwise the tasks are independent. Use 'plan import' for arbitrary dependencies.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if typ := queue.TaskType(strings.ToUpper(taskType)); typ != "" && !typ.Valid() {
				return fmt.Errorf("plan create: unknown task type %q", taskType)
			}
			tasks := make([]plan.Task, 0, len(args)-1)
			for i, desc := range args[1:] {
				t := plan.Task{
					ID:          fmt.Sprintf("task-%d", i+1),
					Description: desc,
					Type:        queue.TaskType(strings.ToUpper(taskType)),
				}
				if sequential && i > 0 {
					t.Dependencies = []string{fmt.Sprintf("task-%d", i)}
				}
				tasks = append(tasks, t)
			}
			return a.withEngine(cmd, func(e *kernel.Engine) error {
				p, err := e.CreatePlan(cmd.Context(), args[0], e.Config.Namespace, tasks)
				if err != nil {
					return fmt.Errorf("plan create: %w", err)
				}
				return a.printPlan(cmd.OutOrStdout(), p)
			})
		},
	}
	cmd.Flags().BoolVar(&sequential, "sequential", false, "make each task depend on the previous one")
	cmd.Flags().StringVarP(&taskType, "type", "t", "", "task type for every task (default IMPLEMENTATION)")
	return cmd
}

func newPlanImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <plan.yaml>",
		Short: "Create a DRAFT plan from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(e *kernel.Engine) error {
				p, err := e.ImportPlan(cmd.Context(), args[0], e.Config.Namespace)
				if err != nil {
					return fmt.Errorf("plan import: %w", err)
				}
				return a.printPlan(cmd.OutOrStdout(), p)
			})
		},
	}
}

func newPlanDispatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <plan-id>",
		Short: "Run every task of a DRAFT plan and wait for them",
		Long:  "Enqueues each plan task once its dependencies completed and runs them in this process.\nA failed task skips its dependents and fails the plan.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(e *kernel.Engine) error {
				p, err := e.DispatchPlan(cmd.Context(), args[0])
				if p != nil {
					if printErr := a.printPlan(cmd.OutOrStdout(), p); printErr != nil {
						return printErr
					}
				}
				if err != nil {
					return fmt.Errorf("plan dispatch: %w", err)
				}
				return nil
			})
		},
	}
}

func newPlanVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <plan-id>",
		Short: "Run the configured gate commands against a completed plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(e *kernel.Engine) error {
				p, err := e.VerifyPlan(cmd.Context(), args[0])
				if p != nil {
					if printErr := a.printPlan(cmd.OutOrStdout(), p); printErr != nil {
						return printErr
					}
				}
				if err != nil {
					return fmt.Errorf("plan verify: %w", err)
				}
				if p.Status != plan.StatusVerified {
					return fmt.Errorf("plan verify: plan %s failed verification", p.ID)
				}
				return nil
			})
		},
	}
}

func newPlanShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan and its task progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(e *kernel.Engine) error {
				p, err := e.GetPlan(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("plan show: %w", err)
				}
				return a.printPlan(cmd.OutOrStdout(), p)
			})
		},
	}
}

func newPlanListCmd(a *app) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(e *kernel.Engine) error {
				plans, err := e.ListPlans(cmd.Context(), project)
				if err != nil {
					return fmt.Errorf("plan list: %w", err)
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), plans)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tPROJECT\tNAMESPACE\tSTATUS\tTASKS")
				for _, p := range plans {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", p.ID, p.ProjectID, p.Namespace, p.Status, len(p.Tasks))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "only plans of this project")
	return cmd
}

func (a *app) printPlan(w io.Writer, p *plan.Plan) error {
	if a.jsonOut {
		return printJSON(w, p)
	}
	fmt.Fprintf(w, "Plan %s (project %s, namespace %s): %s\n", p.ID, p.ProjectID, p.Namespace, p.Status)
	if p.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", p.Error)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tDEPENDS ON\tRUN\tDESCRIPTION")
	for _, t := range p.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\n", t.ID, t.Status, t.Dependencies, t.RunID, truncate(t.Description, 50))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	progress := p.Progress()
	keys := make([]string, 0, len(progress))
	for s := range progress {
		keys = append(keys, string(s))
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %d\n", k, progress[plan.TaskStatus(k)])
	}

	if p.GateResult != nil {
		for _, c := range p.GateResult.Checks {
			mark := "PASS"
			if !c.Passed {
				mark = "FAIL"
			}
			fmt.Fprintf(w, "  gate %s: %s\n", c.Name, mark)
		}
	}
	return nil
}
