package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"taskorch/internal/kernel"
	"taskorch/pkg/queue"
)

// newServeCmd creates the "taskorch serve" subcommand.
func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher of a namespace until interrupted",
		Long:  "Recovers tasks left RUNNING by a previous process, then claims and runs tasks one at a time.\nServes /metrics when metrics are enabled.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(e *kernel.Engine) error {
				if err := e.Start(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Serving namespace %s (backend %s). Press Ctrl+C to stop.\n",
					e.Config.Namespace, e.Config.Queue.Backend)
				<-cmd.Context().Done()
				return nil
			})
		},
	}
}

// newSubmitCmd creates the "taskorch submit" subcommand.
func newSubmitCmd(a *app) *cobra.Command {
	var (
		taskType string
		group    string
		wait     bool
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit [prompt]",
		Short: "Queue a new task",
		Long:  "Queues a prompt in the namespace. Without an argument the prompt is read from stdin.\nThe task type is inferred from the prompt unless --type is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := ""
			if len(args) == 1 {
				prompt = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("submit: read prompt: %w", err)
				}
				prompt = strings.TrimSpace(string(data))
			}
			typ := queue.TaskType(strings.ToUpper(taskType))
			if typ != "" && !typ.Valid() {
				return fmt.Errorf("submit: unknown task type %q", taskType)
			}

			return a.withEngine(cmd, func(e *kernel.Engine) error {
				task, err := e.Submit(cmd.Context(), kernel.SubmitRequest{Prompt: prompt, Type: typ, GroupID: group})
				if err != nil {
					return fmt.Errorf("submit: %w", err)
				}
				if wait {
					if task, err = waitForTask(cmd.Context(), e, task.ID, timeout); err != nil {
						return fmt.Errorf("submit: %w", err)
					}
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), task)
				}
				if !wait {
					fmt.Fprintln(cmd.OutOrStdout(), task.ID)
					return nil
				}
				printTask(cmd.OutOrStdout(), task)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&taskType, "type", "t", "", "task type: READ_INFO, REPORT or IMPLEMENTATION")
	cmd.Flags().StringVar(&group, "group", "", "group id to attach the task to")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until the task finishes or asks a question (needs a running serve)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "how long --wait waits")
	return cmd
}

const waitPollInterval = 500 * time.Millisecond

// waitForTask polls until the task is terminal or suspended on a question.
func waitForTask(ctx context.Context, e *kernel.Engine, id string, timeout time.Duration) (*queue.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		task, err := e.Get(ctx, id)
		if err != nil && !errors.Is(err, queue.ErrStoreUnavailable) {
			return nil, err
		}
		if err == nil && (task.Status.Terminal() || task.Status == queue.StatusAwaitingResponse) {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for task %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// newRespondCmd creates the "taskorch respond" subcommand.
func newRespondCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "respond <task-id> [answer]",
		Short: "Answer the question a suspended task is waiting on",
		Long: `Answers a task in AWAITING_RESPONSE and marks it for resumption.

Without an answer argument the question is shown and the answer is read from stdin.
On a terminal the options are numbered and a number picks that option.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(e *kernel.Engine) error {
				answer := ""
				if len(args) == 2 {
					answer = args[1]
				} else {
					task, err := e.Get(cmd.Context(), args[0])
					if err != nil {
						return fmt.Errorf("respond: %w", err)
					}
					if task.Clarification == nil || task.Status != queue.StatusAwaitingResponse {
						return fmt.Errorf("respond: task %s is %s and not waiting for an answer", task.ID, task.Status)
					}
					if answer, err = promptAnswer(cmd.InOrStdin(), cmd.ErrOrStderr(), task.Clarification); err != nil {
						return fmt.Errorf("respond: %w", err)
					}
				}

				task, err := e.Respond(cmd.Context(), args[0], answer)
				if err != nil {
					return fmt.Errorf("respond: %w", err)
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), task)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Answered task %s: %s\n", task.ID, task.Clarification.Answer)
				return nil
			})
		},
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// promptAnswer reads one answer line. Interactive sessions see the question first;
// an option number is matched to its option by the engine.
func promptAnswer(in io.Reader, out io.Writer, c *queue.Clarification) (string, error) {
	if isTerminal(in) {
		fmt.Fprintf(out, "%s\n", c.Question)
		for i, opt := range c.Options {
			fmt.Fprintf(out, "  %d) %s\n", i+1, opt)
		}
		fmt.Fprint(out, "> ")
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read answer: %w", err)
	}
	answer := strings.TrimSpace(line)
	if answer == "" {
		return "", errors.New("empty answer")
	}
	return answer, nil
}

// newCancelCmd creates the "taskorch cancel" subcommand.
func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id> [task-id...]",
		Short: "Cancel queued, running or suspended tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(e *kernel.Engine) error {
				for _, id := range args {
					task, err := e.Cancel(cmd.Context(), id)
					if err != nil {
						return fmt.Errorf("cancel: %w", err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Cancelled task %s\n", task.ID)
				}
				return nil
			})
		},
	}
}

// newStatusCmd creates the "taskorch status" subcommand.
func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(e *kernel.Engine) error {
				task, err := e.Get(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("status: %w", err)
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), task)
				}
				printTask(cmd.OutOrStdout(), task)
				return nil
			})
		},
	}
}

// newListCmd creates the "taskorch list" subcommand.
func newListCmd(a *app) *cobra.Command {
	var (
		status string
		group  string
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(e *kernel.Engine) error {
				f := queue.Filter{GroupID: group, Status: queue.Status(strings.ToUpper(status))}
				if !all {
					f.Namespace = e.Config.Namespace
				}
				tasks, err := e.List(cmd.Context(), f)
				if err != nil {
					return fmt.Errorf("list: %w", err)
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), tasks)
				}
				return printTaskTable(cmd.OutOrStdout(), tasks)
			})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "only tasks with this status")
	cmd.Flags().StringVar(&group, "group", "", "only tasks of this group or plan")
	cmd.Flags().BoolVarP(&all, "all-namespaces", "A", false, "list every namespace")
	return cmd
}
