package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"taskorch/internal/kernel"
	"taskorch/pkg/config"
	"taskorch/pkg/logx"
	"taskorch/pkg/queue"
	"taskorch/pkg/version"
)

const defaultConfigPath = "taskorch.yaml"

// app carries the persistent flags every subcommand opens the engine with.
type app struct {
	configPath string
	namespace  string
	jsonOut    bool

	// engineOpts are appended to the engine options; tests inject executors here.
	engineOpts []kernel.Option
}

// newRootCmd creates the root taskorch command with all subcommands attached.
func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "taskorch",
		Short:         "Task orchestration engine for model-backed work",
		Long:          "taskorch queues prompts per namespace, runs them through model executors with\nretries, model escalation and clarification handling, and fans plans out into tasks.",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("taskorch {{.Version}}\n")

	configPath := os.Getenv("TASKORCH_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", configPath, "path to the YAML config file")
	cmd.PersistentFlags().StringVarP(&a.namespace, "namespace", "n", "", "namespace to operate on (default from config)")
	cmd.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "print JSON instead of text")

	cmd.AddCommand(
		newServeCmd(a),
		newSubmitCmd(a),
		newRespondCmd(a),
		newCancelCmd(a),
		newStatusCmd(a),
		newListCmd(a),
		newPlanCmd(a),
		newUsageCmd(a),
		newConfigCmd(a),
		newEventsCmd(a),
	)
	return cmd
}

func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.namespace != "" {
		cfg.Namespace = a.namespace
	}
	return cfg, nil
}

// openEngine builds an engine whose log lines go to the command's stderr.
func (a *app) openEngine(cmd *cobra.Command) (*kernel.Engine, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	opts := append([]kernel.Option{
		kernel.WithLogOptions(logx.NewOptions(cmd.ErrOrStderr(), cfg.Log.Debug, cfg.Log.Domains)),
	}, a.engineOpts...)
	e, err := kernel.NewEngine(cmd.Context(), cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	return e, nil
}

// withEngine opens the engine, runs fn and stops the engine again.
func (a *app) withEngine(cmd *cobra.Command, fn func(e *kernel.Engine) error) (err error) {
	e, err := a.openEngine(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if stopErr := e.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}()
	return fn(e)
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printTask(w io.Writer, t *queue.Task) {
	fmt.Fprintf(w, "ID:        %s\n", t.ID)
	fmt.Fprintf(w, "Namespace: %s\n", t.Namespace)
	fmt.Fprintf(w, "Type:      %s\n", t.Type)
	fmt.Fprintf(w, "Status:    %s\n", t.Status)
	fmt.Fprintf(w, "Attempts:  %d\n", t.Attempts)
	fmt.Fprintf(w, "Updated:   %s\n", t.UpdatedAt.Format(time.RFC3339))
	if t.GroupID != "" {
		fmt.Fprintf(w, "Plan:      %s\n", t.GroupID)
	}
	fmt.Fprintf(w, "Prompt:    %s\n", t.Prompt)
	if t.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:     [%s] %s\n", t.ErrorCode, t.ErrorMessage)
	}
	if c := t.Clarification; c != nil {
		fmt.Fprintf(w, "Question:  %s\n", c.Question)
		if len(c.Options) > 0 {
			fmt.Fprintf(w, "Options:   %s\n", strings.Join(c.Options, ", "))
		}
		if c.Answered() {
			fmt.Fprintf(w, "Answer:    %s\n", c.Answer)
		}
	}
	if t.Output != "" {
		fmt.Fprintf(w, "\n%s\n", t.Output)
	}
}

func printTaskTable(w io.Writer, tasks []*queue.Task) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAMESPACE\tTYPE\tSTATUS\tUPDATED\tPROMPT")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Namespace, t.Type, t.Status, t.UpdatedAt.Format(time.RFC3339), truncate(t.Prompt, 60))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-3]) + "..."
}
