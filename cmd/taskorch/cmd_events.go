package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"taskorch/pkg/eventlog"
	"taskorch/pkg/events"
)

// newEventsCmd creates the "taskorch events" subcommand.
func newEventsCmd(a *app) *cobra.Command {
	var (
		file   string
		taskID string
		types  []string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print events from the JSONL event log",
		Long:  "Reads the daily event log files under events.log_dir, oldest first, and prints the\nevents matching the filters. --file reads a single log file instead.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			files := []string{file}
			if file == "" {
				cfg, err := a.loadConfig()
				if err != nil {
					return fmt.Errorf("events: %w", err)
				}
				if files, err = eventlog.ListLogFiles(cfg.Events.LogDir); err != nil {
					return fmt.Errorf("events: %w", err)
				}
				sort.Strings(files)
			}

			wanted := make(map[events.Type]bool, len(types))
			for _, t := range types {
				wanted[events.Type(strings.ToUpper(t))] = true
			}

			var matched []events.Event
			for _, f := range files {
				evts, err := eventlog.ReadEvents(f)
				if err != nil {
					return fmt.Errorf("events: %w", err)
				}
				for _, e := range evts {
					if taskID != "" && e.TaskID != taskID {
						continue
					}
					if len(wanted) > 0 && !wanted[e.Type] {
						continue
					}
					if a.namespace != "" && e.Namespace != a.namespace {
						continue
					}
					matched = append(matched, e)
				}
			}
			if limit > 0 && len(matched) > limit {
				matched = matched[len(matched)-limit:]
			}

			if a.jsonOut {
				return printJSON(cmd.OutOrStdout(), matched)
			}
			for _, e := range matched {
				printEvent(cmd.OutOrStdout(), e)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read this log file only")
	cmd.Flags().StringVar(&taskID, "task", "", "only events of this task")
	cmd.Flags().StringSliceVar(&types, "type", nil, "only events of these types")
	cmd.Flags().IntVar(&limit, "tail", 0, "print only the last N matching events")
	return cmd
}

func printEvent(w io.Writer, e events.Event) {
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Data[k]))
	}
	fmt.Fprintf(w, "%s %-24s %-10s %s %s\n",
		e.Timestamp.Format(time.RFC3339), e.Type, e.Namespace, e.TaskID, strings.Join(parts, " "))
}
