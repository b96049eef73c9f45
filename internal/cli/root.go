package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/throw-if-null/taskrelay/internal/api"
	"github.com/throw-if-null/taskrelay/internal/version"
)

// DefaultAddr is used when neither --addr nor TASKRELAY_ADDR is set.
var DefaultAddr = fmt.Sprintf("http://%s:%d", api.DefaultHost, api.DefaultPort)

// NewRootCmd builds the taskrelay command tree. hc may be nil.
func NewRootCmd(hc *http.Client) *cobra.Command {
	var addr string
	root := &cobra.Command{
		Use:           "taskrelay",
		Short:         "Client for the taskrelay daemon",
		Long:          `taskrelay submits tasks to a running taskrelayd, inspects and controls them, and streams their events.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultAddr := DefaultAddr
	if v := os.Getenv("TASKRELAY_ADDR"); v != "" {
		defaultAddr = v
	}
	root.PersistentFlags().StringVar(&addr, "addr", defaultAddr, "daemon address")

	client := func() *Client { return NewClient(addr, hc) }
	root.AddCommand(
		submitCmd(client),
		listCmd(client),
		statusCmd(client),
		outputCmd(client),
		interactionsCmd(client),
		simpleCmd("interrupt", "Stop a running task", client, (*Client).Interrupt),
		simpleCmd("rollback", "Revert the changes of a finished task", client, (*Client).Rollback),
		simpleCmd("delete", "Remove a task and its interactions", client, (*Client).Delete),
		respondCmd(client),
		watchCmd(client),
		versionCmd(),
	)
	return root
}

// Execute runs the root command against os.Args.
func Execute() error {
	root := NewRootCmd(nil)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
		return err
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func submitCmd(client func() *Client) *cobra.Command {
	var req api.CreateTaskRequest
	var typ, schedule, approval string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Type = api.TaskType(typ)
			req.ApprovalMode = api.ApprovalMode(approval)
			if schedule != "" {
				at, err := time.Parse(time.RFC3339, schedule)
				if err != nil {
					return fmt.Errorf("invalid --schedule: %w", err)
				}
				req.ScheduledFor = &at
			}
			resp, err := client().Submit(req)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVarP(&req.Description, "description", "d", "", "what the task should do")
	cmd.Flags().StringVarP(&typ, "type", "t", string(api.TypeCustom), "code_generation, code_modification, code_analysis or custom")
	cmd.Flags().StringVar(&schedule, "schedule", "", "start time (RFC3339); omit to start now")
	cmd.Flags().StringVar(&approval, "approval", "", "manual, semi-auto or auto")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func listCmd(client func() *Client) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tasks, err := client().List(limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), tasks)
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tCREATED\tDESCRIPTION")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Type, formatAge(t.CreatedAt), truncate(t.Description, 48))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of tasks (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func statusCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := client().Get(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), t)
		},
	}
}

func outputCmd(client func() *Client) *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "output <task-id>",
		Short: "Print the accumulated output of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client().Output(args[0], tail)
			if err != nil {
				return err
			}
			if out != "" && !strings.HasSuffix(out, "\n") {
				out += "\n"
			}
			_, err = io.WriteString(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().IntVar(&tail, "tail", -1, "only the last N lines")
	return cmd
}

func interactionsCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "interactions <task-id>",
		Short: "List the interaction requests of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := client().Interactions(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), items)
		},
	}
}

func simpleCmd(use, short string, client func() *Client, fn func(*Client, string) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := fn(client(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func respondCmd(client func() *Client) *cobra.Command {
	var interactionID, response string
	cmd := &cobra.Command{
		Use:   "respond <task-id>",
		Short: "Answer an open interaction request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := client().Respond(args[0], interactionID, response)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&interactionID, "interaction", "", "interaction id")
	cmd.Flags().StringVar(&response, "response", "", "response text")
	_ = cmd.MarkFlagRequired("interaction")
	_ = cmd.MarkFlagRequired("response")
	return cmd
}

func watchCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Stream a task's events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			t, err := c.Get(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if t.Status.IsTerminal() {
				fmt.Fprintf(out, "[status] %s\n", t.Status)
				return nil
			}
			return c.Watch(args[0], func(ev api.Event) bool {
				printEvent(out, ev)
				return !(ev.Type == api.EventStatusUpdate && ev.Status.IsTerminal())
			})
		},
	}
}

func printEvent(w io.Writer, ev api.Event) {
	switch ev.Type {
	case api.EventOutputUpdate:
		fmt.Fprint(w, ev.Output)
	case api.EventStatusUpdate:
		fmt.Fprintf(w, "[status] %s: %s\n", ev.Status, ev.Message)
		if ev.Result != nil && ev.Result.Summary != "" {
			fmt.Fprintf(w, "[result] %s (%d changes)\n", ev.Result.Summary, len(ev.Result.Changes))
		}
	case api.EventInteractionRequest:
		if i := ev.Interaction; i != nil {
			fmt.Fprintf(w, "[interaction %s] %s: %s", i.ID, i.Type, i.Message)
			if len(i.Options) > 0 {
				fmt.Fprintf(w, " [%s]", strings.Join(i.Options, ", "))
			}
			fmt.Fprintln(w)
		}
	case api.EventInteractionProcessed:
		fmt.Fprintf(w, "[interaction %s] %s\n", ev.InteractionID, ev.Message)
	case api.EventError:
		fmt.Fprintf(w, "[error] %s\n", ev.Message)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "taskrelay %s (%s)\n", version.Version, version.Commit)
		},
	}
}

// formatAge returns a human-readable relative time string.
func formatAge(t time.Time) string {
	d := time.Since(t)
	if d < time.Minute {
		return "just now"
	}
	if m := int(d.Minutes()); m < 60 {
		return fmt.Sprintf("%dm ago", m)
	}
	if h := int(d.Hours()); h < 24 {
		return fmt.Sprintf("%dh ago", h)
	}
	return fmt.Sprintf("%dd ago", int(d.Hours())/24)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
