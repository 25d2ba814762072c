package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
	}

	cmd.AddCommand(
		newRunListCmd(clientFn, outputFn),
		newRunStartCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunCancelCmd(clientFn, outputFn),
		newRunTasksCmd(clientFn, outputFn),
	)

	return cmd
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var envID string
	var limit int
	var offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.ListRuns(ListRunsOpts{
				EnvironmentID: envID,
				Limit:         limit,
				Offset:        offset,
			})
			if err != nil {
				return err
			}

			headers := []string{"ID", "JOB_ID", "STATUS", "EXECUTIONS", "DURATION", "CREATED"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{
					r.ID, r.JobID, r.Status,
					strconv.Itoa(r.ExecutionCount),
					FormatMs(r.ExecutionDurationMs),
					r.CreatedAt,
				}
			}

			out.Print(headers, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&envID, "env-id", "", "Environment ID (required)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of results to skip")
	cmd.MarkFlagRequired("env-id")

	return cmd
}

func newRunStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var envID string
	var queueID string
	var payload string

	cmd := &cobra.Command{
		Use:   "start JOB_ID",
		Short: "Start a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := CreateRunRequest{
				EnvironmentID: envID,
				JobID:         args[0],
				QueueID:       queueID,
			}

			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("invalid payload: not valid JSON")
				}
				req.Payload = json.RawMessage(payload)
			}

			run, err := client.CreateRun(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run started: %s", run.ID))
			out.Print(
				[]string{"ID", "JOB_ID", "STATUS", "CREATED"},
				[][]string{{run.ID, run.JobID, run.Status, run.CreatedAt}},
				run,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&envID, "env-id", "", "Environment ID (required)")
	cmd.Flags().StringVar(&queueID, "queue-id", "", "Queue for concurrency accounting")
	cmd.Flags().StringVar(&payload, "payload", "", "Event payload as raw JSON")
	cmd.MarkFlagRequired("env-id")

	return cmd
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.GetRun(args[0])
			if err != nil {
				return err
			}

			out.Detail([][2]string{
				{"ID", run.ID},
				{"Job", run.JobID},
				{"Environment", run.EnvironmentID},
				{"Status", run.Status},
				{"Executions", strconv.Itoa(run.ExecutionCount)},
				{"Execution time", FormatMs(run.ExecutionDurationMs)},
				{"Started", run.StartedAt},
				{"Completed", run.CompletedAt},
				{"Created", run.CreatedAt},
			}, run)
			return nil
		},
	}
}

func newRunCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.CancelRun(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run canceled: %s", run.ID))
			return nil
		},
	}
}

func newRunTasksCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks RUN_ID",
		Short: "List tasks in a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			tasks, err := client.ListRunTasks(args[0])
			if err != nil {
				return err
			}

			headers := []string{"ID", "KEY", "STATUS", "NOOP", "OPERATION", "CREATED"}
			rows := make([][]string, len(tasks))
			for i, t := range tasks {
				rows[i] = []string{
					t.ID, t.IdempotencyKey, t.Status,
					strconv.FormatBool(t.Noop), t.Operation, t.CreatedAt,
				}
			}

			out.Print(headers, rows, tasks)
			return nil
		},
	}
}
