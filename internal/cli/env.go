package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewEnvCmd создаёт группу команд для управления окружениями.
func NewEnvCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Manage environments",
	}

	cmd.AddCommand(
		newEnvListCmd(clientFn, outputFn),
		newEnvPingCmd(clientFn, outputFn),
		newEnvValidateCmd(clientFn, outputFn),
		newEnvIndexCmd(clientFn, outputFn),
		newEnvProbeCmd(clientFn, outputFn),
	)

	return cmd
}

func newEnvListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List environments",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			envs, err := client.ListEnvironments()
			if err != nil {
				return err
			}

			headers := []string{"ID", "SLUG", "ENDPOINT", "VERSION", "CHUNK_LIMIT_MS"}
			rows := make([][]string, len(envs))
			for i, e := range envs {
				rows[i] = []string{
					e.ID, e.Slug, e.EndpointURL, e.Version,
					strconv.FormatInt(e.RunChunkExecutionLimitMs, 10),
				}
			}

			out.Print(headers, rows, envs)
			return nil
		},
	}
}

func newEnvPingCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "ping ID",
		Short: "Check endpoint availability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			ping, err := client.PingEnvironment(args[0])
			if err != nil {
				return err
			}

			if !ping.OK {
				if ping.InvalidAPIKey {
					return fmt.Errorf("endpoint rejected API key: %s", ping.Error)
				}
				return fmt.Errorf("endpoint unreachable: %s", ping.Error)
			}

			out.Success("Endpoint is reachable")
			out.Print(
				[]string{"OK"},
				[][]string{{"true"}},
				ping,
			)
			return nil
		},
	}
}

func newEnvValidateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "validate ID",
		Short: "Validate endpoint and its API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			result, err := client.ValidateEnvironment(args[0])
			if err != nil {
				return err
			}

			if !result.OK {
				if result.InvalidAPIKey {
					return fmt.Errorf("endpoint rejected API key: %s", result.Error)
				}
				return fmt.Errorf("validation failed: %s", result.Error)
			}

			out.Success("Endpoint validated")
			out.Print(
				[]string{"OK"},
				[][]string{{"true"}},
				result,
			)
			return nil
		},
	}
}

func newEnvIndexCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "index ID",
		Short: "Fetch the endpoint's job catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			index, err := client.IndexEnvironment(args[0])
			if err != nil {
				return err
			}

			// Каталог — произвольный JSON endpoint'а, выводим как есть.
			out.JSON(index.Catalog)
			return nil
		},
	}
}

func newEnvProbeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "probe ID",
		Short: "Calibrate endpoint execution time ceiling",
		Long: `Probe the endpoint to measure how long it can keep a request open
and persist the result as the environment's chunk execution limit.
The probe holds a request open for up to five minutes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			probe, err := client.ProbeEnvironment(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Chunk execution limit set to %dms", probe.LimitMs))
			out.Print(
				[]string{"LIMIT_MS"},
				[][]string{{strconv.FormatInt(probe.LimitMs, 10)}},
				probe,
			)
			return nil
		},
	}
}
