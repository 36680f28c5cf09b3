package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/montylab/simorch/internal/domain"
)

func NewRunsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Manage simulation runs",
	}
	cmd.AddCommand(
		newRunsListCmd(clientFn, outputFn),
		newRunsGetCmd(clientFn, outputFn),
		newRunsCreateCmd(clientFn, outputFn),
		newRunsCancelCmd(clientFn, outputFn),
		newRunsLogsCmd(clientFn, outputFn),
		newRunsMetricsCmd(clientFn, outputFn),
	)
	return cmd
}

var runHeaders = []string{"ID", "NAME", "STATUS", "OWNER", "PROFILE", "CREATED"}

func runRow(r domain.Run) []string {
	return []string{r.ID, r.Name, string(r.Status), r.Owner, r.BrainProfile.ID, r.CreatedAt.Format(time.RFC3339)}
}

func newRunsListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListRunsOpts
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := clientFn().ListRuns(cmd.Context(), opts)
			if err != nil {
				return err
			}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = runRow(r)
			}
			outputFn().Print(runHeaders, rows, runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (Pending, Running, Completed, Failed, Cancelled)")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "Filter by owner")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")
	return cmd
}

func newRunsGetCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "get RUN_ID",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := clientFn().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			outputFn().Print(
				[]string{"ID", "NAME", "STATUS", "MONTY", "SIMULATOR", "CHECKPOINT_OUT", "ARTIFACTS"},
				[][]string{{
					run.ID, run.Name, string(run.Status),
					run.MontyImage.Reference(""), run.SimulatorImage.Reference(""),
					run.CheckpointOut, strconv.Itoa(len(run.Artifacts)),
				}},
				run,
			)
			return nil
		},
	}
}

// LoadRunRequest reads a YAML (or JSON) request file. bridgeCodeFile, when
// set, is resolved relative to the working directory and overrides
// bridgeCode.
func LoadRunRequest(path string) (CreateRunRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return CreateRunRequest{}, err
	}
	var file struct {
		CreateRunRequest `yaml:",inline"`
		BridgeCodeFile   string `yaml:"bridgeCodeFile"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return CreateRunRequest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	req := file.CreateRunRequest
	if file.BridgeCodeFile != "" {
		code, err := os.ReadFile(file.BridgeCodeFile)
		if err != nil {
			return CreateRunRequest{}, fmt.Errorf("read bridge code: %w", err)
		}
		req.BridgeCode = string(code)
	}
	return req, nil
}

func newRunsCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string
	var name string
	var deadline int64
	cmd := &cobra.Command{
		Use:   "create -f REQUEST.yaml",
		Short: "Create and submit a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := LoadRunRequest(file)
			if err != nil {
				return err
			}
			if name != "" {
				req.Name = name
			}
			if cmd.Flags().Changed("deadline") {
				req.ActiveDeadlineSeconds = deadline
			}

			out := outputFn()
			run, err := clientFn().CreateRun(cmd.Context(), req)
			if err != nil {
				var apiErr *APIError
				if errors.As(err, &apiErr) && apiErr.Run != nil {
					out.Print(runHeaders, [][]string{runRow(*apiErr.Run)}, apiErr.Run)
				}
				return err
			}
			out.Success("Run created: " + run.ID)
			out.Print(runHeaders, [][]string{runRow(run)}, run)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Run request file (YAML)")
	cmd.Flags().StringVar(&name, "name", "", "Override the run name")
	cmd.Flags().Int64Var(&deadline, "deadline", 0, "Active deadline in seconds (300-7200)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRunsCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a pending or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := clientFn().CancelRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := outputFn()
			out.Success("Run cancelled: " + run.ID)
			out.Print(runHeaders, [][]string{runRow(run)}, run)
			return nil
		},
	}
}

func newRunsLogsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var afterID int64
	cmd := &cobra.Command{
		Use:   "logs RUN_ID",
		Short: "Print a run's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := clientFn().RunLogs(cmd.Context(), args[0], afterID)
			if err != nil {
				return err
			}
			rows := make([][]string, len(logs))
			for i, e := range logs {
				rows[i] = []string{strconv.FormatInt(e.ID, 10), e.Timestamp.Format(time.RFC3339), string(e.Level), e.Message}
			}
			outputFn().Print([]string{"ID", "TIME", "LEVEL", "MESSAGE"}, rows, logs)
			return nil
		},
	}
	cmd.Flags().Int64Var(&afterID, "after-id", 0, "Only entries with a larger id")
	return cmd
}

func newRunsMetricsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics RUN_ID",
		Short: "Print a run's metric series",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			points, err := clientFn().RunMetrics(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rows := make([][]string, len(points))
			for i, p := range points {
				rows[i] = []string{formatFloat(p.Time), formatFloat(p.Reward), formatFloat(p.Energy), formatFloat(p.Nociceptor)}
			}
			outputFn().Print([]string{"TIME", "REWARD", "ENERGY", "NOCICEPTOR"}, rows, points)
			return nil
		},
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
