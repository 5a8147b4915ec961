package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"airp/internal/api"
)

var (
	runStep        int
	runForce       bool
	runRedoChapter int
	jobLogLines    int
)

var runCmd = &cobra.Command{
	Use:   "run <novel-id>",
	Short: "Start a pipeline job",
	Long: `Start a pipeline job for one novel.

With no flags the whole pipeline runs: chapter split, scene split,
annotation, vectorization and profile generation. --step runs a single
stage, --force redoes completed work, --redo-chapter reprocesses one
chapter from scene split onward.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		spec := map[string]any{"step": runStep, "force": runForce}
		if runRedoChapter > 0 {
			spec["redo_chapter"] = runRedoChapter
		}
		var result map[string]any
		err = client.Post(cmd.Context(), "/novels/"+args[0]+"/pipeline/run", spec, &result)
		if err != nil {
			return err
		}
		return api.Output(result)
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Pipeline job commands",
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		var result map[string]any
		if err := client.Get(cmd.Context(), "/jobs/"+args[0], &result); err != nil {
			return err
		}
		return api.Output(result)
	},
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Tail a job's log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		path := "/jobs/" + args[0] + "/logs"
		if jobLogLines > 0 {
			path = fmt.Sprintf("%s?lines=%d", path, jobLogLines)
		}
		var result struct {
			JobID string   `json:"job_id"`
			Lines []string `json:"lines"`
		}
		if err := client.Get(cmd.Context(), path, &result); err != nil {
			return err
		}
		for _, line := range result.Lines {
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().IntVar(&runStep, "step", 0, "run a single stage 1-5 (0 = all)")
	runCmd.Flags().BoolVar(&runForce, "force", false, "redo completed work")
	runCmd.Flags().IntVar(&runRedoChapter, "redo-chapter", 0, "reprocess one chapter by number")
	jobsLogsCmd.Flags().IntVar(&jobLogLines, "lines", 0, "number of log lines (default 200, max 2000)")

	jobsCmd.AddCommand(jobsGetCmd, jobsLogsCmd)
	apiCmd.AddCommand(runCmd, jobsCmd)
}
