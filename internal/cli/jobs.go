package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/martin/aria/internal/config"
	"github.com/martin/aria/pkg/scheduler"
)

// The jobs commands edit the scheduler's store file directly. A running
// daemon watches the file and picks the change up without a restart.

var (
	jobName    string
	jobUser    string
	jobPayload string
	jobCron    string
	jobTZ      string
	jobEvery   time.Duration
	jobAt      string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	RunE:  runJobsList,
}

var jobsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a scheduled job",
	Long: `Add a scheduled job. Exactly one trigger must be given:
--cron for a recurring cron schedule, --every for a fixed interval, or
--at for a one-shot timestamp (RFC 3339).`,
	RunE: runJobsAdd,
}

var jobsRemoveCmd = &cobra.Command{
	Use:   "remove <job-id>",
	Short: "Remove a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRemove,
}

func init() {
	jobsAddCmd.Flags().StringVar(&jobName, "name", "", "job name")
	jobsAddCmd.Flags().StringVar(&jobUser, "user", "", "target user id")
	jobsAddCmd.Flags().StringVar(&jobPayload, "payload", "", "instruction injected into the user's lane when the job fires")
	jobsAddCmd.Flags().StringVar(&jobCron, "cron", "", "5-field cron expression")
	jobsAddCmd.Flags().StringVar(&jobTZ, "tz", "", "timezone for --cron (IANA name)")
	jobsAddCmd.Flags().DurationVar(&jobEvery, "every", 0, "fixed interval, e.g. 30m")
	jobsAddCmd.Flags().StringVar(&jobAt, "at", "", "one-shot fire time (RFC 3339)")
	_ = jobsAddCmd.MarkFlagRequired("name")
	_ = jobsAddCmd.MarkFlagRequired("user")
	_ = jobsAddCmd.MarkFlagRequired("payload")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsAddCmd)
	jobsCmd.AddCommand(jobsRemoveCmd)
	rootCmd.AddCommand(jobsCmd)
}

func jobStorePath() (string, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return filepath.Join(cfg.DataDir, "jobs.json"), nil
}

func loadJobs(path string) ([]*scheduler.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read job store: %w", err)
	}

	var jobs []*scheduler.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse job store: %w", err)
	}
	return jobs, nil
}

func saveJobs(path string, jobs []*scheduler.Job) error {
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp store: %w", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		return fmt.Errorf("failed to rename temp store: %w", err)
	}
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	path, err := jobStorePath()
	if err != nil {
		return err
	}
	jobs, err := loadJobs(path)
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Println("No scheduled jobs")
		return nil
	}

	for _, job := range jobs {
		state := "enabled"
		if !job.Enabled {
			state = "disabled"
		}
		fmt.Printf("%s  %-20s  user=%s  %s  next=%s\n",
			job.ID, job.Name, job.UserID, state, job.NextRun.Format(time.RFC3339))
	}
	return nil
}

func runJobsAdd(cmd *cobra.Command, args []string) error {
	trigger, err := buildTrigger()
	if err != nil {
		return err
	}

	next, err := trigger.Next(time.Now())
	if err != nil {
		return fmt.Errorf("invalid trigger: %w", err)
	}

	path, err := jobStorePath()
	if err != nil {
		return err
	}
	jobs, err := loadJobs(path)
	if err != nil {
		return err
	}

	job := &scheduler.Job{
		ID:        uuid.New().String(),
		Name:      jobName,
		UserID:    jobUser,
		Payload:   jobPayload,
		Trigger:   trigger,
		Enabled:   true,
		CreatedAt: time.Now(),
		NextRun:   next,
	}
	jobs = append(jobs, job)

	if err := saveJobs(path, jobs); err != nil {
		return err
	}

	fmt.Printf("Job %s added, next run %s\n", job.ID, next.Format(time.RFC3339))
	return nil
}

func runJobsRemove(cmd *cobra.Command, args []string) error {
	path, err := jobStorePath()
	if err != nil {
		return err
	}
	jobs, err := loadJobs(path)
	if err != nil {
		return err
	}

	kept := jobs[:0]
	found := false
	for _, job := range jobs {
		if job.ID == args[0] {
			found = true
			continue
		}
		kept = append(kept, job)
	}
	if !found {
		return fmt.Errorf("job not found: %s", args[0])
	}

	if err := saveJobs(path, kept); err != nil {
		return err
	}

	fmt.Printf("Job %s removed\n", args[0])
	return nil
}

func buildTrigger() (scheduler.Trigger, error) {
	set := 0
	if jobCron != "" {
		set++
	}
	if jobEvery > 0 {
		set++
	}
	if jobAt != "" {
		set++
	}
	if set != 1 {
		return scheduler.Trigger{}, fmt.Errorf("exactly one of --cron, --every or --at is required")
	}

	switch {
	case jobCron != "":
		return scheduler.Trigger{Kind: scheduler.TriggerCron, Expr: jobCron, TZ: jobTZ}, nil
	case jobEvery > 0:
		return scheduler.Trigger{Kind: scheduler.TriggerInterval, Every: jobEvery}, nil
	default:
		at, err := time.Parse(time.RFC3339, jobAt)
		if err != nil {
			return scheduler.Trigger{}, fmt.Errorf("invalid --at timestamp: %w", err)
		}
		return scheduler.Trigger{Kind: scheduler.TriggerOneShot, At: at}, nil
	}
}
