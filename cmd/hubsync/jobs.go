package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/hubsync"
)

var (
	jobsQuery    string
	jobsLocation string
	jobsType     string
	jobsLimit    int
	jobsWatch    bool

	applicationsJob   string
	applicationsWatch bool
)

func init() {
	jobsCmd.Flags().StringVar(&jobsQuery, "query", "", "Search text")
	jobsCmd.Flags().StringVar(&jobsLocation, "location", "", "Filter by location")
	jobsCmd.Flags().StringVar(&jobsType, "type", "", "Filter by job type")
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "Max number of jobs")
	jobsCmd.Flags().BoolVarP(&jobsWatch, "watch", "w", false, "Keep polling and reprint on change")
	applicationsCmd.Flags().StringVar(&applicationsJob, "job", "", "Show applications received for this job instead of your own")
	applicationsCmd.Flags().BoolVarP(&applicationsWatch, "watch", "w", false, "Keep polling and reprint on change")
	jobsCmd.AddCommand(jobsGetCmd)
	rootCmd.AddCommand(jobsCmd, applicationsCmd)
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List job board postings",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		hub, release, err := openHub(ctx)
		if err != nil {
			return err
		}
		defer release()

		if _, err := resume(ctx, hub); err != nil {
			return err
		}

		query := &hubsync.JobSearchOptions{
			Query:    jobsQuery,
			Location: jobsLocation,
			Type:     jobsType,
			Limit:    jobsLimit,
		}

		if !jobsWatch {
			reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			jobs, err := hub.Client().Jobs.List(reqCtx, query)
			if err != nil {
				return fmt.Errorf("cannot load jobs: %s", describeError(err))
			}
			printJobs(jobs)
			return nil
		}

		poller, err := hub.WatchJobs(query)
		if err != nil {
			return err
		}
		defer poller.Stop()
		poller.Observe(func() {
			if err := poller.Err(); err != nil {
				fmt.Fprintf(os.Stderr, "poll failed: %s\n", describeError(err))
				return
			}
			fmt.Printf("\n-- %s --\n", time.Now().Format(time.TimeOnly))
			printJobs(poller.Items())
		})
		if poller.Loaded() {
			printJobs(poller.Items())
		}

		<-ctx.Done()
		return nil
	},
}

func printJobs(jobs []hubsync.Job) {
	if len(jobs) == 0 {
		fmt.Println("No jobs.")
		return
	}
	for _, j := range jobs {
		fmt.Printf("%-20s %-32s %-20s %s\n", j.ID, j.Title, j.Company, valueOrDefault(j.Location, "-"))
	}
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job posting",
	Args:  cobra.ExactArgs(1),
	RunE: withHub(func(ctx context.Context, hub *hubsync.Hub, args []string) error {
		if _, err := resume(ctx, hub); err != nil {
			return err
		}
		job, err := hub.Client().Jobs.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("cannot load job: %s", describeError(err))
		}
		fmt.Printf("ID:       %s\n", job.ID)
		fmt.Printf("Title:    %s\n", job.Title)
		fmt.Printf("Company:  %s\n", job.Company)
		fmt.Printf("Location: %s\n", valueOrDefault(job.Location, "-"))
		fmt.Printf("Type:     %s\n", valueOrDefault(job.Type, "-"))
		fmt.Printf("Salary:   %s\n", valueOrDefault(job.Salary, "-"))
		fmt.Printf("Status:   %s\n", valueOrDefault(job.Status, "-"))
		return nil
	}),
}

var applicationsCmd = &cobra.Command{
	Use:   "applications",
	Short: "List your job applications, or those received for --job",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		hub, release, err := openHub(ctx)
		if err != nil {
			return err
		}
		defer release()

		if _, err := resume(ctx, hub); err != nil {
			return err
		}

		if !applicationsWatch {
			reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			var apps []hubsync.Application
			if applicationsJob != "" {
				apps, err = hub.Client().Applications.ForJob(reqCtx, applicationsJob)
			} else {
				apps, err = hub.Client().Applications.Mine(reqCtx)
			}
			if err != nil {
				return fmt.Errorf("cannot load applications: %s", describeError(err))
			}
			printApplications(apps)
			return nil
		}

		var poller *hubsync.Poller[hubsync.Application]
		if applicationsJob != "" {
			poller, err = hub.WatchApplications(applicationsJob)
		} else {
			poller, err = hub.WatchMyApplications()
		}
		if err != nil {
			return err
		}
		defer poller.Stop()
		poller.Observe(func() {
			if err := poller.Err(); err != nil {
				fmt.Fprintf(os.Stderr, "poll failed: %s\n", describeError(err))
				return
			}
			fmt.Printf("\n-- %s --\n", time.Now().Format(time.TimeOnly))
			printApplications(poller.Items())
		})
		if poller.Loaded() {
			printApplications(poller.Items())
		}

		<-ctx.Done()
		return nil
	},
}

func printApplications(apps []hubsync.Application) {
	if len(apps) == 0 {
		fmt.Println("No applications.")
		return
	}
	for _, a := range apps {
		fmt.Printf("%-20s %-20s %-20s %s\n", a.ID, a.JobID, a.ApplicantID, valueOrDefault(a.Status, "pending"))
	}
}
