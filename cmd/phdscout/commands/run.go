package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"phdscout/lib/configutil"
	"phdscout/lib/fetch"
	"phdscout/lib/llm"
	"phdscout/lib/restyutil"
	"phdscout/lib/serviceutil"
	"phdscout/lib/sqliteutil"
	"phdscout/services/pipeline"
	"phdscout/services/pipeline/db"
)

type FetchConfig struct {
	PolitenessSeconds float64 `json:"politeness_seconds"`
	TimeoutSeconds    float64 `json:"timeout_seconds"`
	UserAgent         string  `json:"user_agent"`
}

type PipelineConfig struct {
	Queries     int    `json:"queries"`
	Workers     int    `json:"workers"`
	MaxProjects int    `json:"max_projects"`
	Alignment   string `json:"alignment"`
	FlushEvery  int    `json:"flush_every"`
}

type Config struct {
	Llm      llm.Config     `json:"llm"`
	Fetch    FetchConfig    `json:"fetch"`
	Pipeline PipelineConfig `json:"pipeline"`
	AuditDb  string         `json:"audit_db"`
}

var (
	runOut         *string
	runDelay       *float64
	runConfig      *string
	runMaxProjects *int
	runWorkers     *int
	runAuditDb     *string
)

func init() {
	runOut = runCmd.Flags().String("out", "phd_listings.csv", "The csv file to write results to.")
	runDelay = runCmd.Flags().Float64("delay", 0, "Seconds between requests to the same host, overrides config.")
	runConfig = runCmd.Flags().String("config", "phdscout.json5", "The config file to read.")
	runMaxProjects = runCmd.Flags().Int("max-projects", 0, "Cap on listings processed this run, overrides config.")
	runWorkers = runCmd.Flags().Int("workers", 0, "Concurrent listing workers, overrides config.")
	runAuditDb = runCmd.Flags().String("audit-db", "", "Sqlite file recording what happened to every link, overrides config.")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   `run "<research goal>"`,
	Short: "Discovers listings matching a research goal and extracts them into a csv table.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		goal := args[0]

		cfg, err := configutil.ReadConfig[Config](*runConfig)
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}

		if *debug {
			fetch.SetRestyInstrumentOutput(restyutil.NewFilesystemOutput(".dev/resty/fetch"))
			llm.SetRestyInstrumentOutput(restyutil.NewFilesystemOutput(".dev/resty/llm"))
		}

		client, err := llm.NewClient(cfg.Llm, llm.ClientOptions{})
		if err != nil {
			serviceutil.Fatal("failed to initialize llm client", err)
		}

		delay := time.Duration(cfg.Fetch.PolitenessSeconds * float64(time.Second))
		if *runDelay > 0 {
			delay = time.Duration(*runDelay * float64(time.Second))
		}
		if delay <= 0 {
			delay = fetch.DefaultPolitenessDelay
		}
		fetcher := fetch.NewFetcher(fetch.NewHostLimiters(delay), fetch.Options{
			UserAgent: cfg.Fetch.UserAgent,
			Timeout:   time.Duration(cfg.Fetch.TimeoutSeconds * float64(time.Second)),
		})

		store, err := pipeline.OpenResultStore(*runOut)
		if err != nil {
			serviceutil.Fatal("failed to open result table", err)
		}

		var audit *pipeline.AuditLog
		auditPath := cfg.AuditDb
		if *runAuditDb != "" {
			auditPath = *runAuditDb
		}
		if auditPath != "" {
			auditDb, err := sqliteutil.OpenDB(db.Schema, auditPath)
			if err != nil {
				serviceutil.Fatal("failed to open audit db", err)
			}
			defer auditDb.Close()
			audit = pipeline.NewAuditLog(auditDb)
		}

		workers := cfg.Pipeline.Workers
		if *runWorkers > 0 {
			workers = *runWorkers
		}
		maxProjects := cfg.Pipeline.MaxProjects
		if *runMaxProjects > 0 {
			maxProjects = *runMaxProjects
		}

		runner := pipeline.NewRunner(
			fetcher,
			pipeline.NewQueryGenerator(client, cfg.Pipeline.Queries),
			pipeline.NewFieldExtractor(client, goal, pipeline.ScorerByName(cfg.Pipeline.Alignment)),
			store,
			audit,
			pipeline.RunnerOptions{
				Workers:     workers,
				MaxProjects: maxProjects,
				FlushEvery:  cfg.Pipeline.FlushEvery,
			},
		)

		report, err := runner.Run(cmd.Context(), goal)
		renderReport(report)
		if err != nil {
			serviceutil.Fatal("run failed", err)
		}
	},
}

func renderReport(report *pipeline.Report) {
	if len(report.Outcomes) > 0 {
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Listing", "State", "Detail", "Took"})

		for _, outcome := range report.Outcomes {
			t.AppendRow(table.Row{
				outcome.URL,
				outcome.State.String(),
				outcome.Detail,
				outcome.Duration.Round(time.Millisecond),
			})
		}

		t.SetStyle(table.StyleRounded)
		t.Render()
	}

	fmt.Printf(
		"discovered %d, stored %d, skipped %d, failed %d in %s\n",
		report.Discovered, report.Stored, report.Skipped, report.Failed,
		report.Elapsed.Round(time.Millisecond),
	)
	if report.Interrupted {
		fmt.Println("interrupted before the sweep finished, partial results were flushed")
	}
}
