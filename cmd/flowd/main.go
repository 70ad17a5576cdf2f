// Command flowd runs a stepflow worker daemon over a SQLite database.
//
// It opens the database, recovers jobs abandoned by crashed workers, and
// starts a pool of polling workers. Agent invocations are delegated to an
// external HTTP endpoint.
package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow"
	"github.com/petrijr/stepflow/pkg/worker"
)

type cfg struct {
	DBPath       string
	AgentURL     string
	Workers      int
	PollInterval time.Duration
	LeaseTTL     time.Duration
}

type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("db", "stepflow.db", "path to the SQLite database file")
	cmd.Flags().String("agent-url", "http://localhost:9090/invoke", "HTTP endpoint agent invocations are posted to")
	cmd.Flags().Int("workers", 2, "number of polling workers")
	cmd.Flags().Duration("poll-interval", worker.DefaultPollInterval, "idle poll interval")
	cmd.Flags().Duration("lease-ttl", 0, "job lease TTL; 0 uses the engine default")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return err
		}
	}

	c.cfg.DBPath = viper.GetString("db")
	c.cfg.AgentURL = viper.GetString("agent-url")
	c.cfg.Workers = viper.GetInt("workers")
	c.cfg.PollInterval = viper.GetDuration("poll-interval")
	c.cfg.LeaseTTL = viper.GetDuration("lease-ttl")
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	db, err := sql.Open("sqlite", "file:"+c.cfg.DBPath+"?_journal=WAL")
	if err != nil {
		return err
	}
	defer db.Close()

	invoker := newHTTPInvoker(c.cfg.AgentURL)

	orch, err := stepflow.NewSQLiteOrchestrator(db, invoker, stepflow.Options{
		LeaseTTL: c.cfg.LeaseTTL,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recovered, err := stepflow.RecoverStaleJobs(ctx, orch)
	if err != nil {
		return err
	}
	logger.Info("flowd starting",
		"db", c.cfg.DBPath,
		"agent_url", c.cfg.AgentURL,
		"workers", c.cfg.Workers,
		"recovered_jobs", recovered)

	err = worker.RunPool(ctx, orch, c.cfg.Workers, worker.Config{
		PollInterval: c.cfg.PollInterval,
		Logger:       logger,
	})
	logger.Info("flowd stopped")
	return err
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "flowd",
		Short:   "stepflow worker daemon",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
