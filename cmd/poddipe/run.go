package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/poddipe/poddipe/pkg/config"
	"github.com/poddipe/poddipe/pkg/container"
	"github.com/poddipe/poddipe/pkg/ctxlog"
	"github.com/poddipe/poddipe/pkg/observability"
	"github.com/poddipe/poddipe/pkg/runner"
	"github.com/poddipe/poddipe/pkg/store"
)

func newRunCmd() *cobra.Command {
	var (
		projectDirectory string
		pipelineFile     string
		steps            []string
		envFiles         []string
		statusPort       int
		logLevel         string
		logFormat        string
	)

	cmd := &cobra.Command{
		Use:   "run PIPELINE",
		Short: "Run the pipeline PIPELINE",
		Long: `Run the pipeline PIPELINE.

PIPELINE is the full path of the pipeline to run, e.g. branches.master
or custom.deploy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}

			if projectDirectory != "" {
				abs, err := filepath.Abs(projectDirectory)
				if err != nil {
					return err
				}
				cfg.ProjectDirectory = abs
			}
			if pipelineFile != "" {
				cfg.PipelineFile = pipelineFile
			}
			if len(steps) > 0 {
				cfg.SelectedSteps = steps
			}
			if len(envFiles) > 0 {
				cfg.EnvFiles = envFiles
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if logFormat != "" {
				cfg.LogFormat = logFormat
			}

			logger := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			ctx := ctxlog.With(context.Background(), logger)

			cli, err := container.NewClient()
			if err != nil {
				return err
			}

			deps := runner.DefaultDeps(cli, cfg)
			deps.Metrics = observability.NewRegistry()
			deps.Status = &observability.RunStatus{}

			if st, err := openStore(cfg); err != nil {
				logger.Warn("run history disabled", "error", err)
			} else {
				defer st.Close()
				deps.Store = st
			}

			if statusPort > 0 {
				observability.NewStatusServer(deps.Metrics, deps.Status).Start(statusPort)
			}

			code, err := runner.NewPipelineRunner(args[0], cfg, deps).Run(ctx)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			if code != 0 {
				return &exitError{code: code}
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&projectDirectory, "project-directory", "p", "",
		"Root directory of the project. Defaults to the current directory.")
	cmd.Flags().StringVarP(&pipelineFile, "pipeline-file", "f", "",
		"File containing the pipeline definitions. Defaults to 'bitbucket-pipelines.yml'.")
	cmd.Flags().StringArrayVarP(&steps, "step", "s", nil,
		"Steps to run. If none are specified, they will all be run. Can be repeated.")
	cmd.Flags().StringArrayVarP(&envFiles, "env-file", "e", nil,
		"Read in a file of environment variables. Can be repeated.")
	cmd.Flags().IntVar(&statusPort, "status-port", 0,
		"Serve run status and metrics on 127.0.0.1:PORT. 0 disables the server.")
	cmd.Flags().StringVar(&logLevel, "log-level", "",
		"Logging level: debug, info, warn or error.")
	cmd.Flags().StringVar(&logFormat, "log-format", "",
		"Log output format: text or json.")

	return cmd
}

func openStore(cfg *config.Config) (store.Store, error) {
	dataDir, err := cfg.DataDirectory()
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(filepath.Join(dataDir, "poddipe.db"))
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, err
	}

	return st, nil
}
