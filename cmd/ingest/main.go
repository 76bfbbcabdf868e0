// Copyright 2024 Yojana AI Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command ingest maintains the scheme corpus and its vector index.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/your-org/yojana-ai/internal/app"
	"github.com/your-org/yojana-ai/internal/config"
	"github.com/your-org/yojana-ai/internal/myscheme"
	"github.com/your-org/yojana-ai/internal/scheme"
)

const serviceName = "yojana-ingest"

// cli carries state shared by every subcommand
type cli struct {
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "ingest",
		Short: "Yojana AI corpus and index maintenance",
		Long: `Maintain the welfare scheme corpus and its vector index.

Available subcommands:
  index  - Embed the corpus into the vector store
  search - Run a similarity search against the index
  show   - Print the prompt summary of one scheme
  fetch  - Download schemes from myscheme.gov.in`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to configuration file")

	root.AddCommand(c.indexCmd(), c.searchCmd(), c.showCmd(), c.fetchCmd())
	return root
}

// load reads the config and builds the logger. Fetching does not talk to
// OpenAI, so it skips required-field validation.
func (c *cli) load(validate bool) (*config.Config, error) {
	cfg, err := config.LoadWithOptions(config.LoadOptions{
		ConfigPath:       c.configPath,
		EnvFiles:         []string{".env"},
		ValidateRequired: validate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, level, err := app.NewLogger(cfg.Logging, serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	c.logger, c.level = logger, level
	return cfg, nil
}

func (c *cli) newApp(ctx context.Context) (*app.App, error) {
	cfg, err := c.load(true)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, c.logger, c.level)
}

func (c *cli) sync() {
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

func (c *cli) indexCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Embed the corpus into the vector store",
		Long: `Load the configured corpus and embed it into the vector store.

The run is skipped when the collection already holds documents, unless
--force is given. A forced run drops and rebuilds the collection.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer c.sync()
			defer func() { _ = a.Close() }()

			res, err := a.Reindex(cmd.Context(), force)
			if err != nil {
				return err
			}
			if res.Skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "Collection %q already indexed, skipped (use --force to rebuild)\n",
					a.Config.VectorStore.CollectionName)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d schemes with %s in %s\n", res.Indexed, res.Model, res.Duration)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Drop and rebuild the collection")
	return cmd
}

func (c *cli) searchCmd() *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a similarity search against the index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer c.sync()
			defer func() { _ = a.Close() }()

			if topK <= 0 {
				topK = a.Config.Recommend.TopK
			}
			results, err := a.Index.Search(cmd.Context(), args[0], topK)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(results) == 0 {
				fmt.Fprintln(out, "No matching schemes")
				return nil
			}
			for i, r := range results {
				fmt.Fprintf(out, "%2d. %s [%s] score=%.3f\n", i+1, r.Name, r.ID, r.Score)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of results (defaults to recommend.top_k)")
	return cmd
}

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|slug>",
		Short: "Print the prompt summary of one scheme from the corpus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load(false)
			if err != nil {
				return err
			}
			defer c.sync()

			schemes, err := scheme.Load(cfg.Corpus.Path, c.logger)
			if err != nil {
				return fmt.Errorf("failed to load corpus: %w", err)
			}
			s, ok := schemes[args[0]]
			if !ok {
				for _, candidate := range schemes {
					if candidate.Slug == args[0] {
						s, ok = candidate, true
						break
					}
				}
			}
			if !ok {
				return fmt.Errorf("scheme %q not found in %s", args[0], cfg.Corpus.Path)
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.Summary())
			return nil
		},
	}
}

func (c *cli) fetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download schemes from myscheme.gov.in",
		Long: `Download the scheme corpus from the myscheme.gov.in APIs.

Available subcommands:
  schemes - Page through the search API and write schemes.json
  details - Download details for every slug in schemes.json`,
	}

	schemes := &cobra.Command{
		Use:   "schemes",
		Short: "Write the scheme list to <output_dir>/schemes.json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.load(false)
			if err != nil {
				return err
			}
			defer c.sync()

			path, n, err := app.NewFetcher(cfg, c.logger).WriteSchemes(cmd.Context())
			if path != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d schemes to %s\n", n, path)
			}
			return err
		},
	}

	var listPath string
	details := &cobra.Command{
		Use:   "details",
		Short: "Download details in batches to <output_dir>/scheme-details",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.load(false)
			if err != nil {
				return err
			}
			defer c.sync()

			if listPath == "" {
				listPath = filepath.Join(cfg.MyScheme.OutputDir, myscheme.SchemesFile)
			}
			slugs, err := myscheme.ReadSlugs(listPath)
			if err != nil {
				return err
			}
			if len(slugs) == 0 {
				return fmt.Errorf("no slugs found in %s", listPath)
			}

			res, err := app.NewFetcher(cfg, c.logger).FetchDetails(cmd.Context(), slugs)
			if res != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d schemes in %d batch files\n", res.Schemes, res.Batches)
			}
			return err
		},
	}
	details.Flags().StringVar(&listPath, "schemes", "", "Scheme list to read slugs from (defaults to <output_dir>/schemes.json)")

	cmd.AddCommand(schemes, details)
	return cmd
}
