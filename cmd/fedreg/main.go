package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"fedreg/adapters/cache"
	"fedreg/domain/regression"
	"fedreg/internal"
	"fedreg/internal/config"
	"fedreg/internal/container"
	"fedreg/internal/errors"
	"fedreg/internal/orchestrator"
	"fedreg/internal/phase"
	"fedreg/internal/testkit"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"gonum.org/v1/gonum/mat"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "fedreg",
		Short:         "Decentralized linear regression over sites that never share rows",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
			if configPath != "" {
				os.Setenv("FEDREG_CONFIG", configPath)
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file (overrides FEDREG_CONFIG)")

	rootCmd.AddCommand(
		newRoundCmd(phase.RoleLocal),
		newRoundCmd(phase.RoleRemote),
		newSimulateCmd(),
		newVocabCmd(),
		newCacheCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", errors.GetCode(err), err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *internal.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, internal.NewLogger(internal.ParseLogLevel(cfg.Logging.Level)), nil
}

func newRoundCmd(role phase.Role) *cobra.Command {
	short := "Run the next site round on the document read from stdin"
	if role == phase.RoleRemote {
		short = "Run the next coordinator round on the site outputs read from stdin"
	}
	return &cobra.Command{
		Use:   string(role),
		Short: short,
		Long: short + `.

The round is chosen by the computation_phase found in the input. The response
document is written to stdout; logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return errors.IOFailure("read stdin", err)
			}
			return runRound(cmd.Context(), role, doc, cmd.OutOrStdout())
		},
	}
}

func runRound(ctx context.Context, role phase.Role, doc []byte, out io.Writer) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	c, err := container.New(cfg, logger)
	if err != nil {
		return err
	}
	if role == phase.RoleRemote {
		cacheDir := gjson.GetBytes(doc, "state.cacheDirectory").String()
		if cacheDir == "" {
			cacheDir = "cache"
		}
		if err := c.InitCoordinator(ctx, cacheDir); err != nil {
			return err
		}
		defer c.Shutdown(context.Background())
	}

	d, err := c.Dispatcher(role)
	if err != nil {
		return err
	}
	resp, _, err := d.Handle(ctx, doc)
	if err != nil {
		return err
	}
	return writeJSON(out, resp)
}

func newSimulateCmd() *cobra.Command {
	cohortCfg := testkit.DefaultCohortConfig()
	var (
		lambda    float64
		outputDir string
		compare   bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run all three rounds in-process over a generated multi-site cohort",
		Long: `Generate a synthetic cohort with known effects, split it across sites, and
run the full protocol in-process. The final coordinator output is written to
stdout.

Example: fedreg simulate --sites a,b,c --subjects 50 --responses 10 --compare`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if outputDir == "" {
				cfg.Artifacts.Enabled = false
			}
			c, err := container.New(cfg, logger)
			if err != nil {
				return err
			}
			if err := c.InitCoordinatorWithStore(cache.NewMemoryStore()); err != nil {
				return err
			}

			cohort := testkit.GenerateCohort(cohortCfg)
			sites := make([]orchestrator.Site, 0, len(cohortCfg.Sites))
			for _, id := range cohortCfg.Sites {
				sites = append(sites, orchestrator.Site{ID: id, Spec: cohort.SiteSpec(id, lambda)})
			}

			res, err := orchestrator.New(c.Worker, c.Coordinator, logger).
				Run(cmd.Context(), sites, regression.State{OutputDirectory: outputDir})
			if err != nil {
				return err
			}
			logger.Info("run %s finished in %s: %d columns, %d failed",
				res.RunID, res.Elapsed, len(res.Final.GlobalStats), len(res.Final.FailedColumns))
			if compare {
				if err := comparePooled(cohort, &res.Final, cmd.ErrOrStderr()); err != nil {
					return err
				}
			}
			return writeJSON(cmd.OutOrStdout(), res.Final)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&cohortCfg.Sites, "sites", cohortCfg.Sites, "Site identifiers")
	f.IntVar(&cohortCfg.SubjectsPerSite, "subjects", cohortCfg.SubjectsPerSite, "Subjects per site")
	f.IntVar(&cohortCfg.Responses, "responses", cohortCfg.Responses, "Number of response columns")
	f.Float64Var(&cohortCfg.Noise, "noise", cohortCfg.Noise, "Residual standard deviation")
	f.Float64Var(&cohortCfg.MissingRate, "missing-rate", cohortCfg.MissingRate, "Probability a response cell is missing")
	f.Int64Var(&cohortCfg.Seed, "seed", cohortCfg.Seed, "Random seed")
	f.Float64Var(&lambda, "lambda", 0, "Ridge penalty every site submits")
	f.StringVar(&outputDir, "output-dir", "", "Write the report and rendered maps here")
	f.BoolVar(&compare, "compare", false, "Compare against a centralized fit on the pooled rows (stderr)")
	return cmd
}

func comparePooled(cohort *testkit.Cohort, final *regression.Remote2Output, w io.Writer) error {
	x, y := cohort.Pooled()
	for _, s := range final.GlobalStats {
		ref, err := testkit.FitReference(x, mat.Col(nil, s.Column, y))
		if err != nil {
			return err
		}
		worst := 0.0
		for j := range ref.Beta {
			if d := testkit.RelativeDiff(s.Beta[j], ref.Beta[j]); d > worst {
				worst = d
			}
		}
		fmt.Fprintf(w, "%s\tmax relative β difference %.3g\n", s.Label, worst)
	}
	return nil
}

func newVocabCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vocab <site-spec.json>...",
		Short: "Run round 0 over site spec files and print the agreed vocabulary",
		Long: `Each file holds one site's round-0 input. Relative table paths resolve against
the file's directory and the site id is the file name without extension.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			c, err := container.New(cfg, logger)
			if err != nil {
				return err
			}
			if err := c.InitCoordinatorWithStore(cache.NewMemoryStore()); err != nil {
				return err
			}
			localD, _ := c.Dispatcher(phase.RoleLocal)
			remoteD, _ := c.Dispatcher(phase.RoleRemote)

			outputs := make(map[string]json.RawMessage, len(args))
			for _, path := range args {
				spec, err := os.ReadFile(path)
				if err != nil {
					return errors.IOFailure("read site spec", err)
				}
				id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
				if _, dup := outputs[id]; dup {
					return errors.InvalidInput("duplicate site id " + id)
				}
				doc, err := json.Marshal(map[string]interface{}{
					"input": json.RawMessage(spec),
					"state": regression.State{ClientID: id, BaseDirectory: filepath.Dir(path)},
				})
				if err != nil {
					return err
				}
				resp, _, err := localD.Handle(cmd.Context(), doc)
				if err != nil {
					return errors.Wrapf(err, "site %s", id)
				}
				out, err := json.Marshal(resp.Output)
				if err != nil {
					return err
				}
				outputs[id] = out
			}

			doc, err := json.Marshal(map[string]interface{}{
				"input": outputs,
				"state": regression.State{ClientID: "remote"},
			})
			if err != nil {
				return err
			}
			resp, _, err := remoteD.Handle(cmd.Context(), doc)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), resp.Output)
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
