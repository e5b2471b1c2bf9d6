package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zen-systems/conclave/pkg/adapter"
	"github.com/zen-systems/conclave/pkg/config"
	"github.com/zen-systems/conclave/pkg/council"
	"github.com/zen-systems/conclave/pkg/gateway"
	"github.com/zen-systems/conclave/pkg/governor"
	"github.com/zen-systems/conclave/pkg/intent"
	"github.com/zen-systems/conclave/pkg/record"
	"github.com/zen-systems/conclave/pkg/schema"
	"github.com/zen-systems/conclave/pkg/store"
	"github.com/zen-systems/conclave/pkg/tools"
)

var (
	configFile     string
	workspacesFile string
	verbose        bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "conclave",
		Short: "Multi-model deliberation engine",
		Long: `Conclave routes each query to a council of LLM backends, has them
	draft independently, rank each other's anonymized drafts, and synthesizes
	a final answer under strict cost governance.`,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&workspacesFile, "workspaces", "", "path to workspaces file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose logging")

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(backendsCmd())
	rootCmd.AddCommand(workspacesCmd())
	rootCmd.AddCommand(costsCmd())
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(historyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if workspacesFile != "" {
		if err := config.LoadWorkspaces(cfg, workspacesFile); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildAdapters creates one adapter per configured provider key.
func buildAdapters(cfg *config.Config) ([]adapter.Adapter, error) {
	var adapters []adapter.Adapter
	if cfg.APIKeys.Anthropic != "" {
		a, err := adapter.NewAnthropicAdapter(cfg.APIKeys.Anthropic)
		if err != nil {
			return nil, fmt.Errorf("anthropic adapter: %w", err)
		}
		adapters = append(adapters, a)
	}
	if cfg.APIKeys.OpenAI != "" {
		a, err := adapter.NewOpenAIAdapter(cfg.APIKeys.OpenAI)
		if err != nil {
			return nil, fmt.Errorf("openai adapter: %w", err)
		}
		adapters = append(adapters, a)
	}
	if cfg.APIKeys.Google != "" {
		a, err := adapter.NewGoogleAdapter(cfg.APIKeys.Google)
		if err != nil {
			return nil, fmt.Errorf("google adapter: %w", err)
		}
		adapters = append(adapters, a)
	}
	if cfg.APIKeys.OpenRouter != "" {
		a, err := adapter.NewOpenRouterAdapter(cfg.APIKeys.OpenRouter)
		if err != nil {
			return nil, fmt.Errorf("openrouter adapter: %w", err)
		}
		adapters = append(adapters, a)
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("no provider API keys configured")
	}
	return adapters, nil
}

// buildRegistry assembles the tool catalog: the calculator always, web
// search when an endpoint is configured, plus any operator-pinned
// commands.
func buildRegistry(cfg *config.Config) (*tools.Registry, error) {
	catalog := []tools.Tool{tools.NewCalculator()}
	if cfg.Search.Endpoint != "" {
		catalog = append(catalog, tools.NewWebSearch(cfg.Search.Endpoint, cfg.Search.APIKey, nil))
	}
	for _, ec := range cfg.ExecTools {
		e, err := tools.NewExec(ec.Name, ec.Command, ec.Workdir)
		if err != nil {
			return nil, fmt.Errorf("exec tool %q: %w", ec.Name, err)
		}
		catalog = append(catalog, e)
	}
	return tools.NewRegistry(catalog...)
}

type runtime struct {
	cfg      *config.Config
	db       *store.DB
	governor *governor.Governor
	engine   *council.Engine
	emitter  *council.Emitter
	log      *slog.Logger
}

func buildRuntime(cfg *config.Config) (*runtime, error) {
	log := newLogger()

	adapters, err := buildAdapters(cfg)
	if err != nil {
		return nil, err
	}
	gw := gateway.New(adapters...)

	db, err := store.Open(filepath.Join(cfg.DataDir, "conclave.db"))
	if err != nil {
		return nil, err
	}

	pricing := make(governor.Pricing, len(cfg.Pricing))
	for backend, rate := range cfg.Pricing {
		pricing[backend] = governor.Rate{PromptPer1K: rate.PromptPer1K, CompletionPer1K: rate.CompletionPer1K}
	}
	gov := governor.New(gw, db.Cache(cfg.Cache.TTL, cfg.Cache.Capacity, log), db.Ledger(), pricing,
		governor.Budgets{DailyUSD: cfg.Budgets.DailyUSD, QueryUSD: cfg.Budgets.QueryUSD}, log)

	classifier := intent.New(gov, cfg.Classifier.Backend, cfg.Ladder, log)

	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}
	coordinator := tools.NewCoordinator(registry, cfg.Timeouts.Tool, cfg.Timeouts.Coordinator, log)

	emitter := council.NewEmitter(64)
	engine, err := council.NewEngine(gov, classifier, cfg, council.Options{
		Coordinator: coordinator,
		Events:      emitter,
		Log:         log,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &runtime{cfg: cfg, db: db, governor: gov, engine: engine, emitter: emitter, log: log}, nil
}

func (rt *runtime) close() {
	rt.emitter.Close()
	rt.db.Close()
}

func askCmd() *cobra.Command {
	var workspace string
	var showDetail bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Deliberate a question across the configured council",
		Long: `Classifies the question, gathers tool context, fans it out to the
	council backends, runs anonymized peer ranking, and prints the
	synthesized answer. Spend is checked against budgets before every call.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			if verbose {
				events := rt.emitter.Subscribe()
				go func() {
					for ev := range events {
						fmt.Fprintf(os.Stderr, "%s %s\n", ev.At.Format(time.TimeOnly), ev.Kind)
					}
				}()
			}

			q := schema.NewQuery(args[0], workspace)
			res, err := rt.engine.Run(cmd.Context(), q)
			if res != nil {
				if saveErr := rt.db.Deliberations().Save(res); saveErr != nil {
					rt.log.Warn("archive write failed", "error", saveErr)
				}
				if w, recErr := record.NewWriter(filepath.Join(cfg.DataDir, "records"), q.ID); recErr == nil {
					if recErr := w.WriteResult(res); recErr != nil {
						rt.log.Warn("record write failed", "error", recErr)
					}
				}
			}
			if err != nil {
				return err
			}

			fmt.Println(res.FinalText())

			if showDetail {
				detail := map[string]any{
					"query_id":   q.ID,
					"workflow":   res.Decision.Workflow,
					"complexity": res.Decision.Complexity,
					"backends":   res.Decision.Backends,
					"aggregate":  res.Aggregate,
					"verdict":    res.Verdict,
					"cost_usd":   res.CostUSD,
					"elapsed_ms": res.Elapsed.Milliseconds(),
				}
				out, _ := json.MarshalIndent(detail, "", "  ")
				fmt.Fprintln(os.Stderr, string(out))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "general", "workspace to deliberate in")
	cmd.Flags().BoolVar(&showDetail, "detail", false, "print deliberation detail to stderr")
	return cmd
}

func backendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List configured backends and their pricing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			adapters, err := buildAdapters(cfg)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BACKEND\tPROMPT $/1K\tCOMPLETION $/1K")
			for _, a := range adapters {
				for _, model := range a.Models() {
					id := a.Name() + "/" + model
					rate := cfg.Pricing[id]
					fmt.Fprintf(w, "%s\t%.5f\t%.5f\n", id, rate.PromptPer1K, rate.CompletionPer1K)
				}
			}
			return w.Flush()
		},
	}
}

func workspacesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workspaces",
		Short: "List workspace routing overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WORKSPACE\tBACKENDS\tTIER\tHIGH STAKES\tTOOLS")
			for name, ws := range cfg.Workspaces {
				tier := ws.SynthesisTier
				if tier == "" {
					tier = cfg.Synthesis.Tier
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%v\t%v\n", name, len(ws.Backends), tier, ws.HighStakes, ws.Tools)
			}
			return w.Flush()
		},
	}
}

func costsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Show today's spend and recent ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := store.Open(filepath.Join(cfg.DataDir, "conclave.db"))
			if err != nil {
				return err
			}
			defer db.Close()

			now := time.Now()
			y, m, d := now.Date()
			midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
			spent, err := db.Ledger().SpentSince(midnight)
			if err != nil {
				return err
			}
			fmt.Printf("Spend today: $%.4f of $%.2f daily budget\n\n", spent, cfg.Budgets.DailyUSD)

			entries, err := db.Ledger().Entries(limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tBACKEND\tSTAGE\tTOKENS\tCOST\tOK")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t$%.4f\t%v\n",
					e.At.Format(time.RFC3339), e.Backend, e.Stage,
					e.PromptTokens+e.CompletionTokens, e.Cost, e.OK)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "ledger entries to show")
	return cmd
}

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tool catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry, err := buildRegistry(cfg)
			if err != nil {
				return err
			}
			for _, name := range registry.Names() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent deliberations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := store.Open(filepath.Join(cfg.DataDir, "conclave.db"))
			if err != nil {
				return err
			}
			defer db.Close()

			runs, err := db.Deliberations().Recent(limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tWORKSPACE\tWORKFLOW\tQUESTION")
			for _, r := range runs {
				question := r.Question
				if len(question) > 60 {
					question = question[:57] + "..."
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.SubmittedAt.Format(time.RFC3339), r.Workspace, r.Workflow, question)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "runs to show")
	return cmd
}
