package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/prospectlabs/scout/config"
	"github.com/prospectlabs/scout/internal/findings"
	"github.com/prospectlabs/scout/internal/orchestrator"
	"github.com/prospectlabs/scout/internal/progress"
	"github.com/prospectlabs/scout/internal/provider"
	"github.com/prospectlabs/scout/internal/research"
	"github.com/prospectlabs/scout/internal/store"
	"github.com/prospectlabs/scout/internal/telemetry"
)

func researchCMD() *cobra.Command {
	var cfgPath string
	var company string
	var industry string
	var stage string
	var location string
	var templateIDs []string
	var maxCost float64
	var noSynthesis bool

	var researchCmd = &cobra.Command{
		Use:   "research",
		Short: "Run a research session for one company",
		RunE: func(cmd *cobra.Command, args []string) error {
			if company == "" {
				return fmt.Errorf("--company is required")
			}
			cfg := config.LoadConfig(cfgPath)

			logger := log.New(os.Stdout, "[SCOUT] ", log.LstdFlags)
			registry := research.NewTemplateRegistry()
			if len(templateIDs) == 0 {
				for _, tpl := range registry.List() {
					templateIDs = append(templateIDs, tpl.ID)
				}
			}

			tel := telemetry.New(cfg.Telemetry)
			tel.ServeMetrics()

			searcher := provider.NewPerplexityProvider(provider.PerplexityConfig{
				APIKey:          cfg.Provider.APIKey,
				BaseURL:         cfg.Provider.BaseURL,
				Model:           cfg.Provider.Model,
				Timeout:         cfg.Provider.Timeout,
				CostPer1KInput:  cfg.Provider.CostPer1KInput,
				CostPer1KOutput: cfg.Provider.CostPer1KOutput,
			})
			llm := provider.NewOpenAIProvider(provider.OpenAIConfig{
				APIKey:  cfg.LLM.APIKey,
				BaseURL: cfg.LLM.BaseURL,
				Timeout: cfg.LLM.Timeout,
			})

			var storage store.Storage
			if cfg.Research.SaveToDatabase {
				s, err := store.New(cmd.Context(), cfg.Storage, logger)
				if err != nil {
					logger.Printf("persistence disabled: %v", err)
				} else {
					storage = s
					defer storage.Close()
				}
			}

			deps := orchestrator.Deps{
				Registry:    registry,
				Provider:    searcher,
				Extractor:   findings.NewExtractor(llm, cfg.LLM.ExtractionModel, cfg.Research.MinSectionLength, logger),
				Synthesizer: research.NewSynthesizer(llm, cfg.LLM.SynthesisModel, logger),
				Tracker:     progress.NewTracker(logger),
				Telemetry:   tel,
				Logger:      logger,
			}
			if storage != nil {
				deps.Storage = storage
			}
			orch, err := orchestrator.New(cfg.Research, deps)
			if err != nil {
				return err
			}

			sc := research.SessionConfig{
				TemplateIDs: templateIDs,
				Variables: research.Variables{
					CompanyName: company,
					Industry:    industry,
					Stage:       stage,
					Location:    location,
				},
				EnableSynthesis: !noSynthesis && cfg.Research.EnableSynthesis,
				SaveToDatabase:  storage != nil,
			}
			if maxCost > 0 {
				sc.MaxCostUSD = maxCost
			}

			sessionID, initial, err := orch.StartSession(cmd.Context(), company, "cli", sc)
			if err != nil {
				return err
			}
			fmt.Printf("session %s started: %d queries\n", sessionID, initial.TotalQueries)

			done := make(chan struct{})
			var lastPhase string
			sub, err := orch.SubscribeProgress(sessionID, func(p progress.Progress) {
				if p.CurrentQuery != "" && p.CurrentQuery != lastPhase {
					lastPhase = p.CurrentQuery
					fmt.Printf("  [%d/%d] %s\n", p.CompletedQueries+p.FailedQueries, p.TotalQueries, p.CurrentQuery)
				}
				if p.Status.IsTerminal() {
					select {
					case <-done:
					default:
						close(done)
					}
				}
			})
			if err != nil {
				return err
			}
			defer orch.UnsubscribeProgress(sessionID, sub)

			select {
			case <-done:
			case <-cmd.Context().Done():
				_ = orch.Cancel(sessionID)
				<-done
			}

			results, ok := orch.GetSessionResults(sessionID)
			if !ok {
				return fmt.Errorf("session %s vanished", sessionID)
			}
			printResults(results)
			orch.Cleanup(sessionID)
			return nil
		},
	}
	researchCmd.Flags().StringVar(&company, "company", "", "company name to research")
	researchCmd.Flags().StringVar(&industry, "industry", "", "industry context")
	researchCmd.Flags().StringVar(&stage, "stage", "", "company stage (seed, growth, public, ...)")
	researchCmd.Flags().StringVar(&location, "location", "", "headquarters location")
	researchCmd.Flags().StringSliceVar(&templateIDs, "templates", nil, "template ids to run (default: all)")
	researchCmd.Flags().Float64Var(&maxCost, "max-cost", 0, "session cost ceiling in USD (0 = config default)")
	researchCmd.Flags().BoolVar(&noSynthesis, "no-synthesis", false, "skip the synthesis rollup")
	researchCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return researchCmd
}

func printResults(results orchestrator.SessionResults) {
	s := results.Session
	fmt.Printf("\nsession %s: %s ($%.4f, %d tokens)\n", s.ID, s.Status, s.CostUSD, s.TokensUsed)

	if len(results.Findings) == 0 {
		fmt.Println("no findings extracted")
	}
	for _, f := range results.Findings {
		fmt.Printf("\n[%s/%s] %s (confidence %.2f)\n", f.Type, f.Priority, f.Title, f.Confidence)
		fmt.Println(indent(f.Content, "  "))
		if len(f.Citations) > 0 {
			fmt.Printf("  sources: %s\n", strings.Join(f.Citations, ", "))
		}
	}

	if syn := results.Synthesis; syn != nil {
		fmt.Printf("\n=== Synthesis (%s, confidence %.2f) ===\n", syn.CompanyName, syn.Confidence)
		fmt.Println(indent(syn.ExecutiveSummary, "  "))
		printList("Opportunities", syn.Opportunities)
		printList("Risk factors", syn.RiskFactors)
		printList("Next steps", syn.NextSteps)
	}
}

func printList(title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Printf("%s:\n", title)
	for _, item := range items {
		fmt.Printf("  - %s\n", item)
	}
}

func indent(text, prefix string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
