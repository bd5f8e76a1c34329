package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/phxdata/propflow/internal/assessor"
	"github.com/phxdata/propflow/internal/collect"
	"github.com/phxdata/propflow/internal/config"
	"github.com/phxdata/propflow/internal/domain"
	progress "github.com/phxdata/propflow/internal/log"
	"github.com/phxdata/propflow/internal/proxy"
	"github.com/phxdata/propflow/internal/scrape"
)

func newCollectCmd() *cobra.Command {
	var (
		zipcodes   []string
		skipMLS    bool
		skipAPI    bool
		jsonReport bool
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run one full collection pass",
		Long: `Collect every configured ZIP code from the assessor API and the MLS
scraper, merge the results into the property store, and write the daily
report.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var sources []collect.Source
			if !skipAPI {
				src, err := buildAPISource(a)
				if err != nil {
					return err
				}
				sources = append(sources, src)
			}
			if !skipMLS {
				if src := buildScrapeSource(a); src != nil {
					sources = append(sources, src)
				}
			}
			if len(sources) == 0 {
				return fmt.Errorf("all sources disabled, nothing to collect")
			}

			cfg := collect.Config{
				Zipcodes:        a.cfg.Collector.Zipcodes,
				MaxParallelZips: a.cfg.Collector.ZipConcurrency,
				InactiveAfter:   a.cfg.Collector.InactiveAfter(),
			}
			if len(zipcodes) > 0 {
				cfg.Zipcodes = zipcodes
			}

			collector := collect.New(cfg, sources, a.pipe, a.repo, a.reports, a.sup, a.limiter).
				WithProgress(progress.NewStepLogger("collect"))

			report, err := collector.Run(ctx)
			if err != nil {
				return err
			}

			if jsonReport {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(report)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&zipcodes, "zip", nil, "override configured zipcodes")
	cmd.Flags().BoolVar(&skipMLS, "skip-mls", false, "skip the MLS scraper source")
	cmd.Flags().BoolVar(&skipAPI, "skip-api", false, "skip the assessor API source")
	cmd.Flags().BoolVar(&jsonReport, "json", false, "emit the daily report as JSON")
	return cmd
}

func buildAPISource(a *app) (*collect.APISource, error) {
	srcCfg := a.cfg.Sources[config.SourceTagMaricopa]
	client, err := assessor.New(assessor.Config{
		BaseURL:   srcCfg.BaseURL,
		APIKey:    srcCfg.APIKey,
		SourceTag: config.SourceTagMaricopa,
		Timeout:   srcCfg.Timeout(),
	}, a.limiter, a.sup)
	if err != nil {
		return nil, fmt.Errorf("assessor client: %w", err)
	}
	return collect.NewAPISource(client), nil
}

// buildScrapeSource returns nil when the MLS source is not configured.
func buildScrapeSource(a *app) *collect.ScrapeSource {
	srcCfg, ok := a.cfg.Sources[config.SourceTagMLS]
	if !ok || srcCfg.BaseURL == "" {
		return nil
	}

	browser := scrape.NewChromeBrowser(scrape.BrowserConfig{Headless: true})
	pool := buildProxyPool(a)

	selectors := scrape.DefaultSelectorSet()
	if set, err := scrape.LoadSelectorSet("configs/selectors/phoenix_mls.yaml"); err == nil {
		selectors = set
	}
	detector := scrape.NewDetector(selectors)

	var solver scrape.Solver
	if a.cfg.Captcha.APIKey != "" {
		solver = scrape.NewHTTPSolver(scrape.SolverConfig{
			Endpoint: solverEndpoint(a.cfg.Captcha.Service),
			APIKey:   a.cfg.Captcha.APIKey,
			Timeout:  a.cfg.Captcha.Timeout(),
		})
	}

	scraper := scrape.NewScraper(scrape.ScraperConfig{
		Site: config.SourceTagMLS,
		RequestsPerSecond: float64(srcCfg.RateLimitPerWindow) /
			srcCfg.Window().Seconds(),
	}, browser, pool, a.sessionStore(), detector, solver, a.limiter)

	base := strings.TrimRight(srcCfg.BaseURL, "/")
	return collect.NewScrapeSource(collect.ScrapeSourceConfig{
		SourceTag: config.SourceTagMLS,
		SearchURL: base + "/search?zipcode=%s",
		DetailURL: base + "/listing/%s",
	}, scraper)
}

func buildProxyPool(a *app) *proxy.Pool {
	return proxy.NewPool(a.cfg.Proxy.Proxies, a.cfg.Proxy.HealthThreshold, a.cfg.Proxy.Cooldown())
}

func solverEndpoint(service string) string {
	if service == "" || service == "2captcha" {
		return "https://2captcha.com"
	}
	return service
}

func printReport(r *domain.DailyReport) {
	fmt.Printf("Collection report for %s\n", r.Day().Format("2006-01-02"))
	fmt.Printf("  duration: %.1fs  requests: %d  rate-limit hits: %d\n",
		r.DurationSeconds, r.RequestsMade, r.RateLimitHits)
	for source, n := range r.CountsBySource {
		fmt.Printf("  %-12s %d properties\n", source, n)
	}
	for zip, n := range r.CountsByZipcode {
		fmt.Printf("  zip %s: %d\n", zip, n)
	}
	if r.PriceStats.Count > 0 {
		fmt.Printf("  prices: n=%d median=%.0f avg=%.0f range=[%.0f, %.0f]\n",
			r.PriceStats.Count, r.PriceStats.Median, r.PriceStats.Avg,
			r.PriceStats.Min, r.PriceStats.Max)
	}
	fmt.Printf("  quality: %.2f  errors: %d  warnings: %d\n",
		r.QualityScore, r.ErrorCount, r.WarningCount)
}
