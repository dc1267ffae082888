package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/dustin/go-humanize"
	"github.com/mnemolabs/strata/pkg/bus"
	"github.com/mnemolabs/strata/pkg/config"
	"github.com/mnemolabs/strata/pkg/engine"
	"github.com/mnemolabs/strata/pkg/ingest"
	"github.com/mnemolabs/strata/pkg/logger"
	"github.com/mnemolabs/strata/pkg/remote"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "strata"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Printf("  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Printf("  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".strata", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

func applyLogConfig(cfg *config.Config) {
	logger.SetJSON(cfg.Log.JSON)
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "debug":
		logger.SetLevel(logger.DEBUG)
	case "warn":
		logger.SetLevel(logger.WARN)
	case "error":
		logger.SetLevel(logger.ERROR)
	default:
		logger.SetLevel(logger.INFO)
	}
}

// engineSettings maps the file configuration onto the engine's own
// config type, converting the second and millisecond fields to
// durations.
func engineSettings(cfg *config.Config) engine.Config {
	return engine.Config{
		WorkingCapacity:    cfg.Engine.WorkingCapacity,
		FreshWindow:        time.Duration(cfg.Engine.FreshWindowSeconds) * time.Second,
		ShockThreshold:     cfg.Engine.ShockThreshold,
		WorkingThreshold:   cfg.Engine.WorkingThreshold,
		ClassifyFloor:      cfg.Engine.ClassifyFloor,
		EvictRecencyWeight: cfg.Engine.EvictRecencyWeight,
		EvictImportWeight:  cfg.Engine.EvictImportWeight,
		EvictFreqWeight:    cfg.Engine.EvictFreqWeight,
		RecencyHalfLife:    time.Duration(cfg.Engine.RecencyHalfLifeSeconds) * time.Second,
		ReinforceBonus:     cfg.Engine.ReinforceBonus,
		ImportanceCap:      cfg.Engine.ImportanceCap,
		RetryAttempts:      cfg.Engine.RetryAttempts,
		RetryBackoff:       time.Duration(cfg.Engine.RetryBackoffMS) * time.Millisecond,
		EmbeddingModel:     cfg.Engine.EmbeddingModel,
		Decay: engine.DecayRules{
			FreshAfter:         time.Duration(cfg.Decay.FreshSeconds) * time.Second,
			ConsolidatedAfter:  time.Duration(cfg.Decay.ConsolidatedSeconds) * time.Second,
			SummarizedAfter:    time.Duration(cfg.Decay.SummarizedSeconds) * time.Second,
			ArchivedAfter:      time.Duration(cfg.Decay.ArchivedSeconds) * time.Second,
			RetainFresh:        cfg.Decay.RetainFresh,
			RetainConsolidated: cfg.Decay.RetainConsolidated,
			RetainSummarized:   cfg.Decay.RetainSummarized,
			RetainArchived:     cfg.Decay.RetainArchived,
			ProceduralScale:    cfg.Decay.ProceduralScale,
			ProceduralHalfLife: time.Duration(cfg.Decay.ProceduralHalfLifeSeconds) * time.Second,
			ConfidenceFloor:    cfg.Decay.ProceduralConfidenceFloor,
			ConfidenceCap:      cfg.Decay.ProceduralConfidenceCap,
			ReinforceStep:      cfg.Decay.ProceduralReinforceStep,
		},
		MinCompressSimilarity: cfg.Compression.MinSimilarity,
		CompressTargetRatio:   cfg.Compression.TargetRatio,
		CompressTimeout:       compressTimeout(cfg),
		SweepBatchLimit:       cfg.Scheduler.SweepBatchLimit,
	}
}

func compressTimeout(cfg *config.Config) time.Duration {
	switch cfg.Compression.Backend {
	case "http":
		return time.Duration(cfg.Compression.HTTP.TimeoutSeconds) * time.Second
	case "llm":
		return time.Duration(cfg.Compression.LLM.TimeoutSeconds) * time.Second
	}
	return 0
}

// buildCompressor resolves the configured compression backend. A nil
// compressor means the engine's local extractive pass.
func buildCompressor(cfg *config.Config) (engine.Compressor, error) {
	switch cfg.Compression.Backend {
	case "", "extractive":
		return nil, nil
	case "http":
		return remote.NewSummarizer(remote.SummarizerConfig{
			Endpoint: cfg.Compression.HTTP.Endpoint,
			APIKey:   cfg.Compression.HTTP.APIKey,
			Timeout:  time.Duration(cfg.Compression.HTTP.TimeoutSeconds) * time.Second,
		})
	case "llm":
		return remote.NewLLMCompressor(remote.LLMConfig{
			APIBase: cfg.Compression.LLM.APIBase,
			APIKey:  cfg.Compression.LLM.APIKey,
			Model:   cfg.Compression.LLM.Model,
			Timeout: time.Duration(cfg.Compression.LLM.TimeoutSeconds) * time.Second,
		})
	}
	return nil, fmt.Errorf("unknown compression backend %q", cfg.Compression.Backend)
}

// openEngine assembles an engine against the configured database. The
// caller must Close it.
func openEngine(cfg *config.Config, opts engine.Options) (*engine.Engine, error) {
	comp, err := buildCompressor(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDirPath(), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	opts.DBPath = cfg.DBPath()
	opts.Compressor = comp
	return engine.New(engineSettings(cfg), opts)
}

func onboard() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Print("Overwrite? (y/n): ")
		reader := bufio.NewReader(os.Stdin)
		response, readErr := reader.ReadString('\n')
		if readErr != nil {
			fmt.Println("Aborted.")
			return fmt.Errorf("read input: %w", readErr)
		}
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDirPath(), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	fmt.Printf("%s is ready!\n", appName)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Tune thresholds and decay windows in", configPath)
	fmt.Println("  2. Record a memory: strata record \"the deploy runbook lives in ops/\"")
	fmt.Println("  3. Recall it: strata recall \"deploy runbook\"")
	fmt.Println("  4. Run the daemon: strata serve")
	fmt.Println("  5. Check readiness: strata status")
	return nil
}

func serveCmd(debug bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogConfig(cfg)
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("Debug mode enabled")
	}

	ticks, cadence, err := buildTickSource(cfg)
	if err != nil {
		return fmt.Errorf("build tick source: %w", err)
	}

	eventBus := bus.NewEventBus()
	metrics := engine.NewMetrics()

	eng, err := openEngine(cfg, engine.Options{Bus: eventBus, Metrics: metrics})
	if err != nil {
		eventBus.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go metrics.DrainBus(ctx, eventBus)
	go drainDiagnostics(ctx, eventBus, metrics)

	if err := eng.StartScheduler(ticks); err != nil {
		eng.Close()
		eventBus.Close()
		return fmt.Errorf("start scheduler: %w", err)
	}
	fmt.Printf("✓ Decay scheduler started (%s)\n", cadence)

	var manager *ingest.Manager
	if strings.TrimSpace(cfg.Ingest.Discord.Token) != "" {
		manager, err = ingest.NewManager(cfg.Ingest, eng)
		if err == nil {
			err = manager.StartAll(ctx)
		}
		if err != nil {
			eng.StopScheduler()
			eng.Close()
			eventBus.Close()
			return fmt.Errorf("start ingest: %w", err)
		}
		fmt.Println("✓ Discord ingest started")
	} else {
		fmt.Println("• Discord ingest disabled (no token configured)")
	}

	gateway := newGatewayServer(cfg, metrics)
	go func() {
		if err := gateway.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("serve", "gateway server error", map[string]any{"error": err.Error()})
		}
	}()
	fmt.Printf("✓ Gateway listening on http://%s:%d (/healthz, /metrics)\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		logger.WarnCF("serve", "gateway shutdown failed", map[string]any{"error": err.Error()})
	}
	if manager != nil {
		_ = manager.StopAll(shutdownCtx)
	}
	eng.StopScheduler()
	if err := eng.Close(); err != nil {
		logger.WarnCF("serve", "engine close failed", map[string]any{"error": err.Error()})
	}
	if dropped, diag := eventBus.DroppedEvents(), eventBus.DroppedDiagnostics(); dropped > 0 || diag > 0 {
		logger.WarnCF("serve", "event bus dropped messages", map[string]any{
			"events":      dropped,
			"diagnostics": diag,
		})
	}
	eventBus.Close()
	fmt.Printf("✓ %s stopped\n", appName)
	return nil
}

func buildTickSource(cfg *config.Config) (engine.TickSource, string, error) {
	if expr := strings.TrimSpace(cfg.Scheduler.Cron); expr != "" {
		ticks, err := engine.NewCronTicks(expr)
		if err != nil {
			return nil, "", err
		}
		return ticks, fmt.Sprintf("cron %q", expr), nil
	}
	every := time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second
	if every <= 0 {
		every = time.Minute
	}
	return engine.NewIntervalTicks(every), fmt.Sprintf("every %s", every), nil
}

// drainDiagnostics surfaces corrupt-entry events on the operator log
// and the quarantine counter.
func drainDiagnostics(ctx context.Context, eventBus *bus.EventBus, metrics *engine.Metrics) {
	for {
		ev, ok := eventBus.ConsumeDiagnostic(ctx)
		if !ok {
			return
		}
		metrics.ObserveQuarantine()
		logger.WarnCF("serve", "corrupt entry quarantined", map[string]any{
			"item_id": ev.ItemID,
			"detail":  ev.Detail,
		})
	}
}

func newGatewayServer(cfg *config.Config, metrics *engine.Metrics) *http.Server {
	mux := http.NewServeMux()
	health := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"version": formatVersion(),
		})
	}
	mux.HandleFunc("/healthz", health)
	mux.HandleFunc("/readyz", health)
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Handler: mux,
	}
}

func statusCmd() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	configPath := getConfigPath()

	fmt.Printf("%s Status\n", appName)
	fmt.Printf("Version: %s\n", formatVersion())
	build, _ := formatBuildInfo()
	if build != "" {
		fmt.Printf("Build: %s\n", build)
	}
	fmt.Println()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Println("Config:", configPath, "✓")
	} else {
		fmt.Println("Config:", configPath, "✗ (run: strata onboard)")
	}

	dataDir := cfg.DataDirPath()
	if _, err := os.Stat(dataDir); err == nil {
		fmt.Println("Data dir:", dataDir, "✓")
	} else {
		fmt.Println("Data dir:", dataDir, "✗")
	}
	dbPath := cfg.DBPath()
	if _, err := os.Stat(dbPath); err == nil {
		fmt.Println("Memory DB:", dbPath, "✓")
	} else {
		fmt.Println("Memory DB:", dbPath, "not initialized")
	}
	fmt.Println()

	fmt.Printf("Embedding model: %s\n", cfg.Engine.EmbeddingModel)
	backend := cfg.Compression.Backend
	if backend == "" {
		backend = "extractive"
	}
	fmt.Printf("Compression backend: %s\n", backend)
	if expr := strings.TrimSpace(cfg.Scheduler.Cron); expr != "" {
		fmt.Printf("Sweep cadence: cron %q\n", expr)
	} else {
		fmt.Printf("Sweep cadence: every %ds\n", cfg.Scheduler.IntervalSeconds)
	}

	status := func(ready bool) string {
		if ready {
			return "✓"
		}
		return "not set"
	}
	discordReady := strings.TrimSpace(cfg.Ingest.Discord.Token) != ""
	fmt.Println("Discord ingest token:", status(discordReady))
	switch backend {
	case "http":
		fmt.Println("Summarizer endpoint:", status(strings.TrimSpace(cfg.Compression.HTTP.Endpoint) != ""))
	case "llm":
		fmt.Println("LLM API key:", status(strings.TrimSpace(cfg.Compression.LLM.APIKey) != ""))
	}
	return nil
}

func doctorCmd() error {
	fmt.Printf("%s doctor\n\n", appName)

	failures := 0
	check := func(name string, err error) {
		if err != nil {
			failures++
			fmt.Printf("✗ %s: %v\n", name, err)
			return
		}
		fmt.Printf("✓ %s\n", name)
	}

	cfg, err := loadConfig()
	check("config loads and validates", err)
	if err != nil {
		return fmt.Errorf("%d check(s) failed", failures)
	}

	check("data dir writable", checkDirWritable(cfg.DataDirPath()))
	_, compErr := buildCompressor(cfg)
	check(fmt.Sprintf("compression backend %q constructs", valueOr(cfg.Compression.Backend, "extractive")), compErr)
	ticks, cadence, tickErr := buildTickSource(cfg)
	if tickErr == nil {
		ticks.Stop()
		check(fmt.Sprintf("scheduler cadence valid (%s)", cadence), nil)
	} else {
		check("scheduler cadence valid", tickErr)
	}

	if strings.TrimSpace(cfg.Ingest.Discord.Token) == "" {
		fmt.Println("• discord ingest disabled (no token)")
	} else {
		fmt.Println("✓ discord ingest token present")
	}

	dbPath := cfg.DBPath()
	if _, statErr := os.Stat(dbPath); statErr != nil {
		fmt.Println("• memory db not initialized (first record creates it)")
	} else {
		var probeErr error
		eng, openErr := openEngine(cfg, engine.Options{})
		if openErr != nil {
			probeErr = openErr
		} else {
			_, probeErr = eng.Stats(context.Background())
			eng.Close()
		}
		check("memory db opens and answers", probeErr)
	}

	if failures > 0 {
		return fmt.Errorf("%d check(s) failed", failures)
	}
	fmt.Println("\nAll checks passed.")
	return nil
}

func checkDirWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

func statsCmd() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogConfig(cfg)
	eng, err := openEngine(cfg, engine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	st, err := eng.Stats(context.Background())
	if err != nil {
		return err
	}
	printStats(st)
	return nil
}

func printStats(st engine.EngineStats) {
	fmt.Println("Tier occupancy:")
	for _, tier := range engine.Tiers {
		fmt.Printf("  %-11s %d\n", tier, st.TierCounts[tier])
	}
	fmt.Printf("Working slots: %d/%d\n", st.WorkingSize, st.WorkingCap)
	fmt.Printf("Due for decay: %d long-term, %d procedural\n", st.DueLongTerm, st.DueProcedural)
	fmt.Printf("Quarantined: %d\n", st.Quarantined)
	fmt.Printf("Routing log rows: %s\n", humanize.Comma(st.RoutingRows))
	fmt.Printf("Economics rows: %s\n", humanize.Comma(st.EconomicsRows))
}

func recordCmd(content string, importance, intensity float64, pin bool, operator, pattern string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogConfig(cfg)
	eng, err := openEngine(cfg, engine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	var src engine.Source
	if strings.TrimSpace(pattern) != "" {
		src = engine.PatternSource{Signature: pattern}
	} else {
		src = engine.OperatorSource{Operator: operator}
	}

	item, err := eng.RecordEvent(context.Background(), engine.RecordRequest{
		Content:            content,
		Source:             src,
		Importance:         importance,
		EmotionalIntensity: intensity,
		Pinned:             pin,
	})
	if err != nil {
		return err
	}

	if item.Tier == engine.TierProcedural {
		fmt.Printf("✓ Recorded %s (tier=%s confidence=%.2f)\n", item.ID, item.Tier, item.Confidence)
	} else {
		fmt.Printf("✓ Recorded %s (tier=%s phase=%s)\n", item.ID, item.Tier, item.Phase)
	}
	return nil
}

func recallCmd(query string, topK int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogConfig(cfg)
	eng, err := openEngine(cfg, engine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	hits, err := eng.Recall(context.Background(), query, topK)
	if err != nil {
		return err
	}
	printHits(hits)
	return nil
}

func printHits(hits []engine.ScoredItem) {
	if len(hits) == 0 {
		fmt.Println("No matching memories.")
		return
	}
	for i, hit := range hits {
		fmt.Printf("%2d. [%s/%s] %s (score %.3f)\n", i+1, hit.Item.Tier, hit.Item.Phase, hit.Item.ID, hit.Score)
		fmt.Printf("    %s\n", snippet(hit.Item.Content, 96))
	}
}

func showCmd(id string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogConfig(cfg)
	eng, err := openEngine(cfg, engine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	item, err := eng.GetByID(context.Background(), id)
	if err != nil {
		return err
	}
	printItem(item)
	return nil
}

func printItem(item engine.MemoryItem) {
	fmt.Printf("ID:      %s\n", item.ID)
	fmt.Printf("Tier:    %s\n", item.Tier)
	fmt.Printf("Phase:   %s\n", item.Phase)
	fmt.Printf("Source:  %s (%s)\n", item.SourceKind, item.SourceRef)
	if item.Tier == engine.TierProcedural {
		fmt.Printf("Pattern: %s\n", item.PatternSignature)
		fmt.Printf("Confidence: %.3f\n", item.Confidence)
	} else {
		fmt.Printf("Importance: %.3f  Intensity: %.3f\n", item.ImportanceScore, item.EmotionalIntensity)
	}
	flags := []string{}
	if item.Pinned {
		flags = append(flags, "pinned")
	}
	if item.PendingRetry {
		flags = append(flags, "pending_retry")
	}
	if item.Quarantined {
		flags = append(flags, "quarantined")
	}
	if len(flags) > 0 {
		fmt.Printf("Flags:   %s\n", strings.Join(flags, ", "))
	}
	fmt.Printf("Tokens:  %d raw", item.RawTokens)
	if item.CompressedTokens > 0 {
		fmt.Printf(", %d compressed", item.CompressedTokens)
	}
	fmt.Println()
	fmt.Printf("Version: %d  Accesses: %d\n", item.Version, item.AccessCount)
	fmt.Printf("Created: %s\n", formatMS(item.CreatedAtMS))
	fmt.Printf("Last access: %s\n", formatMS(item.LastAccessedAtMS))
	fmt.Printf("Last transition: %s\n", formatMS(item.LastTransitionAtMS))
	fmt.Println("\nContent:")
	fmt.Println(item.Content)
}

func formatMS(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	t := time.UnixMilli(ms)
	return fmt.Sprintf("%s (%s)", t.Format("2006-01-02 15:04:05"), humanize.Time(t))
}

func workingCmd() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogConfig(cfg)
	eng, err := openEngine(cfg, engine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	items, err := eng.GetWorkingMemory(context.Background())
	if err != nil {
		return err
	}
	printWorking(items, eng.Config().WorkingCapacity)
	return nil
}

func printWorking(items []engine.MemoryItem, capacity int) {
	fmt.Printf("Working memory (%d/%d):\n", len(items), capacity)
	if len(items) == 0 {
		fmt.Println("  (empty)")
		return
	}
	for _, it := range items {
		fmt.Printf("  %s  imp=%.2f acc=%d  %s\n", it.ID, it.ImportanceScore, it.AccessCount, snippet(it.Content, 60))
	}
}

func contextCmd(query string, maxTokens int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogConfig(cfg)
	eng, err := openEngine(cfg, engine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	pack, err := eng.BuildContextPack(context.Background(), query, maxTokens)
	if err != nil {
		return err
	}

	fmt.Printf("Context pack for %q (%d tokens used)\n", query, pack.UsedTokens)
	printPackSection("Shock", pack.Shock)
	printPackSection("Working", pack.Working)
	printPackSection("Recalled", pack.Recalled)
	if len(pack.Shock)+len(pack.Working)+len(pack.Recalled) == 0 {
		fmt.Println("  (empty)")
	}
	return nil
}

func printPackSection(name string, entries []engine.ContextEntry) {
	if len(entries) == 0 {
		return
	}
	fmt.Printf("\n%s (%d):\n", name, len(entries))
	for _, e := range entries {
		fmt.Printf("  [%s/%s] %s (%d tokens)\n", e.Tier, e.Phase, e.ID, e.Tokens)
		fmt.Printf("    %s\n", snippet(e.Content, 96))
	}
}

// decayDisplayPhases orders the observable phases for status output.
var decayDisplayPhases = []engine.Phase{
	engine.PhaseFresh,
	engine.PhaseConsolidated,
	engine.PhaseSummarized,
	engine.PhaseArchived,
}

func decayStatusCmd(tierName string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogConfig(cfg)
	eng, err := openEngine(cfg, engine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	tiers := []engine.Tier{engine.TierLongTerm, engine.TierProcedural}
	if tierName != "" {
		tiers = []engine.Tier{engine.Tier(tierName)}
	}

	ctx := context.Background()
	for i, tier := range tiers {
		if i > 0 {
			fmt.Println()
		}
		st, err := eng.GetDecayStatus(ctx, tier)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d items, %d due now\n", tier, st.TotalItems, st.DueNow)
		for _, phase := range decayDisplayPhases {
			if n := st.PhaseCounts[phase]; n > 0 {
				fmt.Printf("  %-13s %d\n", phase, n)
			}
		}
		if st.PendingRetry > 0 {
			fmt.Printf("  pending retry: %d\n", st.PendingRetry)
		}
		if st.Pinned > 0 {
			fmt.Printf("  pinned: %d\n", st.Pinned)
		}
		if st.Quarantined > 0 {
			fmt.Printf("  quarantined: %d\n", st.Quarantined)
		}
		if st.NextDueAtMS > 0 {
			fmt.Printf("  next due: %s\n", formatMS(st.NextDueAtMS))
		}
	}
	return nil
}

func decayRunCmd(tierName string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogConfig(cfg)
	eng, err := openEngine(cfg, engine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := context.Background()
	var report engine.SweepReport
	if tierName == "" {
		report, err = eng.RunSweep(ctx)
	} else {
		report, err = eng.TriggerDecayPass(ctx, engine.Tier(tierName))
	}
	if err != nil {
		return err
	}
	printSweepReport(report)
	return nil
}

func printSweepReport(report engine.SweepReport) {
	elapsed := time.Duration(report.FinishedAtMS-report.StartedAtMS) * time.Millisecond
	fmt.Printf("✓ Sweep finished in %s\n", elapsed)
	fmt.Printf("  Fresh: %d examined, %d routed, %d discarded\n",
		report.FreshExamined, report.FreshRouted, report.FreshDiscarded)
	fmt.Printf("  Transitions: %d (compressed %d, forgotten %d, stabilized %d)\n",
		report.Transitions, report.Compressed, report.Forgotten, report.Stabilized)
	if report.RawTokens > 0 {
		fmt.Printf("  Tokens: %d raw, %d compressed\n", report.RawTokens, report.CompressedTokens)
	}
	if report.PendingRetries+report.Conflicts+report.Failures > 0 {
		fmt.Printf("  Pending retries: %d, conflicts: %d, failures: %d\n",
			report.PendingRetries, report.Conflicts, report.Failures)
	}
}

func savingsCmd(since time.Duration, all bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogConfig(cfg)
	eng, err := openEngine(cfg, engine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	var start, until time.Time
	if !all {
		until = time.Now()
		start = until.Add(-since)
	}
	s, err := eng.GetTokenSavings(context.Background(), start, until)
	if err != nil {
		return err
	}
	if all {
		fmt.Println("Token savings (all time):")
	} else {
		fmt.Printf("Token savings over the last %s:\n", since)
	}
	printSavings(s)
	return nil
}

func printSavings(s engine.TokenSavings) {
	if s.Records == 0 {
		fmt.Println("  No compression activity in the window.")
		return
	}
	fmt.Printf("  Windows recorded:  %s\n", humanize.Comma(int64(s.Records)))
	fmt.Printf("  Items compressed:  %s\n", humanize.Comma(int64(s.ItemsCompressed)))
	fmt.Printf("  Raw tokens:        %s\n", humanize.Comma(s.RawTokenEstimate))
	fmt.Printf("  Compressed tokens: %s\n", humanize.Comma(s.CompressedTokenEstimate))
	pct := 0.0
	if s.RawTokenEstimate > 0 {
		pct = 100 * float64(s.SavedTokens) / float64(s.RawTokenEstimate)
	}
	fmt.Printf("  Saved:             %s (%.1f%%)\n", humanize.Comma(s.SavedTokens), pct)
}

func routingCmd(reason string, since time.Duration, filter string, limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogConfig(cfg)
	eng, err := openEngine(cfg, engine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	q := engine.RoutingQuery{Filter: filter, Limit: limit}
	if reason != "" {
		q.Reasons = []string{reason}
	}
	if since > 0 {
		q.SinceMS = time.Now().Add(-since).UnixMilli()
	}

	rows, err := eng.QueryRouting(context.Background(), q)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No routing decisions matched.")
		return nil
	}
	for _, d := range rows {
		at := time.UnixMilli(d.DecidedAtMS).Format("2006-01-02 15:04:05")
		fmt.Printf("%s  %-11s %-26s %s\n", at, d.ChosenTier, d.ReasonCode, d.EventID)
		if d.Detail != "" {
			fmt.Printf("    %s\n", d.Detail)
		}
	}
	return nil
}

func quarantineListCmd(limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogConfig(cfg)
	eng, err := openEngine(cfg, engine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	items, err := eng.ListQuarantined(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("No quarantined entries.")
		return nil
	}
	fmt.Printf("Quarantined entries (%d):\n", len(items))
	for _, it := range items {
		fmt.Printf("  %s  [%s]  %s\n", it.ID, it.Tier, snippet(it.Content, 60))
		if it.QuarantineNote != "" {
			fmt.Printf("      note: %s\n", it.QuarantineNote)
		}
	}
	return nil
}

func setPinnedCmd(id string, pinned bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogConfig(cfg)
	eng, err := openEngine(cfg, engine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	item, err := eng.SetPinned(context.Background(), id, pinned)
	if err != nil {
		return err
	}
	if item.Pinned {
		fmt.Printf("✓ Pinned %s (decay hold)\n", item.ID)
	} else {
		fmt.Printf("✓ Unpinned %s\n", item.ID)
	}
	return nil
}

func forgetCmd(id string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogConfig(cfg)
	eng, err := openEngine(cfg, engine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.DeleteShockItem(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("✓ Released shock entry %s\n", id)
	return nil
}

func consoleCmd() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogConfig(cfg)
	eng, err := openEngine(cfg, engine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	fmt.Printf("%s console. Type 'help' for commands, 'exit' to leave.\n", appName)
	consoleLoop(eng)
	return nil
}

func consoleLoop(eng *engine.Engine) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "strata> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".strata_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})

	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleConsole(eng)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}

		if err := runConsoleCommand(eng, input); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

func simpleConsole(eng *engine.Engine) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("strata> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}

		if err := runConsoleCommand(eng, input); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

// splitCommand separates the verb from its argument text.
func splitCommand(input string) (string, string) {
	parts := strings.SplitN(input, " ", 2)
	rest := ""
	if len(parts) > 1 {
		rest = strings.TrimSpace(parts[1])
	}
	return strings.ToLower(parts[0]), rest
}

func runConsoleCommand(eng *engine.Engine, input string) error {
	ctx := context.Background()
	cmd, rest := splitCommand(input)

	switch cmd {
	case "help":
		printConsoleHelp()
		return nil
	case "record":
		if rest == "" {
			return fmt.Errorf("usage: record <content>")
		}
		item, err := eng.RecordEvent(ctx, engine.RecordRequest{
			Content:    rest,
			Source:     engine.ConversationSource{SessionKey: "console", Role: "operator"},
			Importance: 0.5,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Recorded %s (tier=%s)\n", item.ID, item.Tier)
		return nil
	case "recall":
		if rest == "" {
			return fmt.Errorf("usage: recall <query>")
		}
		hits, err := eng.Recall(ctx, rest, 5)
		if err != nil {
			return err
		}
		printHits(hits)
		return nil
	case "working":
		items, err := eng.GetWorkingMemory(ctx)
		if err != nil {
			return err
		}
		printWorking(items, eng.Config().WorkingCapacity)
		return nil
	case "show":
		if rest == "" {
			return fmt.Errorf("usage: show <id>")
		}
		item, err := eng.GetByID(ctx, rest)
		if err != nil {
			return err
		}
		printItem(item)
		return nil
	case "stats":
		st, err := eng.Stats(ctx)
		if err != nil {
			return err
		}
		printStats(st)
		return nil
	case "sweep":
		report, err := eng.RunSweep(ctx)
		if err != nil {
			return err
		}
		printSweepReport(report)
		return nil
	case "savings":
		s, err := eng.GetTokenSavings(ctx, time.Time{}, time.Time{})
		if err != nil {
			return err
		}
		printSavings(s)
		return nil
	case "pin", "unpin":
		if rest == "" {
			return fmt.Errorf("usage: %s <id>", cmd)
		}
		item, err := eng.SetPinned(ctx, rest, cmd == "pin")
		if err != nil {
			return err
		}
		if item.Pinned {
			fmt.Printf("✓ Pinned %s\n", item.ID)
		} else {
			fmt.Printf("✓ Unpinned %s\n", item.ID)
		}
		return nil
	case "forget":
		if rest == "" {
			return fmt.Errorf("usage: forget <id>")
		}
		if err := eng.DeleteShockItem(ctx, rest); err != nil {
			return err
		}
		fmt.Printf("✓ Released shock entry %s\n", rest)
		return nil
	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
}

func printConsoleHelp() {
	fmt.Println("Commands:")
	fmt.Println("  record <content>   stage a memory from this console session")
	fmt.Println("  recall <query>     search across tiers")
	fmt.Println("  working            list working-memory slots")
	fmt.Println("  show <id>          print one item in full")
	fmt.Println("  stats              tier occupancy and log sizes")
	fmt.Println("  sweep              run a full decay sweep now")
	fmt.Println("  savings            all-time compression savings")
	fmt.Println("  pin <id>           hold an item out of decay")
	fmt.Println("  unpin <id>         release a hold")
	fmt.Println("  forget <id>        delete a shock entry")
	fmt.Println("  exit               leave the console")
}

func snippet(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
