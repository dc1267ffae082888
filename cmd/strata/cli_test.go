package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/mnemolabs/strata/pkg/config"
	"github.com/mnemolabs/strata/pkg/engine"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand(false)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	if args == nil {
		// nil makes cobra fall back to os.Args, which holds test flags
		args = []string{}
	}
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootCommandRequiresSubcommand(t *testing.T) {
	output, err := runRootCommandForTest()
	if err == nil {
		t.Fatal("expected an error when no subcommand is given")
	}
	if !strings.Contains(err.Error(), "a subcommand is required") {
		t.Errorf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "Available Commands") {
		t.Errorf("help text not shown:\n%s", output)
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := buildRootCommand(true)

	names := map[string]bool{}
	for _, sub := range root.Commands() {
		names[sub.Name()] = true
	}

	expected := []string{
		"onboard", "serve", "status", "doctor", "stats",
		"record", "recall", "show", "working", "context",
		"decay", "savings", "routing", "quarantine",
		"pin", "unpin", "forget", "console", "version", "docs",
	}
	for _, want := range expected {
		if !names[want] {
			t.Errorf("command %q not registered", want)
		}
	}
}

func TestDocsCommandHidden(t *testing.T) {
	root := buildRootCommand(true)
	for _, sub := range root.Commands() {
		if sub.Name() == "docs" {
			if !sub.Hidden {
				t.Error("docs command should be hidden")
			}
			return
		}
	}
	t.Fatal("docs command not found")
}

func TestFlagValidation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"record importance above one", []string{"record", "--importance", "1.5", "note"}, "--importance"},
		{"record intensity below zero", []string{"record", "--intensity=-0.1", "note"}, "--intensity"},
		{"record blank content", []string{"record", "   "}, "content"},
		{"recall zero top", []string{"recall", "--top", "0", "query"}, "--top"},
		{"context zero budget", []string{"context", "--max-tokens", "0", "query"}, "--max-tokens"},
		{"decay status bad tier", []string{"decay", "status", "--tier", "working"}, "--tier"},
		{"decay run bad tier", []string{"decay", "run", "--tier", "shock"}, "--tier"},
		{"savings zero window", []string{"savings", "--since", "0s"}, "--since"},
		{"routing zero limit", []string{"routing", "--limit", "0"}, "--limit"},
		{"quarantine list zero limit", []string{"quarantine", "list", "--limit", "0"}, "--limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runRootCommandForTest(tt.args...)
			if err == nil {
				t.Fatalf("args %v: expected an error", tt.args)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("args %v: error %q should mention %q", tt.args, err, tt.wantErr)
			}
		})
	}
}

func TestEngineSettingsFromDefaults(t *testing.T) {
	cfg := config.DefaultConfig()
	settings := engineSettings(cfg)

	if settings.WorkingCapacity != 9 {
		t.Errorf("WorkingCapacity = %d, want 9", settings.WorkingCapacity)
	}
	if settings.FreshWindow != 30*time.Minute {
		t.Errorf("FreshWindow = %s, want 30m", settings.FreshWindow)
	}
	if settings.RecencyHalfLife != 6*time.Hour {
		t.Errorf("RecencyHalfLife = %s, want 6h", settings.RecencyHalfLife)
	}
	if settings.Decay.ProceduralHalfLife != 60*24*time.Hour {
		t.Errorf("ProceduralHalfLife = %s, want 1440h", settings.Decay.ProceduralHalfLife)
	}
	if settings.Decay.ConfidenceFloor != 0.15 {
		t.Errorf("ConfidenceFloor = %v, want 0.15", settings.Decay.ConfidenceFloor)
	}
	if settings.SweepBatchLimit != 256 {
		t.Errorf("SweepBatchLimit = %d, want 256", settings.SweepBatchLimit)
	}
	if settings.CompressTimeout != 0 {
		t.Errorf("CompressTimeout = %s, want 0 for the extractive backend", settings.CompressTimeout)
	}
}

func TestBuildCompressor(t *testing.T) {
	t.Run("extractive is local", func(t *testing.T) {
		comp, err := buildCompressor(config.DefaultConfig())
		if err != nil {
			t.Fatalf("buildCompressor: %v", err)
		}
		if comp != nil {
			t.Errorf("expected nil compressor for the extractive backend, got %T", comp)
		}
	})

	t.Run("http requires endpoint", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Compression.Backend = "http"
		if _, err := buildCompressor(cfg); err == nil {
			t.Fatal("expected an error without an endpoint")
		}
	})

	t.Run("http with endpoint", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Compression.Backend = "http"
		cfg.Compression.HTTP.Endpoint = "https://summarize.internal/v1/compress"
		comp, err := buildCompressor(cfg)
		if err != nil {
			t.Fatalf("buildCompressor: %v", err)
		}
		if comp == nil {
			t.Fatal("expected a compressor")
		}
		if comp.Name() != "remote-summarizer" {
			t.Errorf("Name() = %q", comp.Name())
		}
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Compression.Backend = "punched-cards"
		if _, err := buildCompressor(cfg); err == nil {
			t.Fatal("expected an error for an unknown backend")
		}
	})
}

func TestBuildTickSource(t *testing.T) {
	t.Run("interval", func(t *testing.T) {
		cfg := config.DefaultConfig()
		ticks, cadence, err := buildTickSource(cfg)
		if err != nil {
			t.Fatalf("buildTickSource: %v", err)
		}
		if ticks == nil {
			t.Fatal("expected a tick source")
		}
		defer ticks.Stop()
		if cadence != "every 1m0s" {
			t.Errorf("cadence = %q", cadence)
		}
	})

	t.Run("cron", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Scheduler.Cron = "*/5 * * * *"
		ticks, cadence, err := buildTickSource(cfg)
		if err != nil {
			t.Fatalf("buildTickSource: %v", err)
		}
		if ticks == nil {
			t.Fatal("expected a tick source")
		}
		defer ticks.Stop()
		if cadence != `cron "*/5 * * * *"` {
			t.Errorf("cadence = %q", cadence)
		}
	})

	t.Run("invalid cron", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Scheduler.Cron = "not a cron"
		if _, _, err := buildTickSource(cfg); err == nil {
			t.Fatal("expected an error for an invalid expression")
		}
	})

	t.Run("zero interval falls back", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Scheduler.IntervalSeconds = 0
		ticks, cadence, err := buildTickSource(cfg)
		if err != nil {
			t.Fatalf("buildTickSource: %v", err)
		}
		defer ticks.Stop()
		if cadence != "every 1m0s" {
			t.Errorf("cadence = %q", cadence)
		}
	})
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		input    string
		wantCmd  string
		wantRest string
	}{
		{"record the deploy runbook", "record", "the deploy runbook"},
		{"stats", "stats", ""},
		{"RECALL postgres", "recall", "postgres"},
		{"show   mem_123", "show", "mem_123"},
		{"", "", ""},
	}

	for _, tt := range tests {
		cmd, rest := splitCommand(tt.input)
		if cmd != tt.wantCmd || rest != tt.wantRest {
			t.Errorf("splitCommand(%q) = (%q, %q), want (%q, %q)",
				tt.input, cmd, rest, tt.wantCmd, tt.wantRest)
		}
	}
}

func TestSnippet(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short stays", "hello world", 20, "hello world"},
		{"collapses whitespace", "a  b\n\nc", 20, "a b c"},
		{"truncates", strings.Repeat("x", 30), 10, strings.Repeat("x", 10) + "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := snippet(tt.in, tt.limit); got != tt.want {
				t.Errorf("snippet(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
			}
		})
	}
}

func TestFormatMSZero(t *testing.T) {
	if got := formatMS(0); got != "-" {
		t.Errorf("formatMS(0) = %q, want -", got)
	}
	if got := formatMS(-1); got != "-" {
		t.Errorf("formatMS(-1) = %q, want -", got)
	}
}

func TestMemoryModelReferenceCoversConstants(t *testing.T) {
	ref := buildMemoryModelReferenceMarkdown()

	for _, tier := range engine.Tiers {
		if !strings.Contains(ref, "`"+string(tier)+"`") {
			t.Errorf("reference missing tier %s", tier)
		}
	}

	reasons := []string{
		engine.ReasonShockCommitted,
		engine.ReasonFreshStaged,
		engine.ReasonWorkingAdmitted,
		engine.ReasonWorkingEvicted,
		engine.ReasonLongTermAdmitted,
		engine.ReasonProceduralAdmitted,
		engine.ReasonProceduralReinforced,
		engine.ReasonExpiredLowImportance,
	}
	for _, reason := range reasons {
		if !strings.Contains(ref, "`"+reason+"`") {
			t.Errorf("reference missing reason code %s", reason)
		}
	}
}

func TestConfigReferenceCoversSections(t *testing.T) {
	ref, err := buildConfigReferenceMarkdown()
	if err != nil {
		t.Fatalf("buildConfigReferenceMarkdown: %v", err)
	}

	keys := []string{
		"engine.working_capacity",
		"decay.fresh_seconds",
		"scheduler.sweep_batch_limit",
		"compression.backend",
		"ingest.discord.token",
		"gateway.port",
		"log.level",
	}
	for _, key := range keys {
		if !strings.Contains(ref, "`"+key+"`") {
			t.Errorf("config reference missing key %s", key)
		}
	}
	if !strings.Contains(ref, "STRATA_LOG_LEVEL") {
		t.Error("config reference missing env var column content")
	}
}
