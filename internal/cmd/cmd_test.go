package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/pacer/internal/limits"
	"github.com/Iron-Ham/pacer/internal/ratecontrol"
	"github.com/Iron-Ham/pacer/internal/registry"
	"github.com/Iron-Ham/pacer/internal/stealing"
	"github.com/Iron-Ham/pacer/internal/store"
)

const testRuntimeDir = "/run/pacer"

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

// resetFlags restores every flag to its default so tests don't leak
// values into each other through the shared command tree.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// useRuntime points the commands at an empty in-memory runtime directory
// and returns a store over it for seeding.
func useRuntime(t *testing.T) (afero.Fs, *store.Store) {
	t.Helper()

	fs := afero.NewMemMapFs()
	prev := runtimeFs
	runtimeFs = fs

	viper.Reset()
	viper.Set("config", filepath.Join(t.TempDir(), "absent.yaml"))
	viper.Set("registry.runtime_dir", testRuntimeDir)

	t.Cleanup(func() {
		runtimeFs = prev
		viper.Reset()
		resetFlags(rootCmd)
	})

	st, err := store.New(fs, testRuntimeDir)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	return fs, st
}

func putLease(t *testing.T, st *store.Store, id string, heartbeat time.Time) {
	t.Helper()
	info := registry.InstanceInfo{
		InstanceID:    id,
		PID:           4242,
		SessionID:     "sess",
		StartedAt:     heartbeat,
		LastHeartbeat: heartbeat,
		Cwd:           "/work/" + id,
		Hostname:      "host-a",
	}
	if err := st.Put(registry.Namespace, id, info); err != nil {
		t.Fatalf("Put(%s) error = %v", id, err)
	}
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "pacer" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "pacer")
	}

	expected := []string{"status", "cleanup", "limits", "presets", "config"}
	cmdMap := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		cmdMap[c.Name()] = true
	}
	for _, name := range expected {
		if !cmdMap[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}

	if rootCmd.PersistentFlags().Lookup("config") == nil {
		t.Error("missing persistent --config flag")
	}
}

func TestStatus(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		_, st := useRuntime(t)
		putLease(t, st, "inst-live", time.Now())
		putLease(t, st, "inst-dead", time.Now().Add(-time.Hour))

		rc := ratecontrol.New(ratecontrol.DefaultConfig(), ratecontrol.WithStore(st))
		rc.GetEffectiveLimit("anthropic", "claude-opus", 4)
		rc.Record429("anthropic", "claude-opus", nil)
		if err := rc.Persist(context.Background()); err != nil {
			t.Fatalf("Persist() error = %v", err)
		}
		if _, ok, err := st.TryAcquireLock("demo", time.Minute); err != nil || !ok {
			t.Fatalf("TryAcquireLock() = %v, %v", ok, err)
		}

		out, err := executeCommand(rootCmd, "status", "--json")
		if err != nil {
			t.Fatalf("status --json error = %v\n%s", err, out)
		}

		var report statusReport
		if err := json.Unmarshal([]byte(out), &report); err != nil {
			t.Fatalf("status output is not JSON: %v\n%s", err, out)
		}
		if report.RuntimeDir != testRuntimeDir {
			t.Errorf("RuntimeDir = %q, want %q", report.RuntimeDir, testRuntimeDir)
		}
		if len(report.Instances) != 1 || report.Instances[0].InstanceID != "inst-live" {
			t.Errorf("Instances = %+v, want only inst-live", report.Instances)
		}
		learned, ok := report.LearnedLimits[ratecontrol.Key("anthropic", "claude-opus")]
		if !ok {
			t.Fatalf("LearnedLimits = %+v, missing anthropic:claude-opus", report.LearnedLimits)
		}
		if learned.Total429Count != 1 || learned.Concurrency >= learned.OriginalConcurrency {
			t.Errorf("learned limit = %+v, want one 429 and a reduced limit", learned)
		}
		if report.TotalLimit == nil {
			t.Error("TotalLimit = nil, want state when the total limit is enabled")
		}
		found := false
		for _, l := range report.Locks {
			if l.Resource == "demo" {
				found = true
			}
		}
		if !found {
			t.Errorf("Locks = %+v, want demo", report.Locks)
		}
	})

	t.Run("text", func(t *testing.T) {
		_, st := useRuntime(t)
		putLease(t, st, "inst-live", time.Now())

		out, err := executeCommand(rootCmd, "status")
		if err != nil {
			t.Fatalf("status error = %v\n%s", err, out)
		}
		for _, want := range []string{
			"Runtime: " + testRuntimeDir,
			"Instances (1 active",
			"inst-live",
			"Learned limits",
			"(none)",
			"Locks",
		} {
			if !strings.Contains(out, want) {
				t.Errorf("status output missing %q:\n%s", want, out)
			}
		}
	})
}

func TestCleanup(t *testing.T) {
	_, st := useRuntime(t)
	now := time.Now()

	putLease(t, st, "inst-live", now)
	putLease(t, st, "inst-dead", now.Add(-time.Hour))
	stale := stealing.QueueState{InstanceID: "inst-dead", PendingTaskCount: 3, UpdatedAt: now.Add(-time.Hour)}
	if err := st.Put(stealing.Namespace, "inst-dead", stale); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := st.TryAcquireLock("abandoned", time.Nanosecond); err != nil || !ok {
		t.Fatalf("TryAcquireLock() = %v, %v", ok, err)
	}
	time.Sleep(time.Millisecond)

	out, err := executeCommand(rootCmd, "cleanup", "--json")
	if err != nil {
		t.Fatalf("cleanup error = %v\n%s", err, out)
	}

	var got cleanupResult
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("cleanup output is not JSON: %v\n%s", err, out)
	}
	want := cleanupResult{Leases: 1, Locks: 1, QueueStates: 1}
	if got != want {
		t.Errorf("cleanup = %+v, want %+v", got, want)
	}

	leases, err := st.List(registry.Namespace)
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 1 || leases[0] != "inst-live" {
		t.Errorf("remaining leases = %v, want [inst-live]", leases)
	}

	// A second pass finds nothing
	resetFlags(rootCmd)
	out, err = executeCommand(rootCmd, "cleanup")
	if err != nil {
		t.Fatalf("second cleanup error = %v", err)
	}
	if !strings.Contains(out, "Removed 0 dead lease(s), 0 stale queue state(s), 0 expired lock(s)") {
		t.Errorf("second cleanup output = %q", out)
	}
}

func TestLimits(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
		check   func(t *testing.T, out string)
	}{
		{
			name: "json",
			args: []string{"limits", "anthropic", "claude-opus-4", "--json"},
			check: func(t *testing.T, out string) {
				var res limits.Result
				if err := json.Unmarshal([]byte(out), &res); err != nil {
					t.Fatalf("limits output is not JSON: %v\n%s", err, out)
				}
				if res.Breakdown.Preset != 2 {
					t.Errorf("Breakdown.Preset = %d, want 2", res.Breakdown.Preset)
				}
				if res.PresetSource != "anthropic/standard/*opus*" {
					t.Errorf("PresetSource = %q", res.PresetSource)
				}
				if res.EffectiveConcurrency < 1 || res.EffectiveConcurrency > 2 {
					t.Errorf("EffectiveConcurrency = %d, want within [1, 2]", res.EffectiveConcurrency)
				}
			},
		},
		{
			name: "text",
			args: []string{"limits", "openai", "gpt-4o-mini", "--tier", "scale"},
			check: func(t *testing.T, out string) {
				for _, want := range []string{"openai:gpt-4o-mini (llm)", "Effective concurrency:", "Breakdown:", "openai/scale/default"} {
					if !strings.Contains(out, want) {
						t.Errorf("limits output missing %q:\n%s", want, out)
					}
				}
			},
		},
		{
			name:    "bad operation",
			args:    []string{"limits", "openai", "gpt-4o", "--operation", "embedding"},
			wantErr: "operation",
		},
		{
			name:    "missing model",
			args:    []string{"limits", "openai"},
			wantErr: "accepts 2 arg(s)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useRuntime(t)
			out, err := executeCommand(rootCmd, tt.args...)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("error = %v\n%s", err, out)
			}
			tt.check(t, out)
		})
	}
}

func TestPresets(t *testing.T) {
	t.Run("builtin provider", func(t *testing.T) {
		useRuntime(t)
		out, err := executeCommand(rootCmd, "presets", "anthropic", "--json")
		if err != nil {
			t.Fatalf("presets error = %v\n%s", err, out)
		}
		var got struct {
			DefaultTier string      `json:"default_tier"`
			Entries     []presetRow `json:"entries"`
		}
		if err := json.Unmarshal([]byte(out), &got); err != nil {
			t.Fatalf("presets output is not JSON: %v\n%s", err, out)
		}
		if len(got.Entries) != 6 {
			t.Fatalf("len(Entries) = %d, want 6: %+v", len(got.Entries), got.Entries)
		}
		first := got.Entries[0]
		if first.Provider != "anthropic" || first.Tier != "free" || first.Pattern != "default" {
			t.Errorf("first entry = %+v, want anthropic/free/default", first)
		}
		for _, e := range got.Entries {
			if e.Provider != "anthropic" {
				t.Errorf("entry %+v is not anthropic", e)
			}
		}
	})

	t.Run("presets file", func(t *testing.T) {
		fs, _ := useRuntime(t)
		yaml := `
providers:
  acme:
    tiers:
      pro:
        default: {concurrency: 10, rpm: 600}
        models:
          - pattern: "rocket-*"
            concurrency: 3
            rpm: 90
`
		if err := afero.WriteFile(fs, "/etc/pacer/presets.yaml", []byte(yaml), 0o644); err != nil {
			t.Fatal(err)
		}
		viper.Set("presets.file", "/etc/pacer/presets.yaml")

		out, err := executeCommand(rootCmd, "presets")
		if err != nil {
			t.Fatalf("presets error = %v\n%s", err, out)
		}
		for _, want := range []string{"acme", "rocket-*", "anthropic", "Fallback:"} {
			if !strings.Contains(out, want) {
				t.Errorf("presets output missing %q:\n%s", want, out)
			}
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		useRuntime(t)
		if _, err := executeCommand(rootCmd, "presets", "nope"); err == nil {
			t.Error("presets nope should fail")
		}
	})
}

func TestConfigCommands(t *testing.T) {
	t.Run("path", func(t *testing.T) {
		useRuntime(t)
		t.Setenv("XDG_CONFIG_HOME", t.TempDir())
		out, err := executeCommand(rootCmd, "config", "path")
		if err != nil {
			t.Fatalf("config path error = %v", err)
		}
		if !strings.Contains(out, "Search paths:") || !strings.Contains(out, "PACER_") {
			t.Errorf("config path output = %q", out)
		}
	})

	t.Run("show", func(t *testing.T) {
		useRuntime(t)
		out, err := executeCommand(rootCmd, "config", "show")
		if err != nil {
			t.Fatalf("config show error = %v", err)
		}
		for _, want := range []string{"registry:", "runtime_dir: " + testRuntimeDir, "scheduler:"} {
			if !strings.Contains(out, want) {
				t.Errorf("config show output missing %q:\n%s", want, out)
			}
		}
	})

	t.Run("init", func(t *testing.T) {
		useRuntime(t)
		dir := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", dir)

		if _, err := executeCommand(rootCmd, "config", "init"); err != nil {
			t.Fatalf("config init error = %v", err)
		}
		data, err := os.ReadFile(filepath.Join(dir, "pacer", "config.yaml"))
		if err != nil {
			t.Fatalf("config file not written: %v", err)
		}
		if !strings.Contains(string(data), "heartbeat_interval_ms:") {
			t.Errorf("config file missing registry settings:\n%s", data)
		}

		if _, err := executeCommand(rootCmd, "config", "init"); err == nil || !strings.Contains(err.Error(), "already exists") {
			t.Errorf("second config init error = %v, want already exists", err)
		}
	})
}
