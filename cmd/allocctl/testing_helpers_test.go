package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joshuapare/tieralloc/alloc"
	"github.com/joshuapare/tieralloc/config"
)

// testConfig keeps reservations small so tests do not map gigabytes.
func testConfig() alloc.MasterConfig {
	return alloc.MasterConfig{
		Small:  alloc.SmallConfig{Capacity: 4 << 20, PageSize: 64 << 10, MinAllocationSize: 16, Classes: 16},
		Medium: alloc.MediumConfig{Capacity: 8 << 20, SecondLevelIndex: 4, MaxSize: 64 << 10},
		Large:  alloc.LargeConfig{Capacity: 32 << 20, BaseSize: 128 << 10, Order: 4},
	}
}

// writeTestConfig writes testConfig to a temporary YAML file and returns its path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	data, err := config.Marshal(testConfig())
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// resetFlags restores the global flags to their defaults.
func resetFlags() {
	verbose = false
	quiet = false
	jsonOut = false
	configPath = ""
	benchOps = 100000
	benchSeed = 1
	benchMaxSize = "64KiB"
	benchLive = 1024
	benchMetrics = false
	benchTrim = false
}

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w

	// Drain concurrently so large outputs cannot fill the pipe.
	done := make(chan []byte)
	go func() {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r)
		done <- buf.Bytes()
	}()

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout
	out := <-done

	return string(out), fnErr
}

// assertJSON checks that output is valid JSON
func assertJSON(t *testing.T, output string) {
	t.Helper()
	var result interface{}
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		t.Errorf("invalid JSON output: %v\nOutput: %s", err, output)
	}
}

// assertContains checks that output contains all expected strings
func assertContains(t *testing.T, output string, expected []string) {
	t.Helper()
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("output missing expected string %q\nGot: %s", want, output)
		}
	}
}
