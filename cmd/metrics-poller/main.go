// Command metrics-poller polls the memory engine's metrics_snapshot
// endpoint, computes deltas against the previous poll, and appends a
// bounded JSON history file for a dashboard to read.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Delta represents the change in engine counters between two consecutive
// polls.
type Delta struct {
	Timestamp     time.Time `json:"timestamp"`
	Period        string    `json:"period"`
	NewPlanned    int64     `json:"new_planned"`
	NewInjected   int64     `json:"new_injected"`
	NewSkipped    int64     `json:"new_skipped"`
	NewSelected   int64     `json:"new_selected_total"`
	NewInjectedCt int64     `json:"new_injected_total"`
}

// Snapshot mirrors domain.MetricsSnapshot, the metrics_snapshot() response.
type Snapshot struct {
	Planned       int64 `json:"planned"`
	Injected      int64 `json:"injected"`
	Skipped       int64 `json:"skipped"`
	SelectedTotal int64 `json:"selected_total"`
	InjectedTotal int64 `json:"injected_total"`
}

const maxHistory = 288

func main() {
	apiURL := flag.String("api", "http://localhost:8080", "memory API base URL")
	docsDir := flag.String("docs-dir", "docs", "docs directory for output")
	push := flag.Bool("push", false, "git commit and push after update")
	flag.Parse()

	dataDir := filepath.Join(*docsDir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("mkdir %s: %v", dataDir, err)
	}

	latestPath := filepath.Join(dataDir, "metrics-latest.json")
	historyPath := filepath.Join(dataDir, "metrics-history.json")
	prevPath := filepath.Join(dataDir, ".metrics-prev.json")

	resp, err := http.Get(*apiURL + "/api/v1/metrics/snapshot")
	if err != nil {
		log.Fatalf("fetch snapshot: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("API returned %d: %s", resp.StatusCode, body)
	}

	var current Snapshot
	if err := json.Unmarshal(body, &current); err != nil {
		log.Fatalf("parse snapshot: %v", err)
	}

	var prev Snapshot
	if data, err := os.ReadFile(prevPath); err == nil {
		json.Unmarshal(data, &prev)
	}

	now := time.Now().UTC()
	delta := Delta{
		Timestamp:     now,
		Period:        "5m",
		NewPlanned:    current.Planned - prev.Planned,
		NewInjected:   current.Injected - prev.Injected,
		NewSkipped:    current.Skipped - prev.Skipped,
		NewSelected:   current.SelectedTotal - prev.SelectedTotal,
		NewInjectedCt: current.InjectedTotal - prev.InjectedTotal,
	}

	if err := os.WriteFile(latestPath, body, 0o644); err != nil {
		log.Fatalf("write latest: %v", err)
	}

	var history []Delta
	if data, err := os.ReadFile(historyPath); err == nil {
		json.Unmarshal(data, &history)
	}
	history = append(history, delta)
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	histData, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		log.Fatalf("marshal history: %v", err)
	}
	if err := os.WriteFile(historyPath, histData, 0o644); err != nil {
		log.Fatalf("write history: %v", err)
	}

	if err := os.WriteFile(prevPath, body, 0o644); err != nil {
		log.Fatalf("write prev: %v", err)
	}

	fmt.Printf("Snapshot polled at %s (planned: %d, injected: %d, skipped: %d)\n",
		now.Format(time.RFC3339), current.Planned, current.Injected, current.Skipped)
	fmt.Printf("Delta: +%d planned, +%d injected, +%d skipped\n",
		delta.NewPlanned, delta.NewInjected, delta.NewSkipped)

	if *push {
		gitCommitPush(*docsDir)
	}
}

func gitCommitPush(docsDir string) {
	cmds := [][]string{
		{"git", "add", filepath.Join(docsDir, "data/")},
		{"git", "commit", "-m", fmt.Sprintf("metrics: poll %s", time.Now().UTC().Format("2006-01-02T15:04"))},
		{"git", "push"},
	}
	for _, args := range cmds {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			log.Printf("git %v: %v", args, err)
		}
	}
}
