package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/sawpanic/riskrun/internal/breaker"
)

// Thin HTTP client for the status and reset subcommands, so operators don't
// need curl to talk to a running engine.

var httpClient = &http.Client{Timeout: 10 * time.Second}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")

	resp, err := httpClient.Get(addr + "/risk/snapshot")
	if err != nil {
		return fmt.Errorf("snapshot request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("snapshot request: %s", resp.Status)
	}

	var snap struct {
		Timestamp time.Time                `json:"timestamp"`
		Breakers  map[string]breaker.State `json:"breakers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	keys := make([]string, 0, len(snap.Breakers))
	for k := range snap.Breakers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Breaker", "Status", "Losses", "Drawdown", "Cooldown Until", "Reason"})
	for _, k := range keys {
		st := snap.Breakers[k]
		status := string(st.Status)
		if st.Status == breaker.StatusOpen {
			status = text.FgRed.Sprint("OPEN")
		}
		cooldown := "-"
		if st.CooldownUntil != nil {
			cooldown = st.CooldownUntil.Format(time.RFC3339)
		}
		dd := "-"
		if st.PeakEquity > 0 {
			dd = fmt.Sprintf("%.1f%%", st.DrawdownPct())
		}
		t.AppendRow(table.Row{k, status, st.Losses, dd, cooldown, st.Reason})
	}
	t.Render()
	fmt.Printf("as of %s\n", snap.Timestamp.Format(time.RFC3339))
	return nil
}

func runReset(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	agent, _ := cmd.Flags().GetString("agent")
	kind, _ := cmd.Flags().GetString("kind")
	caller, _ := cmd.Flags().GetString("caller")

	body, err := json.Marshal(map[string]string{"agent_id": agent, "kind": kind})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, addr+"/risk/reset", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Caller", caller)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reset request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("reset refused (%s): %s", resp.Status, bytes.TrimSpace(msg))
	}

	scope := "portfolio"
	if agent != "" {
		scope = "agent " + agent
	}
	fmt.Printf("breaker %s (%s) reset by %s\n", kind, scope, caller)
	return nil
}
