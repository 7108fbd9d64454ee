package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"royaltystake/config"
	"royaltystake/native/royalty"
	"royaltystake/storage"
)

type auditSummary struct {
	Pools        int                    `json:"pools"`
	Consistent   bool                   `json:"consistent"`
	HaltedPools  []string               `json:"haltedPools,omitempty"`
	Inconsistent []string               `json:"inconsistent,omitempty"`
	Reports      []*royalty.AuditReport `json:"reports"`
}

func main() {
	configPath := flag.String("config", "./royalty.toml", "Path to ledger configuration file")
	outDir := flag.String("out", "", "Directory receiving CSV and parquet exports")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	policy, err := royalty.ParseZeroStakePolicy(cfg.ZeroStakePolicy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid policy: %v\n", err)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open ledger (is royaltyd running?): %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	engine, err := royalty.NewEngine(policy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build engine: %v\n", err)
		os.Exit(1)
	}
	engine.SetState(royalty.NewStore(db))

	summary, err := runAudit(engine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit failed: %v\n", err)
		os.Exit(1)
	}

	if *outDir != "" {
		if err := exportReports(*outDir, summary.Reports); err != nil {
			fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
			os.Exit(1)
		}
	}

	var output []byte
	if term.IsTerminal(int(os.Stdout.Fd())) {
		output, err = json.MarshalIndent(summary, "", "  ")
	} else {
		output, err = json.Marshal(summary)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
	if !summary.Consistent {
		os.Exit(2)
	}
}

func runAudit(engine *royalty.Engine) (*auditSummary, error) {
	pools, err := engine.Pools()
	if err != nil {
		return nil, err
	}
	summary := &auditSummary{Pools: len(pools), Consistent: true, Reports: make([]*royalty.AuditReport, 0, len(pools))}
	for _, pool := range pools {
		report, err := engine.Audit(pool.AssetID)
		if err != nil {
			return nil, fmt.Errorf("audit %s: %w", pool.AssetID, err)
		}
		summary.Reports = append(summary.Reports, report)
		if report.Halted {
			summary.HaltedPools = append(summary.HaltedPools, report.AssetID)
		}
		if !report.Consistent {
			summary.Consistent = false
			summary.Inconsistent = append(summary.Inconsistent, report.AssetID)
		}
	}
	return summary, nil
}
