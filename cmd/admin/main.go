// Command admin is the operator toolbox: wallet grants, ledger
// reconciliation, forced gate resolution, plan overrides, and event log
// queries. It opens the database directly; run it beside a stopped server
// or accept the single-writer queueing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"theatreos/internal/config"
	"theatreos/internal/gate"
	"theatreos/internal/plan"
	"theatreos/internal/policy"
	"theatreos/internal/settle"
	"theatreos/internal/store"
	"theatreos/internal/wallet"
	"theatreos/internal/world"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "grant":
			grantCmd(os.Args[2:])
			return
		case "reconcile":
			reconcileCmd(os.Args[2:])
			return
		case "resolve":
			resolveCmd(os.Args[2:])
			return
		case "override":
			overrideCmd(os.Args[2:])
			return
		case "events":
			eventsCmd(os.Args[2:])
			return
		}
	}
	fmt.Fprintln(os.Stderr, "usage: admin <grant|reconcile|resolve|override|events> [flags]")
	os.Exit(2)
}

func openDB(dataDir string) (*store.DB, *log.Logger) {
	logger := log.New(os.Stderr, "[admin] ", log.LstdFlags)
	db, err := store.Open(filepath.Join(dataDir, "theatre.db"))
	if err != nil {
		logger.Fatalf("open db: %v", err)
	}
	return db, logger
}

func grantCmd(args []string) {
	fs := flag.NewFlagSet("grant", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	userID := fs.String("user", "", "user id")
	currency := fs.String("currency", "SHARD", "currency")
	amount := fs.Int64("amount", 100_0000, "amount in minor units")
	_ = fs.Parse(args)

	if strings.TrimSpace(*userID) == "" {
		fmt.Fprintln(os.Stderr, "missing -user")
		os.Exit(2)
	}
	db, logger := openDB(*dataDir)
	defer db.Close()

	ledger := wallet.New(db, logger)
	if err := ledger.Grant(context.Background(), *userID, *currency, *amount); err != nil {
		logger.Fatalf("grant: %v", err)
	}
	bal, err := ledger.Balance(context.Background(), *userID, *currency)
	if err != nil {
		logger.Fatalf("balance: %v", err)
	}
	fmt.Printf("user=%s currency=%s balance=%d\n", *userID, *currency, bal)
}

func reconcileCmd(args []string) {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	db, logger := openDB(*dataDir)
	defer db.Close()

	mismatches, err := wallet.New(db, logger).Reconcile(context.Background())
	if err != nil {
		logger.Fatalf("reconcile: %v", err)
	}
	if len(mismatches) == 0 {
		fmt.Println("ok: all balances match the ledger")
		return
	}
	for _, m := range mismatches {
		fmt.Printf("MISMATCH user=%s currency=%s balance=%d ledger_sum=%d\n",
			m.UserID, m.Currency, m.Balance, m.LedgerSum)
	}
	os.Exit(1)
}

func resolveCmd(args []string) {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	configDir := fs.String("configs", "./configs", "config directory")
	gateID := fs.String("gate", "", "gate id")
	_ = fs.Parse(args)

	if strings.TrimSpace(*gateID) == "" {
		fmt.Fprintln(os.Stderr, "missing -gate")
		os.Exit(2)
	}
	db, logger := openDB(*dataDir)
	defer db.Close()

	tune, err := config.Load(filepath.Join(*configDir, "tuning.yaml"))
	if err != nil {
		logger.Printf("tuning: %v (using defaults)", err)
		tune = config.Defaults()
	}
	pol, err := policy.Load(filepath.Join(*configDir, "policy.yaml"), "")
	if err != nil {
		logger.Printf("policy: %v (using defaults)", err)
		pol = policy.Defaults()
	}

	worlds := world.NewStore(db, logger, world.Options{CatchupWindow: tune.TickCatchupWindow})
	ledger := wallet.New(db, logger)
	gates := gate.NewManager(db, tune, ledger, logger)
	engine := settle.NewEngine(db, gates, ledger, worlds, pol, tune, logger)

	if err := engine.Resolve(context.Background(), *gateID); err != nil {
		logger.Fatalf("resolve: %v", err)
	}
	g, err := gates.ByID(context.Background(), *gateID)
	if err != nil {
		logger.Fatalf("reload: %v", err)
	}
	fmt.Printf("gate=%s status=%s winner=%s\n", g.GateID, g.Status, g.Winner)
}

func overrideCmd(args []string) {
	fs := flag.NewFlagSet("override", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	instanceID := fs.String("instance", "theatre_1", "theatre instance id")
	slotID := fs.String("slot", "", "plan slot id (e.g. W2_D5_2100)")
	payload := fs.String("payload", "", "override JSON (fields: primary_thread, support_threads, beat_mix, gate_template, must_drop)")
	reason := fs.String("reason", "", "why")
	operator := fs.String("operator", "", "who")
	_ = fs.Parse(args)

	if *slotID == "" || *payload == "" || *reason == "" || *operator == "" {
		fmt.Fprintln(os.Stderr, "missing -slot, -payload, -reason or -operator")
		os.Exit(2)
	}
	if !json.Valid([]byte(*payload)) {
		fmt.Fprintln(os.Stderr, "payload is not valid JSON")
		os.Exit(2)
	}

	db, logger := openDB(*dataDir)
	defer db.Close()

	tune := config.Defaults()
	worlds := world.NewStore(db, logger, world.Options{})
	plans := plan.NewGenerator(db, worlds, tune, logger)

	o, err := plans.ApplyOverride(context.Background(), *instanceID, *slotID,
		json.RawMessage(*payload), *reason, *operator)
	if err != nil {
		logger.Fatalf("override: %v", err)
	}
	fmt.Printf("override=%s slot=%s at=%s\n", o.OverrideID, o.SlotID,
		time.UnixMilli(o.CreatedAt).UTC().Format(time.RFC3339))
}

func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	instanceID := fs.String("instance", "theatre_1", "theatre instance id")
	fromTick := fs.Int64("from_tick", 0, "filter: tick >= (0 = no filter)")
	toTick := fs.Int64("to_tick", 0, "filter: tick <= (0 = no filter)")
	eventType := fs.String("type", "", "filter: event type")
	limit := fs.Int("limit", 50, "max rows")
	_ = fs.Parse(args)

	db, logger := openDB(*dataDir)
	defer db.Close()

	worlds := world.NewStore(db, logger, world.Options{})
	evs, err := worlds.Events(context.Background(), *instanceID, *fromTick, *toTick, *eventType, *limit)
	if err != nil {
		logger.Fatalf("events: %v", err)
	}
	for _, ev := range evs {
		fmt.Printf("seq=%d tick=%d type=%s delta=%s payload=%s\n",
			ev.Seq, ev.TickID, ev.Type, ev.DeltaID, string(ev.Payload))
	}
}
