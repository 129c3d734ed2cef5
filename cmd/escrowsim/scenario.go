package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"arbescrow/core/arbitration"
	"arbescrow/core/events"
	"arbescrow/crypto"
	"arbescrow/native/arbitrator"
	"arbescrow/native/bank"
	"arbescrow/native/escrow"
	"arbescrow/storage"
)

// scenarioEpoch anchors simulated time. Step offsets are added to it.
const scenarioEpoch int64 = 1_700_000_000

const ownerName = "owner"

// Duration wraps time.Duration so scenarios can use strings like "3m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Scenario is a scripted run against a registry and a centralized arbitrator
// owned by the account named "owner".
type Scenario struct {
	Name                        string            `yaml:"name"`
	ReclamationPeriod           Duration          `yaml:"reclamationPeriod"`
	ArbitrationFeeDepositPeriod Duration          `yaml:"arbitrationFeeDepositPeriod"`
	ArbitrationCost             string            `yaml:"arbitrationCost"`
	Accounts                    map[string]string `yaml:"accounts"`
	Escrows                     []EscrowSetup     `yaml:"escrows"`
	Steps                       []Step            `yaml:"steps"`
	Expect                      Expectations      `yaml:"expect"`
}

// EscrowSetup creates an escrow at the start of the run.
type EscrowSetup struct {
	Name  string `yaml:"name"`
	Payer string `yaml:"payer"`
	Payee string `yaml:"payee"`
	Value string `yaml:"value"`
	URI   string `yaml:"uri"`
}

// Step is one call made at a fixed offset from the start of the run.
type Step struct {
	At          Duration `yaml:"at"`
	Action      string   `yaml:"action"`
	Caller      string   `yaml:"caller"`
	Escrow      string   `yaml:"escrow"`
	Payment     string   `yaml:"payment"`
	Ruling      uint64   `yaml:"ruling"`
	URI         string   `yaml:"uri"`
	ExpectError string   `yaml:"expectError"`
}

// Expectations are checked once every step has run.
type Expectations struct {
	Status   map[string]string `yaml:"status"`
	Balances map[string]string `yaml:"balances"`
}

// Result reports the outcome of a scenario run.
type Result struct {
	Name     string
	Events   []events.Record
	Failures []string
}

// Passed reports whether every step and expectation held.
func (r *Result) Passed() bool { return len(r.Failures) == 0 }

func (r *Result) failf(format string, args ...any) {
	r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
}

// LoadScenario reads a YAML scenario from disk.
func LoadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeScenario(f)
}

// DecodeScenario parses a YAML scenario, rejecting unknown fields.
func DecodeScenario(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *Scenario) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("scenario: name required")
	}
	seen := make(map[string]struct{}, len(s.Escrows))
	for _, e := range s.Escrows {
		if e.Name == "" {
			return errors.New("scenario: escrow name required")
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("scenario: duplicate escrow %q", e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	var last time.Duration
	for i, step := range s.Steps {
		if step.At.Duration < last {
			return fmt.Errorf("scenario: step %d goes back in time", i)
		}
		last = step.At.Duration
		if _, ok := seen[step.Escrow]; !ok {
			return fmt.Errorf("scenario: step %d references unknown escrow %q", i, step.Escrow)
		}
	}
	return nil
}

type simClock struct {
	now int64
}

func (c *simClock) Now() int64 { return c.now }

type simulation struct {
	scenario *Scenario
	clock    *simClock
	ledger   *bank.Ledger
	arb      *arbitrator.Centralized
	registry *escrow.Registry
	recorder *events.Recorder
	escrows  map[string][32]byte
}

// Run executes the scenario against fresh in-memory state.
func Run(sc *Scenario, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sim, err := newSimulation(sc, logger)
	if err != nil {
		return nil, err
	}
	result := &Result{Name: sc.Name}
	for i, step := range sc.Steps {
		sim.clock.now = scenarioEpoch + int64(step.At.Duration/time.Second)
		err := sim.apply(step)
		got := stepReason(err)
		want := strings.TrimSpace(step.ExpectError)
		switch {
		case want == "" && err != nil:
			result.failf("step %d (%s by %s at %s): unexpected error: %v", i, step.Action, step.Caller, step.At.Duration, err)
		case want != "" && got != want:
			result.failf("step %d (%s by %s at %s): expected %s, got %q", i, step.Action, step.Caller, step.At.Duration, want, got)
		}
	}
	sim.check(result)
	result.Events = sim.recorder.Since(0)
	return result, nil
}

func newSimulation(sc *Scenario, logger *slog.Logger) (*simulation, error) {
	db := storage.NewMemDB()
	sim := &simulation{
		scenario: sc,
		clock:    &simClock{now: scenarioEpoch},
		ledger:   bank.NewLedger(db),
		recorder: events.NewRecorder(0),
		escrows:  make(map[string][32]byte, len(sc.Escrows)),
	}
	for _, name := range sortedKeys(sc.Accounts) {
		amount, err := parseAmount(sc.Accounts[name])
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", name, err)
		}
		if err := sim.ledger.Credit(crypto.NamedAccount(name), amount); err != nil {
			return nil, fmt.Errorf("account %s: %w", name, err)
		}
	}
	cost, err := parseAmount(sc.ArbitrationCost)
	if err != nil {
		return nil, fmt.Errorf("arbitration cost: %w", err)
	}
	sim.arb, err = arbitrator.New(crypto.NamedAccount(ownerName), cost,
		arbitrator.WithSender(sim.ledger),
		arbitrator.WithClock(sim.clock.Now),
		arbitrator.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	sim.registry, err = escrow.NewRegistry(escrow.RegistryConfig{
		Store:                       escrow.NewStore(db),
		Funds:                       sim.ledger,
		Arbitrator:                  sim.arb,
		Emitter:                     sim.recorder,
		Logger:                      logger,
		Clock:                       sim.clock.Now,
		ReclamationPeriod:           sc.ReclamationPeriod.Duration,
		ArbitrationFeeDepositPeriod: sc.ArbitrationFeeDepositPeriod.Duration,
	})
	if err != nil {
		return nil, err
	}
	for _, setup := range sc.Escrows {
		value, err := parseAmount(setup.Value)
		if err != nil {
			return nil, fmt.Errorf("escrow %s: %w", setup.Name, err)
		}
		created, err := sim.registry.Create(escrow.CreateRequest{
			Payer:           crypto.NamedAccount(setup.Payer),
			Payee:           crypto.NamedAccount(setup.Payee),
			Value:           value,
			MetaEvidenceURI: setup.URI,
		})
		if err != nil {
			return nil, fmt.Errorf("escrow %s: %w", setup.Name, err)
		}
		sim.escrows[setup.Name] = created.ID
	}
	return sim, nil
}

func (s *simulation) apply(step Step) error {
	id := s.escrows[step.Escrow]
	caller := crypto.NamedAccount(step.Caller)
	payment, err := parseAmount(step.Payment)
	if err != nil {
		return err
	}
	switch step.Action {
	case "release":
		return s.registry.Release(id, caller)
	case "reclaim":
		return s.registry.Reclaim(id, caller, payment)
	case "depositFee":
		return s.registry.DepositArbitrationFee(id, caller, payment)
	case "evidence":
		return s.registry.SubmitEvidence(id, caller, step.URI)
	case "ruling":
		snapshot, err := s.registry.Get(id)
		if err != nil {
			return err
		}
		if !snapshot.HasDispute {
			return fmt.Errorf("%w: no dispute raised", escrow.ErrInvalidState)
		}
		if step.Caller == "" {
			caller = crypto.NamedAccount(ownerName)
		}
		return s.arb.GiveRuling(caller, snapshot.DisputeID, arbitration.Ruling(step.Ruling))
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}

func (s *simulation) check(result *Result) {
	for _, name := range sortedKeys(s.scenario.Expect.Status) {
		want := s.scenario.Expect.Status[name]
		id, ok := s.escrows[name]
		if !ok {
			result.failf("status: unknown escrow %q", name)
			continue
		}
		snapshot, err := s.registry.Get(id)
		if err != nil {
			result.failf("status %s: %v", name, err)
			continue
		}
		if got := snapshot.Status.String(); got != want {
			result.failf("status %s: expected %s, got %s", name, want, got)
		}
	}
	for _, name := range sortedKeys(s.scenario.Expect.Balances) {
		want, err := parseAmount(s.scenario.Expect.Balances[name])
		if err != nil {
			result.failf("balance %s: %v", name, err)
			continue
		}
		got, err := s.ledger.Balance(crypto.NamedAccount(name))
		if err != nil {
			result.failf("balance %s: %v", name, err)
			continue
		}
		if got.Cmp(want) != 0 {
			result.failf("balance %s: expected %s, got %s", name, want, got)
		}
	}
}

// stepReason labels arbitrator rejections the same way escrow.Reason labels
// escrow ones.
func stepReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, arbitrator.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, arbitrator.ErrAlreadyRuled):
		return "already_ruled"
	case errors.Is(err, arbitrator.ErrInvalidRuling):
		return "invalid_ruling"
	case errors.Is(err, arbitrator.ErrUnknownDispute):
		return "not_found"
	}
	return escrow.Reason(err)
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
