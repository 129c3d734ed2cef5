package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"arbescrow/core/events"
)

func TestScenarioFiles(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		path := path
		t.Run(filepath.Base(path), func(t *testing.T) {
			sc, err := LoadScenario(path)
			require.NoError(t, err)
			result, err := Run(sc, nil)
			require.NoError(t, err)
			require.Empty(t, result.Failures)
		})
	}
}

func TestDisputeScenarioEventOrder(t *testing.T) {
	sc, err := LoadScenario(filepath.Join("testdata", "dispute.yaml"))
	require.NoError(t, err)
	result, err := Run(sc, nil)
	require.NoError(t, err)

	types := make([]string, 0, len(result.Events))
	for _, rec := range result.Events {
		types = append(types, rec.Event.Type)
	}
	require.Equal(t, []string{
		events.TypeMetaEvidence,
		events.TypeDispute,
		events.TypeEvidence,
		events.TypePayout,
		events.TypeRuling,
	}, types)
}

func TestRunReportsUnexpectedOutcomes(t *testing.T) {
	sc, err := DecodeScenario(strings.NewReader(`
name: wrong expectations
arbitrationCost: "10"
accounts:
  payer: "100"
escrows:
  - name: order
    payer: payer
    payee: payee
    value: "100"
steps:
  - at: 0s
    action: release
    caller: payer
    escrow: order
    expectError: window_violation
expect:
  status:
    order: initial
  balances:
    payee: "0"
`))
	require.NoError(t, err)
	result, err := Run(sc, nil)
	require.NoError(t, err)
	require.False(t, result.Passed())
	require.Len(t, result.Failures, 3)
	require.Contains(t, result.Failures[0], "expected window_violation")
	require.Contains(t, result.Failures[1], "expected initial, got resolved")
	require.Contains(t, result.Failures[2], "expected 0, got 100")
}

func TestDecodeScenarioValidation(t *testing.T) {
	cases := map[string]string{
		"unknown field": "name: x\nbogus: 1\n",
		"missing name":  "arbitrationCost: \"1\"\n",
		"bad duration":  "name: x\nreclamationPeriod: soon\n",
		"unknown escrow": `
name: x
steps:
  - at: 1s
    action: release
    escrow: ghost
`,
		"time goes backwards": `
name: x
escrows:
  - name: a
steps:
  - at: 2s
    action: release
    escrow: a
  - at: 1s
    action: release
    escrow: a
`,
	}
	for name, doc := range cases {
		doc := doc
		t.Run(name, func(t *testing.T) {
			_, err := DecodeScenario(strings.NewReader(doc))
			require.Error(t, err)
		})
	}
}

func TestRunCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-events", filepath.Join("testdata", "release.yaml")}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), `"type":"escrow.payout"`)
	require.Contains(t, stdout.String(), "PASS payee releases after the reclamation window")

	stdout.Reset()
	require.Equal(t, 2, run(nil, &stdout, &stderr))
	require.Equal(t, 1, run([]string{filepath.Join("testdata", "missing.yaml")}, &stdout, &stderr))
}
