package main

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPassphraseFromEnvironment(t *testing.T) {
	t.Setenv("ESCROWD_TEST_PASS", "correct horse")
	src := newPassphraseSource("ESCROWD_TEST_PASS")

	got, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "correct horse", got)

	t.Setenv("ESCROWD_TEST_PASS", "changed")
	got, err = src.Get()
	require.NoError(t, err)
	require.Equal(t, "correct horse", got, "value is cached after first resolution")
}

func TestPassphraseRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("ESCROWD_TEST_PASS", "   ")
	_, err := newPassphraseSource("ESCROWD_TEST_PASS").Get()
	require.ErrorContains(t, err, "set but empty")
}

func TestPassphraseRequiresTerminal(t *testing.T) {
	src := &passphraseSource{envVar: "ESCROWD_TEST_UNSET_PASS", prompt: io.Discard, fd: -1}
	_, err := src.Get()
	require.ErrorContains(t, err, "ESCROWD_TEST_UNSET_PASS")
}
