// Copyright 2025 Certen Protocol

package sst

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactArtifactsDisabledPassesThrough(t *testing.T) {
	state := &State{Tokens: []Token{{Text: "reach me at a@b.com"}}}
	gotState, _, _, metrics := RedactArtifacts(state, nil, nil, false, nil)
	require.Equal(t, "reach me at a@b.com", gotState.Tokens[0].Text)
	require.Equal(t, 0, metrics.Redactions)
}

func TestRedactArtifactsRedactsEmail(t *testing.T) {
	state := &State{Tokens: []Token{{Text: "contact jane@example.com now", NormText: "contact jane@example.com now"}}}
	gotState, _, _, metrics := RedactArtifacts(state, nil, nil, true, nil)
	require.NotNil(t, gotState)
	require.Contains(t, gotState.Tokens[0].Text, "[REDACTED:email:")
	require.NotContains(t, gotState.Tokens[0].Text, "jane@example.com")
	require.GreaterOrEqual(t, metrics.Redactions, 1)
}

func TestRedactArtifactsDropsDenylistedApp(t *testing.T) {
	state := &State{VisibleApps: []string{"1Password Vault"}}
	gotState, gotDelta, gotAction, metrics := RedactArtifacts(state, &Delta{}, &ActionEvent{}, true, []string{"1password"})
	require.Nil(t, gotState)
	require.Nil(t, gotDelta)
	require.Nil(t, gotAction)
	require.Equal(t, 1, metrics.Dropped)
}

func TestRedactArtifactsDoesNotDoubleRedact(t *testing.T) {
	text, count := redactText("already [REDACTED:email:abc123456789]")
	require.Equal(t, 0, count)
	require.Equal(t, "already [REDACTED:email:abc123456789]", text)
}

func TestRedactTextRedactsAPIKey(t *testing.T) {
	out, count := redactText("key is sk-abcdefghijklmnopqrstuvwx")
	require.Equal(t, 1, count)
	require.Contains(t, out, "[REDACTED:api_key:")
}
