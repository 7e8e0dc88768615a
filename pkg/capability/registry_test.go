// Copyright 2025 Certen Protocol

package capability

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeExtractor struct{ id string }

func TestRegisterAndGetRoundTrip(t *testing.T) {
	reg := New()
	reg.Register("sst.text_extractor", &fakeExtractor{id: "provider-1"})

	got, ok := Get[*fakeExtractor](reg, "sst.text_extractor")
	require.True(t, ok)
	require.Equal(t, "provider-1", got.id)
}

func TestGetMissingNameReturnsNotOK(t *testing.T) {
	reg := New()
	_, ok := Get[*fakeExtractor](reg, "sst.text_extractor")
	require.False(t, ok)
}

func TestGetWrongTypeReturnsNotOK(t *testing.T) {
	reg := New()
	reg.Register("sst.text_extractor", "not-an-extractor")
	_, ok := Get[*fakeExtractor](reg, "sst.text_extractor")
	require.False(t, ok)
}

func TestMustGetPanicsWhenMissing(t *testing.T) {
	reg := New()
	require.Panics(t, func() {
		MustGet[*fakeExtractor](reg, "sst.text_extractor")
	})
}

func TestRegisterNilPanics(t *testing.T) {
	reg := New()
	require.Panics(t, func() {
		reg.Register("sst.text_extractor", nil)
	})
}

func TestGetOnNilRegistryReturnsNotOK(t *testing.T) {
	var reg *Registry
	_, ok := Get[*fakeExtractor](reg, "sst.text_extractor")
	require.False(t, ok)
}
