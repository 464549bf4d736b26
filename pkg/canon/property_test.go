//go:build property
// +build property

package canon_test

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/lemnk/sudo-agent/pkg/canon"
)

// TestCanonicalizeDeterminism verifies repeated canonicalization of the
// same value always yields byte-identical output.
func TestCanonicalizeDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("canonicalization is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]interface{})
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			a, err1 := canon.String(obj)
			b, err2 := canon.String(obj)
			if err1 != nil || err2 != nil {
				return err1 == err2
			}
			return a == b
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestCanonicalizeKeyOrderInvariance verifies that map key insertion order
// never affects the canonical output.
func TestCanonicalizeKeyOrderInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("key order does not affect canonical form", prop.ForAll(
		func(a, b, c string) bool {
			forward := map[string]interface{}{"a": a, "b": b, "c": c}
			backward := map[string]interface{}{"c": c, "b": b, "a": a}

			fwd, err1 := canon.String(forward)
			bwd, err2 := canon.String(backward)
			if err1 != nil || err2 != nil {
				return false
			}
			return fwd == bwd
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestHashStableUnderRoundTrip verifies that hashing the canonical encoding
// of a value parsed back from its own canonical form yields the same digest.
func TestHashStableUnderRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("hash is stable across a canonicalize/reparse round trip", prop.ForAll(
		func(k, v string) bool {
			if k == "" {
				return true
			}
			obj := map[string]interface{}{k: v}

			h1, err := canon.Hash(obj)
			if err != nil {
				return false
			}

			s, err := canon.String(obj)
			if err != nil {
				return false
			}

			var reparsed map[string]interface{}
			if err := json.Unmarshal([]byte(s), &reparsed); err != nil {
				return false
			}

			h2, err := canon.Hash(reparsed)
			if err != nil {
				return false
			}
			return h1 == h2
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
