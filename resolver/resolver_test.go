package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pkg(name, version string) Capability {
	return Capability{Namespace: "package", Name: name, Version: version}
}

func needs(name, rng string) Requirement {
	return Requirement{Namespace: "package", Name: name, Range: rng}
}

func TestResolveWiresToInstalledProvider(t *testing.T) {
	t.Parallel()
	target := Candidate{BundleID: 2, Requirements: []Requirement{needs("log", "[1.0.0,2.0.0)")}}
	provider := Candidate{BundleID: 1, Capabilities: []Capability{pkg("log", "1.4.0")}}

	res, err := New().Resolve(context.Background(), target, []Candidate{provider})
	require.NoError(t, err)
	require.Contains(t, res, target.BundleID)
	require.Contains(t, res, provider.BundleID, "unresolved provider is resolved transitively")

	wires := res[target.BundleID]
	require.Len(t, wires, 1)
	assert.Equal(t, provider.BundleID, wires[0].Provider)
	assert.Equal(t, target.BundleID, wires[0].Requirer)
}

func TestResolvePrefersResolvedThenHighestVersion(t *testing.T) {
	t.Parallel()
	target := Candidate{BundleID: 10, Requirements: []Requirement{needs("db", "1.0")}}
	older := Candidate{BundleID: 3, Capabilities: []Capability{pkg("db", "1.1.0")}, Resolved: true}
	newer := Candidate{BundleID: 4, Capabilities: []Capability{pkg("db", "1.9.0")}}

	res, err := New().Resolve(context.Background(), target, []Candidate{newer, older})
	require.NoError(t, err)
	assert.Equal(t, older.BundleID, res[target.BundleID][0].Provider)

	older.Resolved = false
	res, err = New().Resolve(context.Background(), target, []Candidate{newer, older})
	require.NoError(t, err)
	assert.Equal(t, newer.BundleID, res[target.BundleID][0].Provider)
}

func TestResolveFailsWithUnsatisfiedError(t *testing.T) {
	t.Parallel()
	target := Candidate{BundleID: 5, Requirements: []Requirement{needs("missing", "")}}

	_, err := New().Resolve(context.Background(), target, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolved))

	var unsat *UnsatisfiedError
	require.True(t, errors.As(err, &unsat))
	assert.Equal(t, "missing", unsat.Requirement.Name)
}

func TestResolveSkipsProviderWithUnresolvableDependencies(t *testing.T) {
	t.Parallel()
	target := Candidate{BundleID: 1, Requirements: []Requirement{needs("api", "")}}
	broken := Candidate{
		BundleID:     2,
		Capabilities: []Capability{pkg("api", "2.0.0")},
		Requirements: []Requirement{needs("ghost", "")},
	}
	working := Candidate{BundleID: 3, Capabilities: []Capability{pkg("api", "1.0.0")}}

	res, err := New().Resolve(context.Background(), target, []Candidate{broken, working})
	require.NoError(t, err)
	assert.Equal(t, working.BundleID, res[target.BundleID][0].Provider)
	assert.NotContains(t, res, broken.BundleID)
}

func TestResolveOptionalRequirement(t *testing.T) {
	t.Parallel()
	req := needs("metrics", "")
	req.Optional = true
	target := Candidate{BundleID: 1, Requirements: []Requirement{req}}

	res, err := New().Resolve(context.Background(), target, nil)
	require.NoError(t, err)
	assert.Empty(t, res[target.BundleID])
}

func TestResolveCycle(t *testing.T) {
	t.Parallel()
	a := Candidate{BundleID: 1, Capabilities: []Capability{pkg("a", "1.0.0")}, Requirements: []Requirement{needs("b", "")}}
	b := Candidate{BundleID: 2, Capabilities: []Capability{pkg("b", "1.0.0")}, Requirements: []Requirement{needs("a", "")}}

	res, err := New().Resolve(context.Background(), a, []Candidate{b})
	require.NoError(t, err)
	assert.Equal(t, b.BundleID, res[a.BundleID][0].Provider)
	assert.Equal(t, a.BundleID, res[b.BundleID][0].Provider)
}

func TestResolveAlreadyResolvedTarget(t *testing.T) {
	t.Parallel()
	wires := []Wire{{Requirer: 1, Provider: 0}}
	res, err := New().Resolve(context.Background(), Candidate{BundleID: 1, Resolved: true, Wires: wires}, nil)
	require.NoError(t, err)
	assert.Equal(t, wires, res[1])
}

func TestResolveRejectsDuplicateCandidates(t *testing.T) {
	t.Parallel()
	_, err := New().Resolve(context.Background(), Candidate{BundleID: 1}, []Candidate{{BundleID: 1}})
	assert.ErrorIs(t, err, ErrCandidateDuplicate)
}

func TestParseRange(t *testing.T) {
	t.Parallel()
	cases := []struct {
		spec    string
		in, out []string
	}{
		{"", []string{"0.0.1", "9.9.9"}, nil},
		{"1.2", []string{"1.2.0", "3.0.0"}, []string{"1.1.9"}},
		{"[1.0.0,2.0.0)", []string{"1.0.0", "1.9.9"}, []string{"2.0.0", "0.9.0"}},
		{"(1.0.0,2.0.0]", []string{"1.0.1", "2.0.0"}, []string{"1.0.0", "2.0.1"}},
		{"[1.0.0,)", []string{"1.0.0", "7.0.0"}, []string{"0.1.0"}},
	}
	for _, tc := range cases {
		r, err := ParseRange(tc.spec)
		require.NoError(t, err, tc.spec)
		for _, v := range tc.in {
			c, err := Canonical(v)
			require.NoError(t, err)
			assert.True(t, r.Includes(c), "%s should include %s", tc.spec, v)
		}
		for _, v := range tc.out {
			c, err := Canonical(v)
			require.NoError(t, err)
			assert.False(t, r.Includes(c), "%s should exclude %s", tc.spec, v)
		}
	}

	for _, bad := range []string{"[1.0.0", "[2.0.0,1.0.0]", "[1.0.0,1.0.0)", "[a,b]", "[1,2,3]"} {
		_, err := ParseRange(bad)
		assert.Error(t, err, bad)
	}
}

func TestCanonical(t *testing.T) {
	t.Parallel()
	v, err := Canonical("1.2")
	require.NoError(t, err)
	assert.Equal(t, "v1.2.0", v)
	v, err = Canonical("")
	require.NoError(t, err)
	assert.Equal(t, "v0.0.0", v)
	_, err = Canonical("not-a-version")
	assert.ErrorIs(t, err, ErrInvalidVersion)
}
