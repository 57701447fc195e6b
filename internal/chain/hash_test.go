package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type link struct {
	input map[string]any
	hash  string
	prev  *string
}

func (l *link) ChainInput() map[string]any { return l.input }
func (l *link) ChainHash() string          { return l.hash }
func (l *link) ChainPrevHash() *string     { return l.prev }

func buildChain(t *testing.T, inputs ...map[string]any) []*link {
	t.Helper()
	var prev *string
	out := make([]*link, 0, len(inputs))
	for _, in := range inputs {
		h, err := ComputeEventHash(in, prev)
		require.NoError(t, err)
		out = append(out, &link{input: in, hash: h, prev: prev})
		hh := h
		prev = &hh
	}
	return out
}

func TestComputeEventHashMatchesDefinition(t *testing.T) {
	input := map[string]any{"action": "user.login"}
	prev := "abc"

	got, err := ComputeEventHash(input, &prev)
	require.NoError(t, err)

	enc, err := Canonicalize(input)
	require.NoError(t, err)
	sum := sha256.Sum256(append([]byte(prev), enc...))
	assert.Equal(t, hex.EncodeToString(sum[:]), got)
}

func TestComputeEventHashNilAndEmptyPrevAgree(t *testing.T) {
	input := map[string]any{"action": "a"}
	empty := ""

	a, err := ComputeEventHash(input, nil)
	require.NoError(t, err)
	b, err := ComputeEventHash(input, &empty)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestComputeEventHashFieldChangeAltersDigest(t *testing.T) {
	base := map[string]any{"action": "a", "payload": map[string]any{"n": 1}}
	changed := map[string]any{"action": "a", "payload": map[string]any{"n": 2}}

	a, err := ComputeEventHash(base, nil)
	require.NoError(t, err)
	b, err := ComputeEventHash(changed, nil)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestVerifyAcceptsIntactChain(t *testing.T) {
	links := buildChain(t,
		map[string]any{"action": "one"},
		map[string]any{"action": "two"},
		map[string]any{"action": "three"},
	)
	assert.NoError(t, Verify(links))
}

func TestVerifyDetectsTampering(t *testing.T) {
	links := buildChain(t,
		map[string]any{"action": "one"},
		map[string]any{"action": "two"},
		map[string]any{"action": "three"},
	)
	links[1].input = map[string]any{"action": "TWO"}

	err := Verify(links)
	require.Error(t, err)

	var brk *BreakError
	require.True(t, errors.As(err, &brk))
	assert.Equal(t, 1, brk.Index)
	assert.True(t, errors.Is(err, ErrChainBroken))
}

func TestVerifyDetectsFork(t *testing.T) {
	links := buildChain(t,
		map[string]any{"action": "one"},
		map[string]any{"action": "two"},
	)
	stale, err := ComputeEventHash(map[string]any{"action": "fork"}, nil)
	require.NoError(t, err)
	links = append(links, &link{input: map[string]any{"action": "fork"}, hash: stale, prev: nil})

	var brk *BreakError
	require.True(t, errors.As(Verify(links), &brk))
	assert.Equal(t, 2, brk.Index)
}

func TestVerifierAcrossPages(t *testing.T) {
	links := buildChain(t,
		map[string]any{"action": "one"},
		map[string]any{"action": "two"},
		map[string]any{"action": "three"},
	)

	var v Verifier
	for _, page := range [][]*link{links[:2], links[2:]} {
		for _, l := range page {
			require.NoError(t, v.Add(l))
		}
	}
	assert.Equal(t, 3, v.Len())
	assert.Equal(t, links[2].hash, v.Head())
}
