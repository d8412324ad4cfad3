package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeys(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{
		"zeta":  int64(1),
		"alpha": "x",
		"mid":   true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"x","mid":true,"zeta":1}`, string(got))
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	got, err := MarshalCanonical("<a>&</a>")
	require.NoError(t, err)
	assert.Equal(t, `"<a>&</a>"`, string(got))
}

func TestMarshalCanonical_RejectsFloatsAndNull(t *testing.T) {
	_, err := MarshalCanonical(3.14)
	assert.Error(t, err)

	_, err = MarshalCanonical(nil)
	assert.Error(t, err)

	_, err = MarshalCanonical(map[string]any{"k": nil})
	assert.Error(t, err)
}

func TestMarshalCanonical_NFCNormalization(t *testing.T) {
	// "é" as combining sequence (e + U+0301) must serialize identically to
	// the precomposed form.
	composed, err := MarshalCanonical("é")
	require.NoError(t, err)
	decomposed, err := MarshalCanonical("e\u0301")
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestFingerprint_StableAndStructureSensitive(t *testing.T) {
	mk := func() Plan {
		return MustNew(
			callRecord("a", nil, []BufferID{"b0"}),
			callRecord("b", []BufferID{"b0"}, []BufferID{"b1"}),
		)
	}

	f1, err := mk().Fingerprint()
	require.NoError(t, err)
	f2, err := mk().Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, f1, f2, "identical plans must fingerprint identically")

	other, err := MustNew(
		callRecord("a", nil, []BufferID{"b0"}),
		callRecord("b", []BufferID{"b0"}, []BufferID{"b2"}),
	).Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, f1, other, "binding change must change the fingerprint")
}
