package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callRecord(name string, in, out []BufferID) Record {
	return Record{
		Kind:       KindCustomCall,
		Inputs:     in,
		Outputs:    out,
		Descriptor: NewKernelDescriptor(name, []byte("body:"+name)),
	}
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "kCustomCall", KindCustomCall.String())
	assert.Equal(t, "kCommandBuffer", KindCommandBuffer.String())
	assert.Equal(t, "kDeviceCopy", KindDeviceCopy.String())
	assert.Equal(t, "kHostCallback", KindHostCallback.String())
	assert.Equal(t, "kUnknown(99)", Kind(99).String())
}

func TestKind_CaptureEligible(t *testing.T) {
	assert.True(t, KindCustomCall.CaptureEligible())
	assert.True(t, KindDeviceCopy.CaptureEligible())
	assert.False(t, KindCommandBuffer.CaptureEligible())
	assert.False(t, KindHostCallback.CaptureEligible())
}

func TestNew_NormalizesOrdinals(t *testing.T) {
	p, err := New(
		callRecord("a", nil, []BufferID{"b0"}),
		callRecord("b", []BufferID{"b0"}, []BufferID{"b1"}),
	)
	require.NoError(t, err)
	require.Equal(t, 2, p.Len())
	assert.Equal(t, 0, p.Records()[0].Ordinal)
	assert.Equal(t, 1, p.Records()[1].Ordinal)
}

func TestNew_RejectsMalformedRecords(t *testing.T) {
	tests := []struct {
		name   string
		record Record
	}{
		{"custom call without descriptor", Record{Kind: KindCustomCall}},
		{"empty command buffer", Record{Kind: KindCommandBuffer}},
		{"copy with wrong arity", Record{Kind: KindDeviceCopy, Inputs: []BufferID{"a", "b"}, Outputs: []BufferID{"c"}}},
		{"host callback without function", Record{Kind: KindHostCallback}},
		{"unknown kind", Record{Kind: Kind(42)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.record)
			assert.Error(t, err)
		})
	}
}

func TestNew_RejectsIneligibleCapture(t *testing.T) {
	host := Record{Kind: KindHostCallback, Callback: func(Buffers) error { return nil }}
	_, err := New(Record{Kind: KindCommandBuffer, Captured: []Record{host}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not capture-eligible")
}

func TestRender_CustomCallAndCopy(t *testing.T) {
	desc := NewKernelDescriptor("fill", []byte("op: fill\nvalue: 7\n"))
	p := MustNew(
		Record{Kind: KindCustomCall, Outputs: []BufferID{"b0"}, Descriptor: desc},
		Record{Kind: KindDeviceCopy, Inputs: []BufferID{"b0"}, Outputs: []BufferID{"b1"}},
	)

	want := "000: kCustomCall fill#" + desc.Digest().Short() + " () -> (b0)\n" +
		"001: kDeviceCopy (b0) -> (b1)\n"
	assert.Equal(t, want, p.Render())
}

func TestRender_CommandBufferNesting(t *testing.T) {
	inner0 := callRecord("a", nil, []BufferID{"b0"})
	inner0.Ordinal = 3
	inner1 := callRecord("b", []BufferID{"b0"}, []BufferID{"b1"})
	inner1.Ordinal = 4

	p := MustNew(Record{Kind: KindCommandBuffer, Captured: []Record{inner0, inner1}})

	rendered := p.Render()
	assert.Contains(t, rendered, "000: kCommandBuffer[2]\n")
	assert.Contains(t, rendered, "  003: kCustomCall a#")
	assert.Contains(t, rendered, "  004: kCustomCall b#")
}
