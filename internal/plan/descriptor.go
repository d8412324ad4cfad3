package plan

import (
	"crypto/sha256"
	"encoding/hex"
)

// DomainKernel is the domain prefix for kernel identity digests.
// The version suffix enables future algorithm migration.
const DomainKernel = "kiln/kernel/v1"

// Digest is the content-addressed identity of a kernel descriptor.
type Digest [sha256.Size]byte

// String returns the full lowercase hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 12 hex characters of the digest.
// Used in log lines and plan dumps where the full digest is noise.
func (d Digest) Short() string {
	return d.String()[:12]
}

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data). The null separator prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) Digest {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// KernelDescriptor is an immutable, content-addressed kernel payload.
//
// The body is opaque to the engine; only the device toolchain interprets it.
// Identity is the digest of the body, not a structural comparison: two
// descriptors with equal digests are treated as the same kernel.
type KernelDescriptor struct {
	name   string
	body   []byte
	digest Digest
}

// NewKernelDescriptor builds a descriptor for an opaque kernel body.
// The name is informational (logs, plan dumps) and does not participate
// in identity. The body is copied so later mutation of the caller's slice
// cannot break content addressing.
func NewKernelDescriptor(name string, body []byte) *KernelDescriptor {
	bodyCopy := make([]byte, len(body))
	copy(bodyCopy, body)
	return &KernelDescriptor{
		name:   name,
		body:   bodyCopy,
		digest: hashWithDomain(DomainKernel, bodyCopy),
	}
}

// Name returns the informational kernel name.
func (k *KernelDescriptor) Name() string { return k.name }

// Digest returns the content-addressed identity of the kernel body.
func (k *KernelDescriptor) Digest() Digest { return k.digest }

// Body returns the opaque serialized kernel body.
// Callers must not modify the returned slice.
func (k *KernelDescriptor) Body() []byte { return k.body }
