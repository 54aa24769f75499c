package hazard

import "fmt"

// Ref identifies a protectable node: the owning arena's domain in the high
// 32 bits and the node index in the low 32 bits. The zero Ref is null.
type Ref uint64

// MakeRef packs a domain and an index.
func MakeRef(domain, index uint32) Ref {
	return Ref(uint64(domain)<<32 | uint64(index))
}

func (r Ref) Domain() uint32 { return uint32(r >> 32) }

func (r Ref) Index() uint32 { return uint32(r) }

func (r Ref) IsNil() bool { return r == 0 }

func (r Ref) String() string {
	return fmt.Sprintf("%d:%d", r.Domain(), r.Index())
}

// Reclaimer physically frees a retired node once no hazard slot holds it.
type Reclaimer interface {
	Reclaim(ref Ref)
}

// ReclaimerFunc adapts a function to the Reclaimer interface.
type ReclaimerFunc func(ref Ref)

func (f ReclaimerFunc) Reclaim(ref Ref) { f(ref) }
