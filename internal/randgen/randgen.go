// Package randgen produces cryptographically strong key material for the
// pool (spec §4.1). It has no other responsibility: no pool awareness, no
// size policy beyond the 8-bit alignment the wire format requires.
package randgen

import (
	"crypto/rand"
	"fmt"

	"kme/pkg/errors"
)

// Generator produces key material from a cryptographically secure source.
type Generator struct{}

func New() *Generator {
	return &Generator{}
}

// Generate returns sizeBits/8 bytes of random material. sizeBits must be a
// positive multiple of 8.
func (g *Generator) Generate(sizeBits int) ([]byte, error) {
	if sizeBits <= 0 || sizeBits%8 != 0 {
		return nil, errors.New(errors.KindValidation, fmt.Sprintf("size_bits %d is not a positive multiple of 8", sizeBits))
	}

	buf := make([]byte, sizeBits/8)
	if _, err := rand.Read(buf); err != nil {
		return nil, errors.Wrap(errors.KindFatal, "reading from crypto/rand", err)
	}
	return buf, nil
}
