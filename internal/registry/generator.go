package registry

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/roach88/mirage/internal/ir"
)

// Generator mints monotonically increasing identifiers inside one namespace.
//
// Thread-safety: Generator is safe for concurrent use.
type Generator struct {
	ns  string
	seq atomic.Int64
}

// NewGenerator creates a generator with a random namespace.
//
// The namespace is the random tail of a UUIDv7, so two contexts created in
// the same millisecond still get distinct namespaces.
func NewGenerator() *Generator {
	u := uuid.Must(uuid.NewV7()).String()
	return &Generator{ns: strings.ReplaceAll(u[24:], "-", "")}
}

// NewFixedGenerator creates a generator with a caller-chosen namespace.
// Used by tests and golden scenarios that need stable identifiers.
func NewFixedGenerator(ns string) *Generator {
	if ns == "" {
		ns = "t"
	}
	return &Generator{ns: ns}
}

// Next returns the next identifier. The first call returns "<ns>/1".
func (g *Generator) Next() ir.ID {
	n := g.seq.Add(1)
	return ir.ID(g.ns + "/" + strconv.FormatInt(n, 10))
}

// Namespace returns the generator's namespace.
func (g *Generator) Namespace() string {
	return g.ns
}

// Owns reports whether id was minted in this generator's namespace.
func (g *Generator) Owns(id ir.ID) bool {
	return strings.HasPrefix(string(id), g.ns+"/")
}
