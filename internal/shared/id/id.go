// Package id provides centralized ID generation.
//
// Installed-app rows carry a locally generated instance identifier so the UI
// can disambiguate duplicate entries within one refresh; the identifier is
// not stable across refreshes. ULIDs are used so identifiers sort by
// creation time in logs.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// InstanceID identifies one installed-app row within a refresh.
type InstanceID string

// SessionID identifies an interactive bridge session.
type SessionID string

// Generator produces ULIDs with a pooled entropy source.
type Generator struct {
	pool sync.Pool
}

// NewGenerator creates an ID generator.
func NewGenerator() *Generator {
	return &Generator{
		pool: sync.Pool{
			New: func() interface{} {
				return ulid.Monotonic(rand.Reader, 0)
			},
		},
	}
}

// Generate returns a new ULID.
func (g *Generator) Generate() ulid.ULID {
	entropy := g.pool.Get().(io.Reader)
	defer g.pool.Put(entropy)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// GenerateString returns a new ULID as a string.
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix returns "prefix_<ulid>".
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// IsValid reports whether s parses as a ULID.
func IsValid(s string) bool {
	_, err := ulid.Parse(s)
	return err == nil
}

var defaultGen = NewGenerator()

// NewInstanceID returns a fresh instance identifier.
func NewInstanceID() InstanceID {
	return InstanceID(defaultGen.GenerateWithPrefix("inst"))
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() SessionID {
	return SessionID(defaultGen.GenerateWithPrefix("sess"))
}
