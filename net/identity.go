package net

import (
	"fmt"

	"github.com/google/uuid"
)

// CurrentIdentification is the identity a process presents at login. ID is
// a time ordered random UUID created once per process.
type CurrentIdentification struct {
	ID GlobalID
	// StaticIdentification names the application; peers must match it.
	StaticIdentification string
	// Version must match too.
	Version string
}

// NewCurrentIdentification returns an identity with a new UUIDv7 as ID.
func NewCurrentIdentification(staticIdentification, version string) (*CurrentIdentification, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return &CurrentIdentification{
		ID:                   GlobalID(u),
		StaticIdentification: staticIdentification,
		Version:              version,
	}, nil
}

// Matches compares the application name and version; the ID is ignored.
func (ci *CurrentIdentification) Matches(other *CurrentIdentification) bool {
	return other != nil &&
		ci.StaticIdentification == other.StaticIdentification &&
		ci.Version == other.Version
}

// Save encodes 16 id | int32 len | app | int32 len | version.
func (ci *CurrentIdentification) Save() ([]byte, error) {
	b := make([]byte, 0, GlobalIDSize+8+len(ci.StaticIdentification)+len(ci.Version))
	b = append(b, ci.ID[:]...)
	b = appendString(b, ci.StaticIdentification)
	b = appendString(b, ci.Version)
	return b, nil
}

// Load decodes the output of Save into ci.
func (ci *CurrentIdentification) Load(b []byte) error {
	r := reader{buf: b}
	id := r.fixed(GlobalIDSize)
	app := r.str()
	version := r.str()
	if r.err != nil {
		return r.err
	}
	copy(ci.ID[:], id)
	ci.StaticIdentification = app
	ci.Version = version
	return nil
}
