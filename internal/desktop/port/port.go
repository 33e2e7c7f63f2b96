// Package port derives the host port of an environment from its identifier.
package port

import (
	"strconv"

	pkgerrors "vdesk/pkg/errors"
)

const (
	identifierLength = 6
	minPort          = 1
	maxPort          = 65535
)

// ValidIdentifier reports whether id is exactly six ASCII digits.
func ValidIdentifier(id string) bool {
	if len(id) != identifierLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}

// Derive computes the host port for a 6-digit identifier.
//
// The first digit is (d0 + d1) mod 6, followed by the last four characters of
// the identifier verbatim. Environments sharing a host rely on this mapping
// being identical everywhere, so it must not change.
func Derive(id string) (int, error) {
	if !ValidIdentifier(id) {
		return 0, pkgerrors.New(pkgerrors.InvalidIdentifier).WithDetail("name", id)
	}
	first := (int(id[0]-'0') + int(id[1]-'0')) % 6
	value, err := strconv.Atoi(strconv.Itoa(first) + id[identifierLength-4:])
	if err != nil {
		return 0, pkgerrors.Wrapf(err, pkgerrors.PortOutOfRange, "computed port invalid")
	}
	if value < minPort || value > maxPort {
		return 0, pkgerrors.Newf(pkgerrors.PortOutOfRange, "computed port %d out of range", value)
	}
	return value, nil
}
