package testrun

import (
	"fmt"
	"sort"
)

// Origin identifies the CI provider a run was executed on.
type Origin string

const (
	// OriginGHA is GitHub Actions.
	OriginGHA Origin = "gha"
	// OriginAzure is Azure Pipelines.
	OriginAzure Origin = "azure"
	// OriginAppveyor is AppVeyor.
	OriginAppveyor Origin = "appveyor"
	// OriginCircleCI is CircleCI.
	OriginCircleCI Origin = "circleci"
	// OriginCirrus is Cirrus CI.
	OriginCirrus Origin = "cirrus"
	// OriginCurlAuto is the curl daily autobuild farm.
	OriginCurlAuto Origin = "curlauto"
)

// validOrigins is the closed set of supported CI providers.
var validOrigins = map[Origin]struct{}{
	OriginGHA:      {},
	OriginAzure:    {},
	OriginAppveyor: {},
	OriginCircleCI: {},
	OriginCirrus:   {},
	OriginCurlAuto: {},
}

// Valid reports whether o is a supported origin.
func (o Origin) Valid() bool {
	_, ok := validOrigins[o]

	return ok
}

// String implements fmt.Stringer.
func (o Origin) String() string {
	return string(o)
}

// ParseOrigin converts a string to an Origin, rejecting unsupported values.
func ParseOrigin(s string) (Origin, error) {
	o := Origin(s)
	if !o.Valid() {
		return "", fmt.Errorf("unknown origin %q", s)
	}

	return o, nil
}

// Origins returns all supported origins sorted by name.
func Origins() []Origin {
	out := make([]Origin, 0, len(validOrigins))
	for o := range validOrigins {
		out = append(out, o)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}
