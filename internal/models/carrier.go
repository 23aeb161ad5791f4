package models

import "strings"

type Carrier string

const (
	CarrierJT         Carrier = "J&T"
	CarrierJadlog     Carrier = "JADLOG"
	CarrierDialogo    Carrier = "DIALOGO"
	CarrierCorreios   Carrier = "CORREIOS"
	CarrierCorreiosPA Carrier = "CORREIOS PA"
	CarrierLogan      Carrier = "LOGAN"
	CarrierFavelaLog  Carrier = "FAVELA LOG"
	CarrierSACService Carrier = "SAC SERVICE"
	CarrierDissudes   Carrier = "DISSUDES"

	// CarrierOther collects unmapped labels under UnmappedBucket.
	CarrierOther Carrier = "OUTRAS"
)

// LegacyUnassignedCarrier is the placeholder older clients store instead of NULL.
const LegacyUnassignedCarrier = "Não definida"

var KnownCarriers = []Carrier{
	CarrierJT,
	CarrierJadlog,
	CarrierDialogo,
	CarrierCorreios,
	CarrierCorreiosPA,
	CarrierLogan,
	CarrierFavelaLog,
	CarrierSACService,
	CarrierDissudes,
}

// ParseCarrier matches a trimmed label against the fixed carrier set. Matching is exact.
func ParseCarrier(label string) (Carrier, bool) {
	label = strings.TrimSpace(label)
	for _, c := range KnownCarriers {
		if string(c) == label {
			return c, true
		}
	}
	return "", false
}

func IsUnassignedCarrier(label *string) bool {
	if label == nil {
		return true
	}
	l := strings.TrimSpace(*label)
	return l == "" || l == LegacyUnassignedCarrier
}

// UnmappedCarrierPolicy decides what happens to labels outside KnownCarriers.
type UnmappedCarrierPolicy string

const (
	UnmappedDrop   UnmappedCarrierPolicy = "drop"
	UnmappedBucket UnmappedCarrierPolicy = "bucket"
)

func ParseUnmappedCarrierPolicy(s string) (UnmappedCarrierPolicy, bool) {
	switch p := UnmappedCarrierPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return UnmappedDrop, true
	case UnmappedDrop, UnmappedBucket:
		return p, true
	default:
		return "", false
	}
}

// Resolve maps a stored carrier label to the dashboard key it counts under.
// Empty and placeholder labels never count.
func (p UnmappedCarrierPolicy) Resolve(label string) (Carrier, bool) {
	label = strings.TrimSpace(label)
	if label == "" || label == LegacyUnassignedCarrier {
		return "", false
	}
	if c, ok := ParseCarrier(label); ok {
		return c, true
	}
	if p == UnmappedBucket {
		return CarrierOther, true
	}
	return "", false
}
