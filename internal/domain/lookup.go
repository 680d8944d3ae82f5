package domain

// LookupKind identifies one of the lookup categories offered by the front end.
type LookupKind string

const (
	LookupIndiaNumber    LookupKind = "india_number"
	LookupPakistanNumber LookupKind = "pakistan_number"
	LookupAadhaar        LookupKind = "aadhaar"
	LookupVehicle        LookupKind = "vehicle"
	LookupUPI            LookupKind = "upi"
)

// premiumLookups are the categories that require an effective premium grant
// in addition to quota.
var premiumLookups = map[LookupKind]bool{
	LookupAadhaar: true,
	LookupVehicle: true,
}

// IsValid returns true for a known lookup kind.
func (k LookupKind) IsValid() bool {
	switch k {
	case LookupIndiaNumber, LookupPakistanNumber, LookupAadhaar, LookupVehicle, LookupUPI:
		return true
	}
	return false
}

// RequiresPremium returns true when the kind is premium-gated.
func (k LookupKind) RequiresPremium() bool {
	return premiumLookups[k]
}
