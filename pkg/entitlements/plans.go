package entitlements

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// Scope is the resource category a plan or subscription belongs to
type Scope string

const (
	ScopeSite  Scope = "site"
	ScopePlace Scope = "place"
)

// Valid reports whether s is a known scope
func (s Scope) Valid() bool {
	return s == ScopeSite || s == ScopePlace
}

// ParseScope parses "site" or "place"
func ParseScope(s string) (Scope, error) {
	scope := Scope(strings.ToLower(strings.TrimSpace(s)))
	if !scope.Valid() {
		return "", fmt.Errorf("unknown scope %q", s)
	}
	return scope, nil
}

// Plan is implemented by SitePlan and PlacePlan.
type Plan interface {
	fmt.Stringer
	Scope() Scope
	// Rank is the tier position used for upgrade/downgrade decisions.
	Rank() int
	Limits() LimitRecord
}

// SitePlan is a site-level subscription tier
type SitePlan uint8

const (
	SitePlanFree SitePlan = iota
	// SitePlanOfficial is the legacy name of the pro tier; it keeps pro's
	// limits and rank.
	SitePlanOfficial
	SitePlanPro
	SitePlanBusiness

	sitePlanCount
)

var sitePlanNames = [...]string{
	SitePlanFree:     "free",
	SitePlanOfficial: "official",
	SitePlanPro:      "pro",
	SitePlanBusiness: "business",
}

var sitePlanRanks = [...]int{
	SitePlanFree:     0,
	SitePlanOfficial: 1,
	SitePlanPro:      1,
	SitePlanBusiness: 2,
}

// Compile-time exhaustiveness: adding a tier without extending the tables
// above breaks the build.
var (
	_ = [1]struct{}{}[len(sitePlanNames)-int(sitePlanCount)]
	_ = [1]struct{}{}[len(sitePlanRanks)-int(sitePlanCount)]
)

// SitePlans lists every site tier in declaration order
func SitePlans() []SitePlan {
	plans := make([]SitePlan, 0, sitePlanCount)
	for p := SitePlan(0); p < sitePlanCount; p++ {
		plans = append(plans, p)
	}
	return plans
}

func (p SitePlan) valid() bool { return p < sitePlanCount }

func (p SitePlan) String() string {
	if !p.valid() {
		return fmt.Sprintf("SitePlan(%d)", uint8(p))
	}
	return sitePlanNames[p]
}

func (p SitePlan) Scope() Scope { return ScopeSite }

func (p SitePlan) Rank() int {
	if !p.valid() {
		return -1
	}
	return sitePlanRanks[p]
}

func (p SitePlan) Limits() LimitRecord {
	return siteLimits[p]
}

// ParseSitePlan parses a site tier name (case-insensitive)
func ParseSitePlan(s string) (SitePlan, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for p, n := range sitePlanNames {
		if n == name {
			return SitePlan(p), nil
		}
	}
	return 0, fmt.Errorf("unknown site plan %q", s)
}

func (p SitePlan) MarshalText() ([]byte, error) {
	if !p.valid() {
		return nil, fmt.Errorf("invalid site plan %d", uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *SitePlan) UnmarshalText(text []byte) error {
	parsed, err := ParseSitePlan(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Value implements driver.Valuer
func (p SitePlan) Value() (driver.Value, error) {
	if !p.valid() {
		return nil, fmt.Errorf("invalid site plan %d", uint8(p))
	}
	return p.String(), nil
}

// Scan implements sql.Scanner
func (p *SitePlan) Scan(src interface{}) error {
	s, err := scanString(src)
	if err != nil {
		return err
	}
	return p.UnmarshalText([]byte(s))
}

// PlacePlan is a place-level subscription tier
type PlacePlan uint8

const (
	PlacePlanFree PlacePlan = iota
	PlacePlanBasic
	PlacePlanPro

	placePlanCount
)

var placePlanNames = [...]string{
	PlacePlanFree:  "free",
	PlacePlanBasic: "basic",
	PlacePlanPro:   "pro",
}

var _ = [1]struct{}{}[len(placePlanNames)-int(placePlanCount)]

// PlacePlans lists every place tier in declaration order
func PlacePlans() []PlacePlan {
	plans := make([]PlacePlan, 0, placePlanCount)
	for p := PlacePlan(0); p < placePlanCount; p++ {
		plans = append(plans, p)
	}
	return plans
}

func (p PlacePlan) valid() bool { return p < placePlanCount }

func (p PlacePlan) String() string {
	if !p.valid() {
		return fmt.Sprintf("PlacePlan(%d)", uint8(p))
	}
	return placePlanNames[p]
}

func (p PlacePlan) Scope() Scope { return ScopePlace }

// Place tiers are strictly ordered by declaration.
func (p PlacePlan) Rank() int {
	if !p.valid() {
		return -1
	}
	return int(p)
}

func (p PlacePlan) Limits() LimitRecord {
	return placeLimits[p]
}

// ParsePlacePlan parses a place tier name (case-insensitive)
func ParsePlacePlan(s string) (PlacePlan, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for p, n := range placePlanNames {
		if n == name {
			return PlacePlan(p), nil
		}
	}
	return 0, fmt.Errorf("unknown place plan %q", s)
}

func (p PlacePlan) MarshalText() ([]byte, error) {
	if !p.valid() {
		return nil, fmt.Errorf("invalid place plan %d", uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *PlacePlan) UnmarshalText(text []byte) error {
	parsed, err := ParsePlacePlan(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Value implements driver.Valuer
func (p PlacePlan) Value() (driver.Value, error) {
	if !p.valid() {
		return nil, fmt.Errorf("invalid place plan %d", uint8(p))
	}
	return p.String(), nil
}

// Scan implements sql.Scanner
func (p *PlacePlan) Scan(src interface{}) error {
	s, err := scanString(src)
	if err != nil {
		return err
	}
	return p.UnmarshalText([]byte(s))
}

// ParsePlan parses a tier name within scope
func ParsePlan(scope Scope, s string) (Plan, error) {
	switch scope {
	case ScopeSite:
		return ParseSitePlan(s)
	case ScopePlace:
		return ParsePlacePlan(s)
	default:
		return nil, fmt.Errorf("unknown scope %q", scope)
	}
}

// LowestPlan returns the bottom tier of scope, the default-deny fallback.
func LowestPlan(scope Scope) Plan {
	if scope == ScopePlace {
		return PlacePlanFree
	}
	return SitePlanFree
}

// PlansFor returns every tier of scope in declaration order
func PlansFor(scope Scope) []Plan {
	var plans []Plan
	switch scope {
	case ScopeSite:
		for _, p := range SitePlans() {
			plans = append(plans, p)
		}
	case ScopePlace:
		for _, p := range PlacePlans() {
			plans = append(plans, p)
		}
	}
	return plans
}

func scanString(src interface{}) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("cannot scan %T into plan", src)
	}
}
