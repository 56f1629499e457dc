package entitlements

// AnalyticsTier is the level of analytics a plan unlocks
type AnalyticsTier string

const (
	AnalyticsNone     AnalyticsTier = "none"
	AnalyticsBasic    AnalyticsTier = "basic"
	AnalyticsAdvanced AnalyticsTier = "advanced"
)

// SupportTier is the support channel a plan includes
type SupportTier string

const (
	SupportCommunity SupportTier = "community"
	SupportEmail     SupportTier = "email"
	SupportPriority  SupportTier = "priority"
)

// LimitRecord is the static entitlement set of one plan tier.
type LimitRecord struct {
	PlacesPerSite   Limit `json:"placesPerSite"`
	FeaturedSlots   Limit `json:"featuredSlots"`
	Events          Limit `json:"events"`
	ImagesPerEntity Limit `json:"imagesPerEntity"`

	CustomDomain bool `json:"customDomain"`
	MultiAdmin   bool `json:"multiAdmin"`
	// PublicRegistrationRequired means the site must keep public sign-up
	// open; only paid site tiers may close it.
	PublicRegistrationRequired bool `json:"publicRegistrationRequired"`

	Analytics AnalyticsTier `json:"analytics"`
	Support   SupportTier   `json:"support"`
}

var proSiteLimits = LimitRecord{
	PlacesPerSite:   Bounded(200),
	FeaturedSlots:   Bounded(5),
	Events:          Bounded(100),
	ImagesPerEntity: Bounded(10),
	CustomDomain:    true,
	MultiAdmin:      true,
	Analytics:       AnalyticsBasic,
	Support:         SupportEmail,
}

var siteLimits = [...]LimitRecord{
	SitePlanFree: {
		PlacesPerSite:              Bounded(25),
		FeaturedSlots:              Bounded(0),
		Events:                     Bounded(10),
		ImagesPerEntity:            Bounded(3),
		PublicRegistrationRequired: true,
		Analytics:                  AnalyticsNone,
		Support:                    SupportCommunity,
	},
	SitePlanOfficial: proSiteLimits,
	SitePlanPro:      proSiteLimits,
	SitePlanBusiness: {
		PlacesPerSite:   Unbounded(),
		FeaturedSlots:   Bounded(25),
		Events:          Unbounded(),
		ImagesPerEntity: Bounded(30),
		CustomDomain:    true,
		MultiAdmin:      true,
		Analytics:       AnalyticsAdvanced,
		Support:         SupportPriority,
	},
}

var placeLimits = [...]LimitRecord{
	PlacePlanFree: {
		FeaturedSlots:   Bounded(0),
		Events:          Bounded(0),
		ImagesPerEntity: Bounded(3),
		Analytics:       AnalyticsNone,
		Support:         SupportCommunity,
	},
	PlacePlanBasic: {
		FeaturedSlots:   Bounded(0),
		Events:          Bounded(5),
		ImagesPerEntity: Bounded(10),
		Analytics:       AnalyticsBasic,
		Support:         SupportEmail,
	},
	PlacePlanPro: {
		FeaturedSlots:   Bounded(1),
		Events:          Unbounded(),
		ImagesPerEntity: Bounded(50),
		MultiAdmin:      true,
		Analytics:       AnalyticsAdvanced,
		Support:         SupportPriority,
	},
}

var (
	_ = [1]struct{}{}[len(siteLimits)-int(sitePlanCount)]
	_ = [1]struct{}{}[len(placeLimits)-int(placePlanCount)]
)

// LimitsFor returns the static limit record of plan. Every declared tier has
// an entry; passing an undeclared tier value panics.
func LimitsFor(plan Plan) LimitRecord {
	return plan.Limits()
}
