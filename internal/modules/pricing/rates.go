// README: Rate card: per-km tiers, geography surcharges, rental packages and fee constants.
package pricing

const (
	shortTripMaxKm = 8.0

	waitingFreeMinutes = 3
	waitingPerMinute   = 3
	rentalPerExtraMin  = 2
	minRentalHours     = 1
	maxRentalHours     = 8
	odometerDivergence = 0.20
	primaryCityZone    = ZoneDelhi
)

// TierRate is the per-km price below and above the short-trip threshold.
type TierRate struct {
	Short int64
	Long  int64
}

type RentalPackage struct {
	IncludedKm int64
	Price      int64
}

type RateCard struct {
	BaseFare         int64
	PerKm            map[VehicleClass]TierRate
	ExtraKm          map[VehicleClass]int64
	Rentals          map[VehicleClass][maxRentalHours]RentalPackage
	MunicipalEntry   int64
	AirportSurcharge int64
	CarrierSurcharge int64
	CancellationFee  int64
}

type zonePair struct{ a, b Zone }

func pairOf(a, b Zone) zonePair {
	if a > b {
		a, b = b, a
	}
	return zonePair{a, b}
}

// borderTax is the single-border tax for adjacent jurisdictions.
var borderTax = map[zonePair]map[VehicleClass]int64{
	pairOf(ZoneDelhi, ZoneHaryana):     {ClassMini: 100, ClassSedan: 100, ClassSUV: 150, ClassXL: 200},
	pairOf(ZoneDelhi, ZoneUP):          {ClassMini: 120, ClassSedan: 120, ClassSUV: 170, ClassXL: 220},
	pairOf(ZoneHaryana, ZoneUP):        {ClassMini: 130, ClassSedan: 130, ClassSUV: 180, ClassXL: 240},
	pairOf(ZoneHaryana, ZoneRajasthan): {ClassMini: 200, ClassSedan: 200, ClassSUV: 300, ClassXL: 400},
	pairOf(ZoneUP, ZoneRajasthan):      {ClassMini: 220, ClassSedan: 220, ClassSUV: 320, ClassXL: 420},
}

// transitZone names the jurisdiction crossed between two non-adjacent ones.
var transitZone = map[zonePair]Zone{
	pairOf(ZoneDelhi, ZoneRajasthan): ZoneHaryana,
}

// DefaultRateCard returns the built-in card. Larger classes cost more per km,
// and short trips cost more per km than long ones.
func DefaultRateCard() RateCard {
	return RateCard{
		BaseFare: 50,
		PerKm: map[VehicleClass]TierRate{
			ClassMini:  {Short: 18, Long: 14},
			ClassSedan: {Short: 20, Long: 16},
			ClassSUV:   {Short: 24, Long: 19},
			ClassXL:    {Short: 30, Long: 24},
		},
		ExtraKm: map[VehicleClass]int64{
			ClassMini:  14,
			ClassSedan: 16,
			ClassSUV:   19,
			ClassXL:    24,
		},
		Rentals: map[VehicleClass][maxRentalHours]RentalPackage{
			ClassMini: {
				{10, 300}, {20, 500}, {35, 700}, {40, 850},
				{50, 1050}, {60, 1250}, {70, 1450}, {80, 1600},
			},
			ClassSedan: {
				{10, 350}, {20, 600}, {35, 850}, {40, 1000},
				{50, 1250}, {60, 1450}, {70, 1700}, {80, 1900},
			},
			ClassSUV: {
				{10, 450}, {20, 750}, {35, 1050}, {40, 1250},
				{50, 1550}, {60, 1800}, {70, 2100}, {80, 2350},
			},
			ClassXL: {
				{10, 550}, {20, 900}, {35, 1300}, {40, 1500},
				{50, 1900}, {60, 2200}, {70, 2550}, {80, 2850},
			},
		},
		MunicipalEntry:   100,
		AirportSurcharge: 150,
		CarrierSurcharge: 150,
		CancellationFee:  50,
	}
}

// interstateTax sums the border taxes crossed between two zones. Unknown
// zones and unlisted pairs contribute nothing.
func interstateTax(from, to Zone, class VehicleClass) int64 {
	if from == ZoneUnknown || to == ZoneUnknown || from == to {
		return 0
	}
	if t, ok := borderTax[pairOf(from, to)]; ok {
		return t[class]
	}
	via, ok := transitZone[pairOf(from, to)]
	if !ok {
		return 0
	}
	return borderTax[pairOf(from, via)][class] + borderTax[pairOf(via, to)][class]
}
