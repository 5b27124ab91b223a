// README: Geography to tax-zone resolution and airport pickup detection.
package pricing

import (
	"context"
	"regexp"
	"strings"

	"ridelink/internal/types"
)

// ZoneResolver maps a place to its tax jurisdiction. Implementations must not
// fail: an unresolvable place is ZoneUnknown.
type ZoneResolver interface {
	Resolve(ctx context.Context, p types.Place) Zone
}

// KeywordResolver resolves zones from locality names in the address text.
type KeywordResolver struct{}

// Satellite-city keywords are checked before the primary city, since NCR
// addresses often mention Delhi alongside their actual locality.
var zoneKeywords = []struct {
	zone     Zone
	keywords []string
}{
	{ZoneHaryana, []string{"gurugram", "gurgaon", "faridabad", "sonipat", "panipat", "manesar", "bahadurgarh", "haryana"}},
	{ZoneUP, []string{"noida", "ghaziabad", "meerut", "agra", "lucknow", "mathura", "uttar pradesh"}},
	{ZoneRajasthan, []string{"jaipur", "alwar", "neemrana", "ajmer", "bhiwadi", "rajasthan"}},
	{ZoneDelhi, []string{"new delhi", "delhi", "dwarka", "rohini", "saket", "connaught place", "karol bagh", "igi airport"}},
}

func (KeywordResolver) Resolve(_ context.Context, p types.Place) Zone {
	addr := strings.ToLower(p.Address)
	for _, zk := range zoneKeywords {
		for _, kw := range zk.keywords {
			if strings.Contains(addr, kw) {
				return zk.zone
			}
		}
	}
	return ZoneUnknown
}

var (
	airportName     = regexp.MustCompile(`(?i)\b(igi|indira gandhi international|delhi airport)\b`)
	airportTerminal = regexp.MustCompile(`(?i)\b(terminal|t)\s*-?\s*[123]\b`)
)

// IsAirportPickup reports whether the address names a known airport terminal.
func IsAirportPickup(address string) bool {
	return airportName.MatchString(address) && airportTerminal.MatchString(address)
}
