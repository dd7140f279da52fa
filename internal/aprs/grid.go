package aprs

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
	"github.com/tzneal/coordconv"
)

// Maidenhead field/square/subsquare character ranges, per the standard
// 6-character locator and doismellburning-samoyed's latlong.go MHPairs
// table (field A-R, square 0-9, subsquare a-x).
var maidenheadPairs = []struct {
	lonChars, latChars string
	lonUnit, latUnit   float64
}{
	{"ABCDEFGHIJKLMNOPQR", "ABCDEFGHIJKLMNOPQR", 20, 10},
	{"0123456789", "0123456789", 2, 1},
	{"abcdefghijklmnopqrstuvwx", "abcdefghijklmnopqrstuvwx", 2.0 / 24, 1.0 / 24},
}

// GridSquare encodes a lat/lon pair to a 6-character Maidenhead locator.
func GridSquare(lat, lon float64) string {
	lon += 180
	lat += 90
	var b strings.Builder
	for _, pair := range maidenheadPairs {
		lonIdx := int(lon / pair.lonUnit)
		latIdx := int(lat / pair.latUnit)
		if lonIdx >= len(pair.lonChars) {
			lonIdx = len(pair.lonChars) - 1
		}
		if latIdx >= len(pair.latChars) {
			latIdx = len(pair.latChars) - 1
		}
		b.WriteByte(pair.lonChars[lonIdx])
		b.WriteByte(pair.latChars[latIdx])
		lon -= float64(lonIdx) * pair.lonUnit
		lat -= float64(latIdx) * pair.latUnit
	}
	return b.String()
}

// GridSquareToLatLon decodes a 1-3 pair (2-6 character) Maidenhead locator to the
// center of its smallest specified square, per spec.md §4.6.
func GridSquareToLatLon(grid string) (lat, lon float64, err error) {
	if len(grid)%2 != 0 || len(grid) == 0 || len(grid) > len(maidenheadPairs)*2 {
		return 0, 0, fmt.Errorf("aprs: grid square %q must be 1-%d pairs of characters", grid, len(maidenheadPairs))
	}
	np := len(grid) / 2

	lon, lat = -180, -90
	for n := 0; n < np; n++ {
		pair := maidenheadPairs[n]
		lonCh, latCh := matchCase(grid[2*n], pair.lonChars), matchCase(grid[2*n+1], pair.latChars)
		lonIdx := strings.IndexByte(pair.lonChars, lonCh)
		latIdx := strings.IndexByte(pair.latChars, latCh)
		if lonIdx < 0 || latIdx < 0 {
			return 0, 0, fmt.Errorf("aprs: grid square %q has an invalid character in pair %d", grid, n+1)
		}
		lon += float64(lonIdx) * pair.lonUnit
		lat += float64(latIdx) * pair.latUnit
		if n == np-1 {
			lon += pair.lonUnit / 2
			lat += pair.latUnit / 2
		}
	}
	return lat, lon, nil
}

// matchCase folds c to whichever case the reference alphabet uses, so
// callers can accept a locator in either case.
func matchCase(c byte, alphabet string) byte {
	if len(alphabet) > 0 && alphabet[0] >= 'a' && alphabet[0] <= 'z' {
		if c >= 'A' && c <= 'Z' {
			return c - 'A' + 'a'
		}
		return c
	}
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}

// ToLatLng returns the canonical s2.LatLng value for a decoded
// position, used as the common in-memory lat/lng type across the
// codebase instead of bare float64 pairs.
func ToLatLng(lat, lon float64) s2.LatLng {
	return s2.LatLng{
		Lat: s1.Angle(lat * math.Pi / 180),
		Lng: s1.Angle(lon * math.Pi / 180),
	}
}

// UTM converts a decoded position to UTM, for log lines and downstream
// consumers that want projected coordinates instead of geodetic ones.
// Not part of the APRS wire format; a convenience alongside the
// mandated Maidenhead conversion.
func UTM(lat, lon float64) (coordconv.UTMCoord, error) {
	return coordconv.DefaultUTMConverter.ConvertFromGeodetic(ToLatLng(lat, lon), 0)
}
