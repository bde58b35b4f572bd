package utils

import (
	"math"

	"github.com/mmcloughlin/geohash"
	"github.com/shopspring/decimal"
)

const earthRadiusMeters = 6371008.8

// geohash character precision for the spatial key. 9 characters is roughly a
// 5m x 5m cell, which matches the matcher radius.
const keyGeohashPrecision = 9

// CalculateDistanceInMeters returns the haversine distance rounded to 4
// decimal places so stored distances compare deterministically.
func CalculateDistanceInMeters(lat1, lon1, lat2, lon2 float64) float64 {
	latDistance := toRadians(lat2 - lat1)
	lonDistance := toRadians(lon2 - lon1)
	a := math.Sin(latDistance/2)*math.Sin(latDistance/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(lonDistance/2)*math.Sin(lonDistance/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	distance := earthRadiusMeters * c

	rounded, _ := decimal.NewFromFloat(distance).Round(4).Float64()
	return rounded
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// InfraKeyId builds the deterministic spatial+category key used to recognize
// the same physical object across runs, e.g. "SIGN-w4g05kqy7".
func InfraKeyId(category string, latitude, longitude float64) string {
	return category + "-" + geohash.EncodeWithPrecision(latitude, longitude, keyGeohashPrecision)
}
