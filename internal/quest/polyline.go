package quest

import (
	"errors"
	"math"
	"strings"
)

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

var ErrPolyline = errors.New("malformed polyline")

const polylineScale = 1e5

// EncodePolyline encodes points with the Google polyline algorithm at
// five decimal places.
func EncodePolyline(points []LatLng) string {
	var b strings.Builder
	var prevLat, prevLng int64
	for _, p := range points {
		lat := int64(math.Round(p.Lat * polylineScale))
		lng := int64(math.Round(p.Lng * polylineScale))
		writeVarint(&b, lat-prevLat)
		writeVarint(&b, lng-prevLng)
		prevLat, prevLng = lat, lng
	}
	return b.String()
}

func writeVarint(b *strings.Builder, v int64) {
	u := uint64(v) << 1
	if v < 0 {
		u = ^u
	}
	for u >= 0x20 {
		b.WriteByte(byte(0x20|(u&0x1f)) + 63)
		u >>= 5
	}
	b.WriteByte(byte(u) + 63)
}

// DecodePolyline reverses EncodePolyline. An empty string decodes to no points.
func DecodePolyline(encoded string) ([]LatLng, error) {
	var points []LatLng
	var lat, lng int64
	for i := 0; i < len(encoded); {
		dLat, n, err := readVarint(encoded[i:])
		if err != nil {
			return nil, err
		}
		i += n
		dLng, n, err := readVarint(encoded[i:])
		if err != nil {
			return nil, err
		}
		i += n

		lat += dLat
		lng += dLng
		points = append(points, LatLng{
			Lat: float64(lat) / polylineScale,
			Lng: float64(lng) / polylineScale,
		})
	}
	return points, nil
}

func readVarint(s string) (int64, int, error) {
	var result uint64
	var shift uint
	for i := 0; i < len(s); i++ {
		c := int(s[i]) - 63
		if c < 0 || c > 63 || shift > 60 {
			return 0, 0, ErrPolyline
		}
		result |= uint64(c&0x1f) << shift
		shift += 5
		if c < 0x20 {
			v := int64(result >> 1)
			if result&1 != 0 {
				v = ^v
			}
			return v, i + 1, nil
		}
	}
	return 0, 0, ErrPolyline
}
