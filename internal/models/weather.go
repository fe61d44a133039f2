package models

import "time"

// WeatherRecord is the fixed subset of provider fields served to callers.
// Every field is optional; a record shaped from an incomplete payload may be empty.
type WeatherRecord struct {
	LastUpdated      *string  `json:"last_updated,omitempty"`
	LastUpdatedEpoch *int64   `json:"last_updated_epoch,omitempty"`
	TempC            *float64 `json:"temp_c,omitempty"`
	TempF            *float64 `json:"temp_f,omitempty"`
	MaxTempC         *float64 `json:"maxtemp_c,omitempty"`
	MaxTempF         *float64 `json:"maxtemp_f,omitempty"`
	MinTempC         *float64 `json:"mintemp_c,omitempty"`
	MinTempF         *float64 `json:"mintemp_f,omitempty"`
	FeelsLikeC       *float64 `json:"feelslike_c,omitempty"`
	FeelsLikeF       *float64 `json:"feelslike_f,omitempty"`
	WindChillC       *float64 `json:"windchill_c,omitempty"`
	WindChillF       *float64 `json:"windchill_f,omitempty"`
}

// IsEmpty reports whether no field is present.
func (r WeatherRecord) IsEmpty() bool {
	return r == WeatherRecord{}
}

// CacheEntry is the stored form of a cached record.
type CacheEntry struct {
	Key       string        `json:"key"`
	Value     WeatherRecord `json:"value"`
	ExpiresAt time.Time     `json:"expires_at"`
}
