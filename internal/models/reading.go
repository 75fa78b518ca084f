package models

import "time"

// Reading is one persisted weather observation for a city.
type Reading struct {
	City        string    `json:"city"`
	ObservedAt  time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
	FeelsLike   float64   `json:"feels_like"`
	Humidity    int       `json:"humidity"`
	Pressure    int       `json:"pressure"`
	WindSpeed   float64   `json:"wind_speed"`
	Description string    `json:"description"`
}

// Stats holds windowed aggregates for one city. Numeric fields are nil when no
// readings matched the window.
type Stats struct {
	City           string   `json:"city"`
	AvgTemperature *float64 `json:"avg_temperature"`
	MinTemperature *float64 `json:"min_temperature"`
	MaxTemperature *float64 `json:"max_temperature"`
	AvgHumidity    *float64 `json:"avg_humidity"`
	Samples        int      `json:"-"`
}
