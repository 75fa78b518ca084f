// Package store persists weather readings. Readings are append-only; the only
// delete path is DeleteBefore, used by the optional retention job.
package store

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/kjstillabower/weather-tracker-service/internal/models"
)

var (
	// ErrWrite wraps any failure to commit a batch. Nothing from the batch was stored.
	ErrWrite = errors.New("store write failed")
	// ErrRead wraps any failure to query readings. Empty results are never errors.
	ErrRead = errors.New("store read failed")
)

// Store is the reading repository used by the fetcher and the query service.
type Store interface {
	// InsertBatch stores all readings atomically: either every row lands or none does.
	InsertBatch(ctx context.Context, readings []models.Reading) error
	// Latest returns the reading with the greatest observation time for city.
	Latest(ctx context.Context, city string) (models.Reading, bool, error)
	// History returns readings for city observed at or after since, oldest first.
	History(ctx context.Context, city string, since time.Time) ([]models.Reading, error)
	// Stats aggregates readings for city observed at or after since.
	Stats(ctx context.Context, city string, since time.Time) (models.Stats, error)
	// Count returns the total number of stored readings.
	Count(ctx context.Context) (int64, error)
	// DeleteBefore removes readings observed before cutoff and returns how many were removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// RoundOne rounds v to one decimal place, half away from zero. v is first
// snapped to nine decimals so binary noise (15.049999... for 15.05) cannot
// flip a half-way value.
func RoundOne(v float64) float64 {
	snapped, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 9, 64), 64)
	if err != nil {
		snapped = v
	}
	return math.Round(snapped*10) / 10
}
