package breaker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/usageguard/governor/pkg/models"
)

func TestDetermineStatus(t *testing.T) {
	tests := []struct {
		name       string
		usage      float64
		softLimit  float64
		multiplier float64
		want       models.BreakerStatus
	}{
		{"well under soft limit", 80, 100, 1.5, models.StatusClosed},
		{"between soft and hard", 120, 100, 1.5, models.StatusWarning},
		{"at or above hard limit", 160, 100, 1.5, models.StatusOpen},
		{"exactly at soft limit", 100, 100, 1.5, models.StatusWarning},
		{"exactly at hard limit", 150, 100, 1.5, models.StatusOpen},
		{"just under soft limit", 99.999, 100, 1.5, models.StatusClosed},
		{"zero usage", 0, 100, 1.5, models.StatusClosed},
		{"custom multiplier", 180, 100, 2.0, models.StatusWarning},
		{"multiplier defaults when zero", 160, 100, 0, models.StatusOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetermineStatus(tt.usage, tt.softLimit, tt.multiplier)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetermineStatusUnconfiguredLimit(t *testing.T) {
	// A zero or negative soft limit means no budget applies: never trip.
	assert.Equal(t, models.StatusClosed, DetermineStatus(1e12, 0, 1.5))
	assert.Equal(t, models.StatusClosed, DetermineStatus(1e12, -5, 1.5))
}
