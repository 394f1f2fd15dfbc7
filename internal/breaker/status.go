package breaker

import "github.com/usageguard/governor/pkg/models"

// DetermineStatus derives the admission tier from accounted usage.
// Pure function:
//
//	usage >= softLimit*hardMultiplier  => OPEN   (hard ceiling, block)
//	softLimit <= usage < hard          => WARNING (let in-flight work finish)
//	usage < softLimit                  => CLOSED
//
// A non-positive soft limit means the budget is unenforced and always
// reads CLOSED.
func DetermineStatus(usage, softLimit, hardMultiplier float64) models.BreakerStatus {
	if softLimit <= 0 {
		return models.StatusClosed
	}
	if hardMultiplier <= 0 {
		hardMultiplier = models.DefaultHardMultiplier
	}
	hardLimit := softLimit * hardMultiplier

	switch {
	case usage >= hardLimit:
		return models.StatusOpen
	case usage >= softLimit:
		return models.StatusWarning
	default:
		return models.StatusClosed
	}
}
