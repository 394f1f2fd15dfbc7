package throttle

import (
	"time"

	"github.com/usageguard/governor/internal/config"
	"github.com/usageguard/governor/pkg/models"
)

// integralDecay is the per-tick retention of the accumulated integral.
const integralDecay = 0.9

// Compute advances one PID step and returns the updated state.
//
// usageRatio is current usage over the soft limit, so the controller
// regulates toward cfg.Setpoint (a fraction of budget). The integral is
// clamped to ±cfg.IntegralMax before it contributes, which stops windup
// during sustained overload: once usage falls back under the setpoint
// the accumulated error drains instead of pinning the output.
//
// The returned ThrottleRate is the fraction of load to shed, clamped to
// [cfg.OutputMin, cfg.OutputMax]. 0 means shed nothing; at the setpoint
// the rate decays toward 0 over successive ticks.
func Compute(state models.PIDState, usageRatio float64, dt time.Duration, now time.Time, cfg config.ThrottleConfig) models.PIDState {
	seconds := dt.Seconds()
	if seconds <= 0 {
		// First tick, or clock skew. Take a unit step rather than
		// dividing by zero in the derivative.
		seconds = 1
	}

	err := usageRatio - cfg.Setpoint

	// Leaky integrator: the carried integral decays each tick so that
	// once the error vanishes the accumulated term drains to zero and
	// the published rate follows it, instead of plateauing at
	// ki*integral forever.
	integral := clamp(integralDecay*state.Integral+err*seconds, -cfg.IntegralMax, cfg.IntegralMax)

	derivative := (err - state.PrevError) / seconds

	output := clamp(cfg.Kp*err+cfg.Ki*integral+cfg.Kd*derivative, cfg.OutputMin, cfg.OutputMax)

	return models.PIDState{
		Scope:        state.Scope,
		Integral:     integral,
		PrevError:    err,
		LastUpdate:   now,
		ThrottleRate: output,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
