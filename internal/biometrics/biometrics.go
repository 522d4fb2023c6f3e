// Package biometrics derives distance, calorie, and active-minute figures
// from a step count and a user's biometric profile. All figures are
// arithmetic over the step count; none come from location data.
package biometrics

import "stepsyncd/internal/model"

// Population-average fallbacks used when the profile is missing a field.
const (
	// DefaultStepLengthM is the population-average step length.
	DefaultStepLengthM = 0.78
	// DefaultWeightKg is the population-average body weight.
	DefaultWeightKg = 70.0

	// stepLengthHeightFactor estimates step length from height.
	stepLengthHeightFactor = 0.414

	// caloriesPerKgPer1000Steps approximates walking energy cost.
	caloriesPerKgPer1000Steps = 0.57

	// cadenceStepsPerMinute is the moderate-walking cadence used to
	// estimate active minutes from a step total.
	cadenceStepsPerMinute = 100
)

// Gender is informational; it does not change the formulas.
type Gender string

const (
	GenderUnspecified Gender = ""
	GenderFemale      Gender = "female"
	GenderMale        Gender = "male"
)

// Profile is the read-only biometric input to the derived-figure
// formulas. Zero-valued fields mean "unknown" and fall back to the
// population defaults above.
type Profile struct {
	HeightCm float64
	WeightKg float64
	Age      int
	Gender   Gender
	Metric   bool
}

// Guest is the profile used for guest users. All figures derive from
// population defaults and snapshots are marked QualityBasic.
var Guest = Profile{}

// Quality reports how personalized the derived figures will be for this
// profile: High with both height and weight, Medium with one, Basic with
// neither.
func (p Profile) Quality() model.FigureQuality {
	switch {
	case p.HeightCm > 0 && p.WeightKg > 0:
		return model.QualityHigh
	case p.HeightCm > 0 || p.WeightKg > 0:
		return model.QualityMedium
	default:
		return model.QualityBasic
	}
}

// StepLengthM returns the step length in meters, from height when known.
func (p Profile) StepLengthM() float64 {
	if p.HeightCm > 0 {
		return p.HeightCm / 100 * stepLengthHeightFactor
	}
	return DefaultStepLengthM
}

// DistanceKm converts a step count to kilometers.
func (p Profile) DistanceKm(steps uint32) float64 {
	return float64(steps) * p.StepLengthM() / 1000
}

// Calories estimates kilocalories burned by the given steps.
func (p Profile) Calories(steps uint32) uint32 {
	weight := p.WeightKg
	if weight <= 0 {
		weight = DefaultWeightKg
	}
	return uint32(float64(steps) / 1000 * weight * caloriesPerKgPer1000Steps)
}

// ActiveMinutes estimates minutes of activity from a step total.
func (p Profile) ActiveMinutes(steps uint32) uint32 {
	return steps / cadenceStepsPerMinute
}

// Derive fills the derived fields of a snapshot from its step count.
func (p Profile) Derive(snap *model.StepSnapshot) {
	snap.DistanceKm = p.DistanceKm(snap.Steps)
	snap.Calories = p.Calories(snap.Steps)
	snap.ActiveMinutes = p.ActiveMinutes(snap.Steps)
	snap.Quality = p.Quality()
}
