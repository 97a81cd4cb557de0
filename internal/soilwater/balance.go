package soilwater

import (
	"math"

	aerrors "github.com/mertkan-iscan/agriAssist-sub000/internal/errors"
)

// Soil water quantities are in mm. Moistures are volumetric percentages and
// depths are in metres; (θ−θwp)/100 × depth × 1000 converts them to mm.

// TEW returns total evaporable water of the evaporation layer.
func TEW(moisture, wiltingPoint, evaporationDepth float64) float64 {
	return math.Max(0, (moisture-wiltingPoint)*evaporationDepth*10)
}

// REW returns readily evaporable water.
func REW(tew, evaporationCoeff float64) float64 {
	return tew * evaporationCoeff
}

// TAW returns total available water of the root zone.
func TAW(moisture, wiltingPoint, rootZoneDepth float64) float64 {
	return (moisture - wiltingPoint) * rootZoneDepth * 10
}

// RAW returns readily available water.
func RAW(taw, allowableDepletion float64) float64 {
	return taw * allowableDepletion
}

// Kr is the evaporation reduction coefficient for depletion d.
func Kr(d, tew, rew float64) float64 {
	switch {
	case d <= rew:
		return 1
	case d >= tew:
		return 0
	}
	return (tew - d) / (tew - rew)
}

// KcMax is the upper limit of the crop coefficient after wetting. The climate
// correction applies only in dry or windy conditions and never lowers the
// limit below Kcb+0.05.
func KcMax(basalKc, humidity, windSpeed float64) float64 {
	floor := basalKc + 0.05
	kc := floor
	if humidity < 40 || windSpeed > 5 {
		kc += 0.04*(windSpeed-2) - 0.004*(humidity-45)
	}
	return math.Max(kc, floor)
}

// Ke is the soil evaporation coefficient.
func Ke(kr, kcMax, basalKc, wettedFraction float64) float64 {
	return kr * (kcMax - basalKc) * wettedFraction
}

// WettedFraction returns the wetted share of the field, clamped to [0,1].
func WettedFraction(wettedArea, totalArea float64) (float64, error) {
	if totalArea == 0 {
		return 0, aerrors.Configuration("total area cannot be zero")
	}
	return math.Min(math.Max(wettedArea/totalArea, 0), 1), nil
}

// Depletion applies one step of the evaporation layer balance. The result is
// always within [0, tew]; a non-finite tew is treated as zero.
func Depletion(prev, evaporation, rainfall, irrigation, tew float64) float64 {
	if math.IsNaN(tew) || math.IsInf(tew, 0) {
		tew = 0
	}
	tew = math.Max(0, tew)
	d := prev + evaporation - rainfall - irrigation
	if math.IsNaN(d) {
		return 0
	}
	return math.Min(math.Max(d, 0), tew)
}

// ActualEvaporation returns Ke·ETo.
func ActualEvaporation(ke, eto float64) (float64, error) {
	if ke < 0 || eto < 0 {
		return 0, aerrors.Validation("ke and eto must be non-negative, got %v and %v", ke, eto)
	}
	return ke * eto, nil
}

// ETcDual returns crop evapotranspiration with the dual coefficient.
func ETcDual(basalKc, ke, eto float64) float64 {
	return eto * (basalKc + ke)
}

// SaturationVaporPressure returns es (kPa) at t °C.
func SaturationVaporPressure(t float64) float64 {
	return 0.6108 * math.Exp(17.27*t/(t+237.3))
}

// VPD returns the vapour pressure deficit (kPa).
func VPD(t, humidity float64) float64 {
	es := SaturationVaporPressure(t)
	return es - es*humidity/100
}

// GHI blends clear and cloudy sky irradiance by cloud cover (%).
func GHI(clearSky, cloudySky float64, cloudCover float64) (float64, error) {
	if cloudCover < 0 || cloudCover > 100 {
		return 0, aerrors.Validation("cloud cover %v outside [0, 100]", cloudCover)
	}
	c := cloudCover / 100
	return (1-c)*clearSky + c*cloudySky, nil
}
