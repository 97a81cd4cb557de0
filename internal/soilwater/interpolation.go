// Package soilwater implements the soil-water model: spatial interpolation of
// probe readings, FAO-56 reference evapotranspiration, the dual crop
// coefficient water balance and sensor calibration fits.
package soilwater

import "math"

// Sample is one probe reading placed in the vertical plane through the
// emitter.
type Sample struct {
	Offset float64 // horizontal distance from the emitter (m)
	Depth  float64 // m, positive downwards
	Value  float64 // volumetric moisture (%)
}

// Grid controls the resolution of SphericalMoisture.
type Grid struct {
	Nodes        int     // nodes per axis
	AngularSteps int     // steps of the 360° revolution
	Power        float64 // inverse distance weighting exponent
	Epsilon      float64 // samples closer than this are used verbatim
}

// DefaultGrid is the resolution used by the package level helpers.
var DefaultGrid = Grid{Nodes: 50, AngularSteps: 360, Power: 2.5, Epsilon: 1e-4}

// Interpolate estimates the moisture at (x, y) from samples by inverse
// distance weighting. It returns 0 when there are no samples.
func Interpolate(x, y float64, samples []Sample) float64 {
	return DefaultGrid.Interpolate(x, y, samples)
}

// SphericalMoisture returns the mean moisture of the sphere of the given
// radius that touches the surface above the emitter.
func SphericalMoisture(radius float64, samples []Sample) float64 {
	return DefaultGrid.SphericalMoisture(radius, samples)
}

func (g Grid) Interpolate(x, y float64, samples []Sample) float64 {
	var num, den float64
	for _, s := range samples {
		d := math.Hypot(x-s.Offset, y-s.Depth)
		if d < g.Epsilon {
			return s.Value
		}
		w := 1 / math.Pow(d, g.Power)
		num += w * s.Value
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// SphericalMoisture interpolates samples over a [-R,R]×[0,2R] grid, revolves
// it about the vertical axis and averages the moisture of the cylindrical
// volume elements r·Δr·Δθ·Δy that fall inside the sphere of radius R centred
// at depth R. It returns 0 when nothing was accumulated.
func (g Grid) SphericalMoisture(radius float64, samples []Sample) float64 {
	if radius <= 0 || len(samples) == 0 || g.Nodes < 2 || g.AngularSteps < 1 {
		return 0
	}

	step := 2 * radius / float64(g.Nodes-1)
	dTheta := 2 * math.Pi / float64(g.AngularSteps)

	// IDW values do not depend on the angle; compute the plane once.
	plane := make([]float64, g.Nodes*g.Nodes)
	for i := 0; i < g.Nodes; i++ {
		x := -radius + float64(i)*step
		for j := 0; j < g.Nodes; j++ {
			y := float64(j) * step
			plane[i*g.Nodes+j] = g.Interpolate(x, y, samples)
		}
	}

	var water, volume float64
	for i := 0; i < g.Nodes; i++ {
		x := -radius + float64(i)*step
		r := math.Abs(x)
		for j := 0; j < g.Nodes; j++ {
			y := float64(j) * step
			theta := plane[i*g.Nodes+j]
			for k := 0; k < g.AngularSteps; k++ {
				phi := float64(k) * dTheta
				px, py, pz := r*math.Cos(phi), r*math.Sin(phi), y-radius
				if px*px+py*py+pz*pz > radius*radius {
					continue
				}
				dv := r * step * dTheta * step
				water += theta * dv
				volume += dv
			}
		}
	}
	if volume == 0 {
		return 0
	}
	return water / volume
}
