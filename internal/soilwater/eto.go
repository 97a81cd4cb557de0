package soilwater

import "math"

const (
	albedo          = 0.23
	stefanBoltzmann = 4.903e-9 // MJ K⁻⁴ m⁻² day⁻¹
	solarConstant   = 0.0820   // MJ m⁻² min⁻¹
)

// DailyInput holds the weather of one day.
type DailyInput struct {
	TMax      float64 // °C
	TMin      float64 // °C
	GHI       float64 // Wh/m²/day
	WindSpeed float64 // m/s at 2 m
	Humidity  float64 // %
	Latitude  float64 // degrees
	Elevation float64 // m
	Pressure  float64 // hPa
	DayOfYear int
}

// HourlyInput holds the weather of one hour.
type HourlyInput struct {
	Temp      float64 // °C
	Humidity  float64 // %
	GHI       float64 // W/m²
	WindSpeed float64 // m/s at 2 m
	Latitude  float64
	Elevation float64
	Pressure  float64 // hPa
	DayOfYear int
	Hour      int // 0-23, local solar time
}

// DailyETo returns FAO-56 Penman-Monteith reference evapotranspiration in
// mm/day. Negative results are reported as 0.
func DailyETo(in DailyInput) float64 {
	tMean := (in.TMax + in.TMin) / 2
	rs := in.GHI * 0.0036
	gamma := 0.665e-3 * in.Pressure / 10

	delta := 4098 * SaturationVaporPressure(tMean) / math.Pow(tMean+237.3, 2)
	es := SaturationVaporPressure(in.TMax)
	ea := es * in.Humidity / 100

	rso := DailyClearSkyRadiation(in.Latitude, in.Elevation, in.DayOfYear)
	ratio := 1.0
	if rso > 0 {
		ratio = math.Min(rs/rso, 1)
	}
	tMaxK, tMinK := in.TMax+273.16, in.TMin+273.16
	rnl := stefanBoltzmann * (math.Pow(tMaxK, 4) + math.Pow(tMinK, 4)) / 2 *
		(0.34 - 0.14*math.Sqrt(ea)) * (1.35*ratio - 0.35)
	rn := rs*(1-albedo) - rnl

	num := 0.408*delta*rn + gamma*(900/(tMean+273))*in.WindSpeed*VPD(in.TMax, in.Humidity)
	den := delta + gamma*(1+0.34*in.WindSpeed)
	return math.Max(0, num/den)
}

// HourlyETo returns FAO-56 Penman-Monteith reference evapotranspiration in
// mm/hour. Negative results are reported as 0.
func HourlyETo(in HourlyInput) float64 {
	rs := in.GHI * 0.0036
	gamma := 0.665e-3 * in.Pressure / 10

	es := SaturationVaporPressure(in.Temp)
	ea := es * in.Humidity / 100
	delta := 4098 * es / math.Pow(in.Temp+237.3, 2)

	rso := math.Max(HourlyClearSkyRadiation(in.Latitude, in.Elevation, in.DayOfYear, in.Hour), 0.01)
	ratio := rs / rso
	rnl := stefanBoltzmann / 24 * math.Pow(in.Temp+273.16, 4) *
		(0.34 - 0.14*math.Sqrt(ea)) * (1.35*ratio - 0.35)
	rn := rs*(1-albedo) - math.Max(rnl, 0)

	g := 0.5 * rn
	if in.GHI > 0 {
		g = 0.1 * rn
	}

	num := 0.408*delta*(rn-g) + gamma*(37/(in.Temp+273))*in.WindSpeed*VPD(in.Temp, in.Humidity)
	den := delta + gamma*(1+0.34*in.WindSpeed)
	return math.Max(0, num/den)
}

func declination(day int) float64 {
	return 0.409 * math.Sin(2*math.Pi*float64(day)/365-1.39)
}

func inverseDistance(day int) float64 {
	return 1 + 0.033*math.Cos(2*math.Pi*float64(day)/365)
}

func sunsetHourAngle(phi, delta float64) float64 {
	// Clamp covers polar day and night.
	return math.Acos(math.Max(-1, math.Min(1, -math.Tan(phi)*math.Tan(delta))))
}

// DailyClearSkyRadiation returns Rso in MJ/m²/day.
func DailyClearSkyRadiation(latitude, elevation float64, day int) float64 {
	phi := latitude * math.Pi / 180
	delta := declination(day)
	ws := sunsetHourAngle(phi, delta)
	ra := 24 * 60 / math.Pi * solarConstant * inverseDistance(day) *
		(ws*math.Sin(phi)*math.Sin(delta) + math.Cos(phi)*math.Cos(delta)*math.Sin(ws))
	return (0.75 + 2e-5*elevation) * ra
}

// HourlyClearSkyRadiation returns Rso in MJ/m²/hour for the hour starting at
// hour, integrating extraterrestrial radiation over the part of the hour the
// sun is up.
func HourlyClearSkyRadiation(latitude, elevation float64, day, hour int) float64 {
	phi := latitude * math.Pi / 180
	delta := declination(day)
	ws := sunsetHourAngle(phi, delta)

	w1 := math.Pi / 12 * (float64(hour) - 12)
	w2 := math.Pi / 12 * (float64(hour+1) - 12)
	w1 = math.Max(-ws, math.Min(ws, w1))
	w2 = math.Max(-ws, math.Min(ws, w2))
	if w2 <= w1 {
		return 0
	}
	ra := 12 * 60 / math.Pi * solarConstant * inverseDistance(day) *
		((w2-w1)*math.Sin(phi)*math.Sin(delta) + math.Cos(phi)*math.Cos(delta)*(math.Sin(w2)-math.Sin(w1)))
	return math.Max(0, (0.75+2e-5*elevation)*ra)
}
