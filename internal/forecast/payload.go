package forecast

import "time"

type rainVolume struct {
	OneHour float64 `json:"1h"`
}

type weatherPoint struct {
	Temp      float64     `json:"temp"`
	Humidity  float64     `json:"humidity"`
	Pressure  float64     `json:"pressure"`
	WindSpeed float64     `json:"wind_speed"`
	Clouds    float64     `json:"clouds"`
	Rain      *rainVolume `json:"rain,omitempty"`
}

type weatherDay struct {
	Temp struct {
		Min float64 `json:"min"`
		Max float64 `json:"max"`
	} `json:"temp"`
	Humidity  float64 `json:"humidity"`
	Pressure  float64 `json:"pressure"`
	WindSpeed float64 `json:"wind_speed"`
	Clouds    float64 `json:"clouds"`
	Rain      float64 `json:"rain"`
}

type weatherResponse struct {
	Lat     float64        `json:"lat"`
	Lon     float64        `json:"lon"`
	Current weatherPoint   `json:"current"`
	Hourly  []weatherPoint `json:"hourly"`
	Daily   []weatherDay   `json:"daily"`
}

type irradiance struct {
	ClearSky struct {
		GHI float64 `json:"ghi"`
	} `json:"clear_sky"`
	CloudySky struct {
		GHI float64 `json:"ghi"`
	} `json:"cloudy_sky"`
}

type solarResponse struct {
	Irradiance struct {
		Daily  []irradiance `json:"daily"`
		Hourly []irradiance `json:"hourly"`
	} `json:"irradiance"`
}

// flatten keeps the current hour and day. Solar hourly data is indexed by
// the hour of day; missing entries leave irradiance at zero.
func flatten(lat, lon float64, at time.Time, w *weatherResponse, s *solarResponse) *Forecast {
	f := &Forecast{Latitude: lat, Longitude: lon, FetchedAt: at}

	cur := w.Current
	if len(w.Hourly) > 0 {
		cur = w.Hourly[0]
	}
	f.Hour = Hour{
		Temp:      cur.Temp,
		Humidity:  cur.Humidity,
		Pressure:  cur.Pressure,
		WindSpeed: cur.WindSpeed,
		Clouds:    cur.Clouds,
	}
	if cur.Rain != nil {
		f.Hour.Rain = cur.Rain.OneHour
	}
	if h := at.Hour(); h < len(s.Irradiance.Hourly) {
		f.Hour.ClearSkyGHI = s.Irradiance.Hourly[h].ClearSky.GHI
		f.Hour.CloudySkyGHI = s.Irradiance.Hourly[h].CloudySky.GHI
	}

	if len(w.Daily) > 0 {
		d := w.Daily[0]
		f.Day = Day{
			TMax:      d.Temp.Max,
			TMin:      d.Temp.Min,
			Humidity:  d.Humidity,
			Pressure:  d.Pressure,
			WindSpeed: d.WindSpeed,
			Clouds:    d.Clouds,
			Rain:      d.Rain,
		}
	}
	if len(s.Irradiance.Daily) > 0 {
		f.Day.ClearSkyGHI = s.Irradiance.Daily[0].ClearSky.GHI
		f.Day.CloudySkyGHI = s.Irradiance.Daily[0].CloudySky.GHI
	}
	return f
}
