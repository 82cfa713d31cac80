package fingerprint

import "math"

// CelsiusToFahrenheit converts a Celsius value to Fahrenheit, optionally
// rounding to the nearest 0.5 degree as the thermostat UI expects.
func CelsiusToFahrenheit(c float64, round bool) float64 {
	f := c*9.0/5.0 + 32.0
	if round {
		return math.Round(f*2) / 2
	}
	return f
}

// FahrenheitToCelsius converts a Fahrenheit value back to Celsius, with the
// same optional half-degree rounding. Applying CelsiusToFahrenheit then
// FahrenheitToCelsius to the same unit (or vice versa) is idempotent under
// repeated application once rounded.
func FahrenheitToCelsius(f float64, round bool) float64 {
	c := (f - 32.0) * 5.0 / 9.0
	if round {
		return math.Round(c*2) / 2
	}
	return c
}

// ScaleLinear maps v from [inLo, inHi] to [outLo, outHi], clamping to the
// output range. Used for battery-voltage-to-percentage and similar
// projections (thermostat battery 3.6-3.9V, sensor battery 2.0-3.0V, light
// brightness 0-100 -> 0-10).
func ScaleLinear(v, inLo, inHi, outLo, outHi float64) float64 {
	if inHi == inLo {
		return outLo
	}
	t := (v - inLo) / (inHi - inLo)
	scaled := outLo + t*(outHi-outLo)
	if outLo < outHi {
		if scaled < outLo {
			return outLo
		}
		if scaled > outHi {
			return outHi
		}
	} else {
		if scaled > outLo {
			return outLo
		}
		if scaled < outHi {
			return outHi
		}
	}
	return scaled
}

// MphToKph converts wind speed from miles per hour to kilometres per hour,
// matching the weather collaborator's reported unit.
func MphToKph(mph float64) float64 {
	return mph * 1.609344
}
