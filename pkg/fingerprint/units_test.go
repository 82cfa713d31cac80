package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemperatureRoundTripIdempotent(t *testing.T) {
	c := 21.0
	f := CelsiusToFahrenheit(c, true)
	back := FahrenheitToCelsius(f, true)
	again := FahrenheitToCelsius(CelsiusToFahrenheit(back, true), true)
	require.Equal(t, back, again)
}

func TestScaleLinearClamps(t *testing.T) {
	require.Equal(t, 0.0, ScaleLinear(3.0, 3.6, 3.9, 0, 100))
	require.Equal(t, 100.0, ScaleLinear(4.0, 3.6, 3.9, 0, 100))
	require.InDelta(t, 50.0, ScaleLinear(3.75, 3.6, 3.9, 0, 100), 1.0)
}

func TestMphToKph(t *testing.T) {
	require.InDelta(t, 16.09344, MphToKph(10), 0.0001)
}
