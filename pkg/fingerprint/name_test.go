package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeNameStripsQuotesAndControl(t *testing.T) {
	require.Equal(t, "Living Room Thermostat", SanitizeName("Living  Room\t\"Thermostat\""))
}

func TestPseudoMACUsernameFormat(t *testing.T) {
	require.Equal(t, "18:B4:30:00:00:00", PseudoMACUsername(0))
	require.Regexp(t, `^18:B4:30:[0-9A-F]{2}:[0-9A-F]{2}:[0-9A-F]{2}$`, PseudoMACUsername(0xABCDEF))
}

func TestWeatherSerialDeterministic(t *testing.T) {
	a := WeatherSerial("structure.abc")
	b := WeatherSerial("structure.abc")
	require.Equal(t, a, b)
	require.True(t, len(a) == len("18B430")+6)
}
