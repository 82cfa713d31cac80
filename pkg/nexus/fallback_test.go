package nexus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripStartCodeRemovesPrefixOnlyWhenPresent(t *testing.T) {
	require.Equal(t, []byte{0x67, 0x01}, StripStartCode([]byte{0, 0, 0, 1, 0x67, 0x01}))
	require.Equal(t, []byte{0x67, 0x01}, StripStartCode([]byte{0x67, 0x01}))
}

func TestFallbackGeneratorNotDueImmediatelyAfterConstruction(t *testing.T) {
	g := NewFallbackGenerator(Frames{Offline: []byte{0x67}, Off: []byte{0x67}})
	require.False(t, g.due(), "should not be due immediately after construction")
}

func TestFallbackGeneratorResetsOnRealFrame(t *testing.T) {
	g := NewFallbackGenerator(Frames{})
	g.NoteRealVideoFrame()
	require.False(t, g.due())
}
