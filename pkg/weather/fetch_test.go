package weather

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nberg/nest-bridge/pkg/store"
)

func TestFetchMergesConditionsIntoStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/weather/45.5,-122.6", r.URL.Path)
		fmt.Fprint(w, `{"temp_c":18.5,"humidity":60,"wind_mph":10,"condition":"cloudy"}`)
	}))
	defer srv.Close()

	st := store.New()
	st.Upsert("structure.abc", store.SourceREST, "c1", 1, map[string]any{"name": "Home"})

	f := New(srv.Client(), srv.URL+"/weather/", st, "c1")
	require.NoError(t, f.Fetch(context.Background(), "structure.abc", 45.5, -122.6))

	entry := st.Get("structure.abc")
	wx, ok := entry.Value["weather"].(map[string]any)
	require.True(t, ok)
	require.InDelta(t, 16.09344, wx["wind_kph"].(float64), 0.001)
	require.Equal(t, "cloudy", wx["condition"])
}
