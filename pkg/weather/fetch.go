// Package weather implements the per-structure weather fetch collaborator:
// a single unauthenticated GET keyed by latitude/longitude, merged into
// the raw data store under the structure's "weather" attribute.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nberg/nest-bridge/pkg/fingerprint"
	"github.com/nberg/nest-bridge/pkg/store"
)

const fetchTimeout = 10 * time.Second

type weatherResponse struct {
	TemperatureC float64 `json:"temp_c"`
	HumidityPct  float64 `json:"humidity"`
	WindMph      float64 `json:"wind_mph"`
	Condition    string  `json:"condition"`
}

// Fetcher issues the weather GET for one connection's weather URL prefix.
type Fetcher struct {
	httpClient *http.Client
	weatherURL string
	store      *store.Store
	connID     string
}

// New builds a fetcher for one connection.
func New(httpClient *http.Client, weatherURL string, st *store.Store, connID string) *Fetcher {
	return &Fetcher{httpClient: httpClient, weatherURL: weatherURL, store: st, connID: connID}
}

// Fetch fetches current conditions for structureID (a structure./STRUCTURE_
// resource id whose value carries a structure_location lat/lon) and merges
// the result into its store entry under "weather".
func (f *Fetcher) Fetch(ctx context.Context, structureID string, lat, lon float64) error {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	uri := fmt.Sprintf("%s%g,%g", f.weatherURL, lat, lon)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("weather: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("weather: status %d", resp.StatusCode)
	}

	var wx weatherResponse
	if err := json.NewDecoder(resp.Body).Decode(&wx); err != nil {
		return fmt.Errorf("weather: decode: %w", err)
	}

	f.store.Upsert(structureID, store.SourceREST, f.connID, 0, map[string]any{
		"weather": map[string]any{
			"temperature_c": wx.TemperatureC,
			"humidity_pct":  wx.HumidityPct,
			"wind_mph":      wx.WindMph,
			"wind_kph":      fingerprint.MphToKph(wx.WindMph),
			"condition":     wx.Condition,
		},
	})
	return nil
}
