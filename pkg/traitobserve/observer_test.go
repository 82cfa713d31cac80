package traitobserve

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nberg/nest-bridge/pkg/account"
	"github.com/nberg/nest-bridge/pkg/store"
)

type staticTraitTypes []string

func (s staticTraitTypes) TraitTypes(account.Kind) []string { return s }

func TestObserverReconcilesAcceptedThenConfirmed(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Write(encodeChunk(nil, []TraitState{
			{ResourceID: "DEVICE_1", TraitLabel: "configuration_done", Confirmed: false, Values: map[string]any{"deviceReady": true}},
		}))
		flusher.Flush()
		w.Write(encodeChunk(nil, []TraitState{
			{ResourceID: "DEVICE_1", TraitLabel: "configuration_done", Confirmed: true, Values: map[string]any{"deviceReady": true}},
		}))
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	conn := account.NewConnection("acct1", account.KindNative, false)
	conn.TraceHost = srv.Listener.Addr().String()

	st := store.New()
	changed := make(chan struct{}, 16)
	obs := New(conn, srv.Client(), staticTraitTypes{"nest.trait.hvac.ConfigurationDoneTrait"}, st, nil, func() { changed <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	go obs.Run(ctx)

	require.Eventually(t, func() bool {
		e := st.Get("DEVICE_1")
		return e != nil
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	entry := st.Get("DEVICE_1")
	require.NotNil(t, entry)
	cd, ok := entry.Value["configuration_done"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, cd["deviceReady"])
}
