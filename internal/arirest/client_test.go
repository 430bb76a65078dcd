package arirest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandsHitExpectedEndpoints(t *testing.T) {
	type recorded struct {
		method string
		path   string
		query  map[string]string
	}
	var reqs []recorded

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "ari-user", user)
		require.Equal(t, "secret", pass)

		q := map[string]string{}
		for k := range r.URL.Query() {
			q[k] = r.URL.Query().Get(k)
		}
		reqs = append(reqs, recorded{method: r.Method, path: r.URL.Path, query: q})

		switch r.URL.Path {
		case "/ari/bridges":
			_ = json.NewEncoder(w).Encode(Bridge{ID: "bridge-1", BridgeType: "mixing"})
		case "/ari/channels/externalMedia":
			_ = json.NewEncoder(w).Encode(Channel{ID: "media-chan-1"})
		case "/ari/channels":
			_ = json.NewEncoder(w).Encode(Channel{ID: "out-chan-1", State: "Down"})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c, err := New(&Config{BaseURL: srv.URL + "/ari", Username: "ari-user", Password: "secret"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Answer(ctx, "chan-1"))

	bridge, err := c.CreateBridge(ctx)
	require.NoError(t, err)
	require.Equal(t, "bridge-1", bridge.ID)

	require.NoError(t, c.AddChannel(ctx, bridge.ID, "chan-1"))

	media, err := c.ExternalMedia(ctx, &ExternalMediaParams{
		App:          "callcore",
		ExternalHost: "127.0.0.1:20000",
		Format:       "ulaw",
	})
	require.NoError(t, err)
	require.Equal(t, "media-chan-1", media.ID)

	out, err := c.Originate(ctx, &OriginateParams{Endpoint: "PJSIP/+15550001234@trunk", App: "callcore"})
	require.NoError(t, err)
	require.Equal(t, "out-chan-1", out.ID)

	require.NoError(t, c.Hangup(ctx, "chan-1"))
	require.NoError(t, c.DestroyBridge(ctx, bridge.ID))

	require.Equal(t, "POST", reqs[0].method)
	require.Equal(t, "/ari/channels/chan-1/answer", reqs[0].path)
	require.Equal(t, "mixing", reqs[1].query["type"])
	require.Equal(t, "chan-1", reqs[2].query["channel"])
	require.Equal(t, "127.0.0.1:20000", reqs[3].query["external_host"])
	require.Equal(t, "ulaw", reqs[3].query["format"])
	require.Equal(t, "PJSIP/+15550001234@trunk", reqs[4].query["endpoint"])
	require.Equal(t, "DELETE", reqs[5].method)
	require.Equal(t, "/ari/channels/chan-1", reqs[5].path)
	require.Equal(t, "DELETE", reqs[6].method)
}

func TestAPIErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "Channel not found"})
	}))
	defer srv.Close()

	c, err := New(&Config{BaseURL: srv.URL})
	require.NoError(t, err)

	err = c.Answer(context.Background(), "missing")
	require.Error(t, err)

	apiErr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	require.Equal(t, "Channel not found", apiErr.Message)
}

func TestMissingBaseURL(t *testing.T) {
	_, err := New(&Config{})
	require.Error(t, err)
	_, err = New(nil)
	require.Error(t, err)
}
