package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stacks-network/chainhook/chainhooks"
	"github.com/stacks-network/chainhook/chainhooks/registry"
	"github.com/stacks-network/chainhook/chaintypes"
	"github.com/stacks-network/chainhook/indexer/forkpad"
	"github.com/stacks-network/chainhook/observer"
	"github.com/stacks-network/chainhook/storage/blockstore"
	"github.com/stacks-network/chainhook/storage/database"
)

func newTestServer(t *testing.T) (*Server, chan chainhooks.Occurrence) {
	t.Helper()

	stacksFP, err := forkpad.New(chaintypes.Stacks, 2)
	require.NoError(t, err)
	bitcoinFP, err := forkpad.New(chaintypes.Bitcoin, 2)
	require.NoError(t, err)

	d := observer.NewDispatcher()
	sink := make(chan chainhooks.Occurrence, 16)
	d.RegisterChannel("sink", sink)

	core := observer.New(observer.Config{
		StacksNetwork:  chainhooks.NetworkMainnet,
		BitcoinNetwork: chainhooks.NetworkMainnet,

		StacksRegistry:  registry.New(chaintypes.Stacks),
		BitcoinRegistry: registry.New(chaintypes.Bitcoin),

		StacksStore:  blockstore.New(database.NewMemoryDB(), chaintypes.Stacks),
		BitcoinStore: blockstore.New(database.NewMemoryDB(), chaintypes.Bitcoin),

		StacksForkPad:  stacksFP,
		BitcoinForkPad: bitcoinFP,

		Dispatcher: d,
	})
	go core.Run()
	t.Cleanup(func() {
		core.Submit(observer.Command{Kind: observer.CmdTerminate})
		<-core.Stopped()
	})

	return New(core), sink
}

func TestHandleRegisterDecodesSpecFileAndRepliesWithUUIDs(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := map[string]interface{}{
		"uuid":    "11111111-1111-1111-1111-111111111111",
		"name":    "register-test",
		"version": 1,
		"chain":   "stacks",
		"networks": map[string]interface{}{
			"mainnet": map[string]interface{}{
				"if_this":   map[string]interface{}{"scope": "txid", "txid": map[string]interface{}{"equals": "0xabc"}},
				"then_that": map[string]interface{}{"channel": map[string]interface{}{"channel": "sink"}},
			},
		},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/v1/chainhooks/stacks", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		UUIDs []string `json:"uuids"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.UUIDs, 1)
}

func TestHandleRegisterRejectsUnknownChain(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/chainhooks/ethereum", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleDeregisterRejectsMalformedUUID(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/chainhooks/stacks/not-a-uuid", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleNewMicroblocksRejectsUndecodablePayload(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/new_microblocks", "application/json", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleMempoolEventAcceptsRawPayload(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/new_mempool_tx", "application/json", bytes.NewReader([]byte(`{"txs":[]}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleAttachmentAndMinedTelemetryAreAcceptedWithoutDispatch(t *testing.T) {
	srv, sink := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for _, path := range []string{"/attachments/new", "/mined_block", "/mined_microblock", "/new_burn_block"} {
		resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader([]byte(`{}`)))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	select {
	case occ := <-sink:
		t.Fatalf("unexpected dispatch from telemetry-only endpoints: %+v", occ)
	case <-time.After(200 * time.Millisecond):
	}
}
