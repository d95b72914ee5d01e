package observer

import (
	"encoding/json"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/stacks-network/chainhook/chainhooks"
	"github.com/stacks-network/chainhook/chainhooks/evaluator"
	"github.com/stacks-network/chainhook/chaintypes"
)

func sampleMatch(inst *chainhooks.Instance) evaluator.Match {
	return evaluator.Match{
		Instance: inst,
		Apply: []chaintypes.Block{{
			ID:       chaintypes.BlockIdentifier{Index: 1, Hash: "b1"},
			ParentID: chaintypes.BlockIdentifier{Index: 0, Hash: "b0"},
			Transactions: []chaintypes.Transaction{{
				Txid: "0xtx1",
				Kind: chaintypes.KindContractDeployment,
				ABI:  json.RawMessage(`{"functions":[]}`),
				Events: []chaintypes.Event{{
					Kind:     chaintypes.EventSmartContract,
					Topic:    "print",
					HexValue: "0x0100000000000000000000000000000001",
					Value:    "u1",
				}},
			}},
		}},
	}
}

func TestBuildOccurrenceLeavesRawFieldsUntouchedByDefault(t *testing.T) {
	inst := &chainhooks.Instance{UUID: "abc"}
	occ := BuildOccurrence(sampleMatch(inst), true)

	require.Equal(t, "abc", occ.ChainhookUUID)
	require.True(t, occ.IsStreamingBlocks)
	require.Len(t, occ.Apply, 1)
	tx := occ.Apply[0].Transactions[0]
	require.Equal(t, "0x0100000000000000000000000000000001", tx.Events[0].HexValue)
	require.Nil(t, tx.ABI)
}

func TestBuildOccurrenceDecodesClarityValuesWhenRequested(t *testing.T) {
	inst := &chainhooks.Instance{UUID: "abc", DecodeClarityValues: true}
	occ := BuildOccurrence(sampleMatch(inst), false)

	tx := occ.Apply[0].Transactions[0]
	require.Equal(t, "u1", tx.Events[0].HexValue)
}

func TestBuildOccurrenceIncludesContractABIOnlyForDeploymentsWhenRequested(t *testing.T) {
	inst := &chainhooks.Instance{UUID: "abc", IncludeContractABI: true}
	occ := BuildOccurrence(sampleMatch(inst), false)

	tx := occ.Apply[0].Transactions[0]
	require.JSONEq(t, `{"functions":[]}`, string(tx.ABI))
}

func TestDispatchFileAppendWritesOneLinePerOccurrence(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "occurrences-*.jsonl")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	d := NewDispatcher()
	inst := &chainhooks.Instance{UUID: "abc", Action: chainhooks.FileAppendAction{Path: f.Name()}}

	occ := BuildOccurrence(sampleMatch(inst), true)
	req, err := d.Dispatch(inst, occ)
	require.NoError(t, err)
	require.Nil(t, req)

	req, err = d.Dispatch(inst, occ)
	require.NoError(t, err)
	require.Nil(t, req)
	require.NoError(t, d.Close())

	contents, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	require.Len(t, bytesSplitLines(contents), 2)
}

func bytesSplitLines(b []byte) []string {
	var lines []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			lines = append(lines, string(b[start:i]))
			start = i + 1
		}
	}
	return lines
}

func TestDispatchChannelDeliversOccurrence(t *testing.T) {
	d := NewDispatcher()
	ch := make(chan chainhooks.Occurrence, 1)
	d.RegisterChannel("sink", ch)

	inst := &chainhooks.Instance{UUID: "abc", Action: chainhooks.ChannelAction{Name: "sink"}}
	occ := BuildOccurrence(sampleMatch(inst), true)

	req, err := d.Dispatch(inst, occ)
	require.NoError(t, err)
	require.Nil(t, req)

	select {
	case got := <-ch:
		require.Equal(t, "abc", got.ChainhookUUID)
	default:
		t.Fatal("expected occurrence on channel")
	}
}

func TestDispatchChannelErrorsWhenUnregistered(t *testing.T) {
	d := NewDispatcher()
	inst := &chainhooks.Instance{UUID: "abc", Action: chainhooks.ChannelAction{Name: "missing"}}
	_, err := d.Dispatch(inst, chainhooks.Occurrence{})
	require.Error(t, err)
}

func TestDispatchBuildsHTTPRequestWithoutSending(t *testing.T) {
	d := NewDispatcher()
	inst := &chainhooks.Instance{UUID: "abc", Action: chainhooks.HTTPPostAction{URL: "http://example.test/hook", AuthHeader: "Bearer x"}}

	req, err := d.Dispatch(inst, chainhooks.Occurrence{ChainhookUUID: "abc"})
	require.NoError(t, err)
	require.NotNil(t, req)
	require.Equal(t, "POST", string(req.Header.Method()))
	require.Equal(t, "http://example.test/hook", req.URI().String())
	require.Equal(t, "Bearer x", string(req.Header.Peek("Authorization")))
	fasthttp.ReleaseRequest(req)
}

func TestSendHTTPRetriesOnFailureThenSucceeds(t *testing.T) {
	ln := fasthttputil.NewInmemoryListener()
	defer ln.Close()

	attempts := 0
	srv := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			attempts++
			if attempts < 2 {
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				return
			}
			ctx.SetStatusCode(fasthttp.StatusOK)
		},
	}
	go srv.Serve(ln) //nolint:errcheck

	d := NewDispatcher()
	d.httpClient.Dial = func(addr string) (net.Conn, error) { return ln.Dial() }

	req := fasthttp.AcquireRequest()
	req.Header.SetMethod("POST")
	req.SetRequestURI("http://unit-test/hook")

	err := d.SendHTTP(req)
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}
