package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"anchored-view/internal/anchor"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type callArgs struct {
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
	// older clients send the calldata as "input"
	Input hexutil.Bytes `json:"input"`
}

// pairNode answers the subset of JSON-RPC a PairFetcher uses.
func pairNode(t *testing.T, failCalls *atomic.Bool) *httptest.Server {
	t.Helper()

	acc0, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	acc1, _ := new(big.Int).SetString("987654321098765432109876543210", 10)
	results := map[string][]byte{}
	pack := func(method string, values ...any) {
		out, err := pairABI.Methods[method].Outputs.Pack(values...)
		if err != nil {
			t.Fatalf("pack %s: %v", method, err)
		}
		results[string(pairABI.Methods[method].ID)] = out
	}
	pack("price0CumulativeLast", acc0)
	pack("price1CumulativeLast", acc1)
	pack("getReserves", big.NewInt(1e18), big.NewInt(2500e6), uint32(1_700_000_000))

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "eth_blockNumber":
			resp["result"] = "0x1234"
		case "eth_call":
			if failCalls.Load() {
				resp["error"] = map[string]any{"code": -32000, "message": "execution reverted"}
				break
			}
			var args callArgs
			if err := json.Unmarshal(req.Params[0], &args); err != nil {
				t.Errorf("decode call args: %v", err)
				return
			}
			data := args.Data
			if len(data) == 0 {
				data = args.Input
			}
			out, ok := results[string(data[:4])]
			if !ok {
				resp["error"] = map[string]any{"code": -32000, "message": "unknown selector"}
				break
			}
			var block string
			_ = json.Unmarshal(req.Params[1], &block)
			if block != "0x1234" {
				t.Errorf("call not pinned to the refreshed block: %s", block)
			}
			resp["result"] = hexutil.Encode(out)
		default:
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestPairFetcherMissingConfig(t *testing.T) {
	f := NewPairFetcher(PairOptions{}, noopLogger())
	if err := f.Refresh(context.Background(), nil); err == nil {
		t.Fatal("expected error without rpc url")
	}
}

func TestPairFetcherRefresh(t *testing.T) {
	var fail atomic.Bool
	srv := pairNode(t, &fail)
	defer srv.Close()

	market := common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc")
	f := NewPairFetcher(PairOptions{RPCURL: srv.URL, Timeout: time.Second}, noopLogger())
	defer f.Close()

	if _, err := f.Pair(market); !errors.Is(err, anchor.ErrUnknownMarket) {
		t.Fatalf("expected unknown market before refresh, got %v", err)
	}

	if err := f.Refresh(context.Background(), []common.Address{market}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	snap, ok := f.Snapshot(market)
	if !ok {
		t.Fatal("snapshot missing")
	}
	if snap.BlockNumber != 0x1234 {
		t.Fatalf("block = %d", snap.BlockNumber)
	}
	if snap.Price0Cumulative.Dec() != "123456789012345678901234567890" {
		t.Fatalf("price0 = %s", snap.Price0Cumulative.Dec())
	}
	if snap.Price1Cumulative.Dec() != "987654321098765432109876543210" {
		t.Fatalf("price1 = %s", snap.Price1Cumulative.Dec())
	}

	pair, err := f.Pair(market)
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	r0, r1, ts := pair.Reserves()
	if r0.Cmp(big.NewInt(1e18)) != 0 || r1.Cmp(big.NewInt(2500e6)) != 0 || ts != 1_700_000_000 {
		t.Fatalf("reserves = %s %s %d", r0, r1, ts)
	}

	fail.Store(true)
	if err := f.Refresh(context.Background(), []common.Address{market}); err == nil {
		t.Fatal("expected error from reverted call")
	}
	again, ok := f.Snapshot(market)
	if !ok || !bytes.Equal(again.Price0Cumulative.Bytes(), snap.Price0Cumulative.Bytes()) {
		t.Fatal("failed refresh must keep the previous snapshot")
	}
}
