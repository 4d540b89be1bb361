package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "test-key", "test-secret", 5*time.Second, 100, zap.NewNop())
}

func TestServerTime(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/time" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"serverTime":1700000000123}`))
	})
	got, err := client.ServerTime(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.UnixMilli() != 1700000000123 {
		t.Fatalf("unexpected server time: %v", got)
	}
}

func TestDepthParsesTopOfBook(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Fatalf("missing symbol param")
		}
		w.Write([]byte(`{"bids":[["42990.10","1.5"],["42989.00","2"]],"asks":[["43010.90","0.8"]]}`))
	})
	book, err := client.Depth(context.Background(), "BTCUSDT", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if book.BestBid != 42990.10 || book.BestAsk != 43010.90 {
		t.Fatalf("unexpected book: %+v", book)
	}
}

func TestPlaceMarketOrderSignsAndDecodes(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/fapi/v1/order" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-MBX-APIKEY") != "test-key" {
			t.Fatalf("missing api key header")
		}
		q := r.URL.Query()
		if q.Get("signature") == "" || q.Get("timestamp") == "" {
			t.Fatalf("signed request missing signature or timestamp: %s", r.URL.RawQuery)
		}
		if q.Get("type") != "MARKET" || q.Get("newOrderRespType") != "RESULT" {
			t.Fatalf("unexpected order params: %s", r.URL.RawQuery)
		}
		if q.Get("reduceOnly") != "true" {
			t.Fatalf("expected reduceOnly=true")
		}
		w.Write([]byte(`{"orderId":123456,"symbol":"BTCUSDT","status":"FILLED","avgPrice":"43001.20","executedQty":"2"}`))
	})
	order, err := client.PlaceMarketOrder(context.Background(), "BTCUSDT", SideSell, 2, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.OrderID != 123456 || order.AvgPrice != 43001.20 || order.ExecutedQty != 2 {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestSignedRequestsUseCorrectedTime(t *testing.T) {
	stamped := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("recvWindow") != "5000" {
			t.Fatalf("missing recvWindow: %s", r.URL.RawQuery)
		}
		if q.Get("timestamp") != strconv.FormatInt(stamped.UnixMilli(), 10) {
			t.Fatalf("timestamp not taken from the injected source: %s", q.Get("timestamp"))
		}
		w.Write([]byte(`[]`))
	})
	client.SetTimeSource(func() time.Time { return stamped })
	if _, err := client.Positions(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPositionsSkipsFlatEntries(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"symbol":"BTCUSDT","positionAmt":"0","entryPrice":"0","markPrice":"43000"},
			{"symbol":"ETHUSDT","positionAmt":"-3","entryPrice":"2300.5","markPrice":"2299.8"}
		]`))
	})
	positions, err := client.Positions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 nonzero position, got %d", len(positions))
	}
	if positions[0].Symbol != "ETHUSDT" || positions[0].Quantity != -3 {
		t.Fatalf("unexpected position: %+v", positions[0])
	}
}

func TestAvailableBalance(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"asset":"BNB","availableBalance":"0.5"},{"asset":"USDT","availableBalance":"1523.75"}]`))
	})
	balance, err := client.AvailableBalance(context.Background(), "USDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance != 1523.75 {
		t.Fatalf("unexpected balance: %f", balance)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1022,"msg":"Signature for this request is not valid."}`))
	})
	_, err := client.ServerTime(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsUnrecoverable(err) {
		t.Fatalf("bad signature must be unrecoverable: %v", err)
	}
	if IsRateLimited(err) {
		t.Fatalf("bad signature is not a rate limit: %v", err)
	}
}

func TestRateLimitClassification(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":-1003,"msg":"Too many requests."}`))
	})
	_, err := client.ServerTime(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsRateLimited(err) {
		t.Fatalf("expected rate limit classification: %v", err)
	}
	if IsUnrecoverable(err) {
		t.Fatalf("rate limits are recoverable: %v", err)
	}
}

func TestSignedRequiresAPIKey(t *testing.T) {
	client := New("http://localhost:0", "", "secret", time.Second, 100, zap.NewNop())
	if err := client.SetLeverage(context.Background(), "BTCUSDT", 5); err == nil {
		t.Fatalf("expected error without api key")
	}
}
