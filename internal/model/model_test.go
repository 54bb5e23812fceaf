package model

import (
	"encoding/json"
	"testing"
)

func TestKeyRoundTrip(t *testing.T) {
	for _, k := range Kinds {
		if got, err := ParseExchangeKind(k.String()); err != nil || got != k {
			t.Errorf("ParseExchangeKind(%s) = %v, %v", k, got, err)
		}
	}
	if _, err := ParseExchangeKind("NASDAQ"); err == nil {
		t.Error("unknown kind accepted")
	}
	if Key(UpbitSpot, "BTC") != "UPBIT_SPOT:BTC" {
		t.Errorf("Key: %s", Key(UpbitSpot, "BTC"))
	}
}

func TestCurrency(t *testing.T) {
	for _, k := range []ExchangeKind{UpbitSpot, BithumbSpot} {
		if k.Currency() != KRW || !k.IsKorean() {
			t.Errorf("%s must be a KRW venue", k)
		}
	}
	for _, k := range []ExchangeKind{BinanceSpot, BinanceFutures, OKXSpot, OKXFutures} {
		if k.Currency() != USDT || k.IsKorean() {
			t.Errorf("%s must be a USDT venue", k)
		}
	}
}

func TestTimeframeBuckets(t *testing.T) {
	if got := TF5.BucketStart(1_699_999_999_999); got != 1_699_999_800_000 {
		t.Errorf("BucketStart: %d", got)
	}
	if got := TF5.BucketStart(1_699_999_800_000); got != 1_699_999_800_000 {
		t.Errorf("aligned BucketStart: %d", got)
	}
	if got := TF5.LatestCompletedBarStart(1_699_999_800_000); got != 1_699_999_500_000 {
		t.Errorf("LatestCompletedBarStart: %d", got)
	}
}

func TestTimeframeSets(t *testing.T) {
	if !TF10.Valid() {
		t.Error("TF10 must be selectable")
	}
	if TF10.MomentumEnabled() {
		t.Error("TF10 momentum must be off")
	}
	if Timeframe(7).Valid() {
		t.Error("7m accepted")
	}
	for _, tf := range MomentumTimeframes {
		if !tf.Valid() {
			t.Errorf("momentum tf %v not selectable", tf)
		}
	}
}

func TestMomentumWire(t *testing.T) {
	if got := string(Computed(42, 58).WireUp()); got != "42" {
		t.Errorf("computed wire: %s", got)
	}
	if got := string((Momentum{State: MomentumInsufficient}).WireUp()); got != "null" {
		t.Errorf("insufficient wire: %s", got)
	}
	if got := string((Momentum{}).WireDown()); got != `"CALC"` {
		t.Errorf("not-attempted wire: %s", got)
	}
}

func TestMomentumJSONRoundTrip(t *testing.T) {
	b, err := json.Marshal(Computed(10, 90))
	if err != nil {
		t.Fatal(err)
	}
	var m Momentum
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m != Computed(10, 90) {
		t.Fatalf("round trip: %+v", m)
	}

	// non-numeric states persist as nulls and load as Insufficient
	b, _ = json.Marshal(Momentum{})
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m.State != MomentumInsufficient {
		t.Fatalf("null load: %+v", m)
	}
}

func TestCandleValid(t *testing.T) {
	good := Candle{TS: 60_000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 1}
	if !good.Valid(TF1) {
		t.Error("valid candle rejected")
	}
	if (Candle{TS: 90_000, Open: 1, High: 2, Low: 0.5, Close: 1.5}).Valid(TF1) {
		t.Error("misaligned timestamp accepted")
	}
	if (Candle{TS: 60_000, Open: 1, High: 0.4, Low: 0.5, Close: 1.5}).Valid(TF1) {
		t.Error("high below low accepted")
	}
	if (Candle{TS: 60_000, Open: 3, High: 2, Low: 0.5, Close: 1.5}).Valid(TF1) {
		t.Error("open above high accepted")
	}
}
