package model

import "fmt"

// ExchangeKind identifies one upstream venue. Spot and perpetual-futures
// variants of the same operator are distinct kinds.
type ExchangeKind int

const (
	UpbitSpot ExchangeKind = iota
	BithumbSpot
	BinanceSpot
	BinanceFutures
	OKXSpot
	OKXFutures
)

// Kinds lists every supported exchange kind in stable order.
var Kinds = []ExchangeKind{UpbitSpot, BithumbSpot, BinanceSpot, BinanceFutures, OKXSpot, OKXFutures}

// Currency is the quote currency of an exchange kind.
type Currency string

const (
	KRW  Currency = "KRW"
	USDT Currency = "USDT"
)

func (k ExchangeKind) String() string {
	switch k {
	case UpbitSpot:
		return "UPBIT_SPOT"
	case BithumbSpot:
		return "BITHUMB_SPOT"
	case BinanceSpot:
		return "BINANCE_SPOT"
	case BinanceFutures:
		return "BINANCE_FUTURES"
	case OKXSpot:
		return "OKX_SPOT"
	case OKXFutures:
		return "OKX_FUTURES"
	}
	return fmt.Sprintf("EXCHANGE(%d)", int(k))
}

// Currency returns the quote currency prices arrive in for this kind.
// Callers never guess: KRW venues quote KRW, global venues quote USDT.
func (k ExchangeKind) Currency() Currency {
	switch k {
	case UpbitSpot, BithumbSpot:
		return KRW
	}
	return USDT
}

// IsKorean reports whether the venue is one of the KRW exchanges, which
// share the serialized REST scheduler family.
func (k ExchangeKind) IsKorean() bool {
	return k.Currency() == KRW
}

// ParseExchangeKind resolves the wire name back to a kind.
func ParseExchangeKind(s string) (ExchangeKind, error) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown exchange kind %q", s)
}

// Key returns the canonical "EXKIND:SYM" key used in caches, rankings and
// wire messages. Symbols are base asset codes only ("BTC"), never suffixed.
func Key(exchange ExchangeKind, symbol string) string {
	return exchange.String() + ":" + symbol
}
