package api

import (
	"github.com/shopspring/decimal"
)

// ArmRequest creates an armed position watched by a detector.
type ArmRequest struct {
	Symbol   string            `json:"symbol"`
	Side     string            `json:"side"`
	Detector string            `json:"detector"`
	Params   map[string]string `json:"params,omitempty"`
}

// SignalRequest injects a manual entry signal into an armed position. Symbol
// and side come from the position itself.
type SignalRequest struct {
	EntryPrice decimal.Decimal `json:"entry_price"`
	StopPrice  decimal.Decimal `json:"stop_price"`
}

// PanicAllResponse reports how many positions a panic sweep closed.
type PanicAllResponse struct {
	Closed int `json:"closed"`
}

// HealthResponse is the body of the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}
