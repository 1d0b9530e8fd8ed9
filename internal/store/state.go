package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/internal/domain"
	"quantdesk/internal/ledger"
)

// StateVersion is the schema version written by this build. Unversioned
// state (version 0) predates the field and decodes as version 1.
const StateVersion = 1

// InvestmentState is the persisted form of one live investment: the ledger
// plus the strategy identity needed to resume it.
type InvestmentState struct {
	Version   int                `json:"version"`
	Name      string             `json:"name"`
	Params    map[string]float64 `json:"params,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`

	Sizing         ledger.Sizing   `json:"sizing"`
	Precision      int32           `json:"precision"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	Capital        decimal.Decimal `json:"capital"`
	Available      decimal.Decimal `json:"available"`
	Peak           decimal.Decimal `json:"peak"`

	// CurrentPositions maps each ticker with open trades to its net
	// quantity, negative when short. It is derived from OpenTrades.
	CurrentPositions map[string]decimal.Decimal `json:"current_positions"`
	OpenTrades       []ledger.Position          `json:"open_trades"`
	TradeLog         []ledger.Position          `json:"trade_log"`
}

// NewInvestmentState captures a ledger snapshot under the strategy name and
// parameters that produced it.
func NewInvestmentState(name string, params map[string]float64, snap ledger.Snapshot, at time.Time) *InvestmentState {
	s := &InvestmentState{
		Version:          StateVersion,
		Name:             name,
		Params:           params,
		UpdatedAt:        at.UTC(),
		Sizing:           snap.Sizing,
		Precision:        snap.Precision,
		InitialCapital:   snap.InitialCapital,
		Capital:          snap.Capital,
		Available:        snap.Available,
		Peak:             snap.Peak,
		CurrentPositions: make(map[string]decimal.Decimal),
		OpenTrades:       make([]ledger.Position, 0, len(snap.Open)),
		TradeLog:         snap.Trades,
	}
	if s.TradeLog == nil {
		s.TradeLog = []ledger.Position{}
	}

	byID := make(map[string]ledger.Position, len(snap.Trades))
	for _, p := range snap.Trades {
		byID[p.ID] = p
	}
	for _, id := range snap.Open {
		p := byID[id]
		s.OpenTrades = append(s.OpenTrades, p)
		qty := p.Quantity
		if p.Side == domain.SideShort {
			qty = qty.Neg()
		}
		s.CurrentPositions[p.Ticker] = s.CurrentPositions[p.Ticker].Add(qty)
	}
	return s
}

// Snapshot converts the state back into a ledger snapshot. The open set is
// taken from OpenTrades; ledger.Restore checks it against the trade log.
func (s *InvestmentState) Snapshot() ledger.Snapshot {
	snap := ledger.Snapshot{
		Sizing:         s.Sizing,
		Precision:      s.Precision,
		InitialCapital: s.InitialCapital,
		Capital:        s.Capital,
		Available:      s.Available,
		Peak:           s.Peak,
		Open:           make([]string, 0, len(s.OpenTrades)),
		Trades:         make([]ledger.Position, len(s.TradeLog)),
	}
	for _, p := range s.OpenTrades {
		snap.Open = append(snap.Open, p.ID)
	}
	copy(snap.Trades, s.TradeLog)
	return snap
}

// EncodeState serializes a state as JSON, stamping the current version.
func EncodeState(s *InvestmentState) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("encoding state: nil state")
	}
	out := *s
	out.Version = StateVersion
	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	return data, nil
}

// DecodeState parses state written by EncodeState. The version is checked
// before the body so that newer layouts fail with ErrUnsupportedVersion
// rather than a field error.
func DecodeState(data []byte) (*InvestmentState, error) {
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decoding state: %w: %w", ErrCorrupt, err)
	}
	if head.Version > StateVersion || head.Version < 0 {
		return nil, fmt.Errorf("version %d: %w", head.Version, ErrUnsupportedVersion)
	}

	var s InvestmentState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding state: %w: %w", ErrCorrupt, err)
	}
	if s.Version == 0 {
		s.Version = 1
	}
	return &s, nil
}
