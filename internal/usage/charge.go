package usage

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Charge is an immutable record of one metering event. Records are append
// only; the rolling monthly cap counter is reconstructed from them.
type Charge struct {
	ID        string   `json:"id"`
	MeterID   string   `json:"meter_id"`
	DeviceID  string   `json:"device_id"`
	ChannelID string   `json:"channel_id"`
	Units     int64    `json:"units"`
	Charged   *big.Int `json:"charged"`
	At        int64    `json:"at"`
}

func (c *Charge) encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal charge: %w", err)
	}
	return string(raw), nil
}

func decodeCharge(raw string) (*Charge, error) {
	var c Charge
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("unmarshal charge: %w", err)
	}
	return &c, nil
}
