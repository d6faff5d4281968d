package device

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/machinepay/channeld/internal/ledger"
)

// Device is a credentialed usage source. It may only report usage for meters
// in its scope set, and its charges are capped per rolling month.
type Device struct {
	ID                string
	Name              string
	Credential        string // opaque hex token; never logged
	CredentialVersion int64
	Scopes            []string // meter ids
	MonthlyCap        *big.Int
	Enabled           bool
	CreatedAt         int64
}

// InScope reports whether the device may report usage for the meter.
func (d *Device) InScope(meterID string) bool {
	for _, s := range d.Scopes {
		if s == meterID {
			return true
		}
	}
	return false
}

func (d *Device) toMap() map[string]any {
	return map[string]any{
		"id":                 d.ID,
		"name":               d.Name,
		"credential":         d.Credential,
		"credential_version": d.CredentialVersion,
		"scopes":             strings.Join(d.Scopes, ","),
		"monthly_cap":        ledger.FormatAmount(d.MonthlyCap),
		"enabled":            boolField(d.Enabled),
		"created_at":         d.CreatedAt,
	}
}

func deviceFromMap(vals map[string]string) (*Device, error) {
	cap_, err := ledger.ParseAmount(vals["monthly_cap"])
	if err != nil {
		return nil, fmt.Errorf("monthly_cap: %w", err)
	}
	version, _ := strconv.ParseInt(vals["credential_version"], 10, 64)
	createdAt, _ := strconv.ParseInt(vals["created_at"], 10, 64)
	var scopes []string
	if vals["scopes"] != "" {
		scopes = strings.Split(vals["scopes"], ",")
	}
	return &Device{
		ID:                vals["id"],
		Name:              vals["name"],
		Credential:        vals["credential"],
		CredentialVersion: version,
		Scopes:            scopes,
		MonthlyCap:        cap_,
		Enabled:           vals["enabled"] == "1",
		CreatedAt:         createdAt,
	}, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
