package settlement

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/machinepay/channeld/internal/channel"
)

// Status is the collaborator's verdict on a submitted receipt.
type Status string

const (
	StatusAccepted           Status = "accepted"
	StatusInsufficientEscrow Status = "insufficient_escrow"
	StatusInvalidSignature   Status = "invalid_signature"
	StatusInvalidNonce       Status = "invalid_nonce"
	StatusUnknownChannel     Status = "unknown_channel"
)

const nonceKeyPrefix = "settle:nonce:"

// Client submits signed settlement receipts to the external settlement
// service over HTTP. It implements channel.Settler; only StatusAccepted
// counts as success, everything else keeps the channel retryable.
type Client struct {
	baseURL string
	apiKey  string
	key     *ecdsa.PrivateKey
	rdb     *redis.Client
	http    *http.Client
	log     *zap.Logger
}

func NewClient(baseURL, apiKey string, key *ecdsa.PrivateKey, rdb *redis.Client, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		key:     key,
		rdb:     rdb,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Operator returns the address receipts are signed with.
func (c *Client) Operator() common.Address {
	return crypto.PubkeyToAddress(c.key.PublicKey)
}

// nextNonce atomically increments and returns the per-peer settlement nonce.
func (c *Client) nextNonce(ctx context.Context, peer string) (*big.Int, error) {
	n, err := c.rdb.Incr(ctx, nonceKeyPrefix+strings.ToLower(peer)).Result()
	if err != nil {
		return nil, fmt.Errorf("incr settlement nonce: %w", err)
	}
	return big.NewInt(n), nil
}

type settleResponse struct {
	Status Status `json:"status"`
	Detail string `json:"detail"`
}

// SettleChannel builds, signs and submits the final-balance receipt for a
// closing channel. Called by the lifecycle controller outside the channel
// lock, exactly once per settle attempt.
func (c *Client) SettleChannel(ctx context.Context, ch *channel.Channel) error {
	nonce, err := c.nextNonce(ctx, ch.Peer.Hex())
	if err != nil {
		return err
	}
	r := &Receipt{
		ChannelID:          ch.ID,
		Peer:               ch.Peer,
		LocalBalance:       ch.LocalBalance,
		RemoteBalance:      ch.RemoteBalance,
		ChallengePeriodSec: ch.ChallengePeriodSec,
		Nonce:              nonce,
	}
	if err := Sign(r, c.key); err != nil {
		return fmt.Errorf("sign receipt: %w", err)
	}

	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/settlements", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("submit receipt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("settlement service: status %d", resp.StatusCode)
	}

	var out settleResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode settlement response: %w", err)
	}
	if out.Status != StatusAccepted {
		c.log.Warn("settlement rejected",
			zap.String("channel", ch.ID),
			zap.String("status", string(out.Status)),
			zap.String("detail", out.Detail),
		)
		return fmt.Errorf("settlement rejected: %s", out.Status)
	}

	c.log.Info("settlement accepted",
		zap.String("channel", ch.ID),
		zap.String("peer", ch.Peer.Hex()),
		zap.String("nonce", nonce.String()),
	)
	return nil
}
