package settlement

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/machinepay/channeld/internal/channel"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func testChannel() *channel.Channel {
	return &channel.Channel{
		ID:                 "ch_01HTEST",
		Peer:               common.HexToAddress("0xABCDEF1234567890ABCDEF1234567890ABCDEF12"),
		State:              channel.StateClosing,
		Capacity:           big.NewInt(100),
		LocalBalance:       big.NewInt(60),
		RemoteBalance:      big.NewInt(40),
		ChallengePeriodSec: 3600,
	}
}

func TestSettleChannel(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	var got Receipt
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settlements" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "accepted"}) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", key, newTestRedis(t), 5*time.Second, zap.NewNop())
	ch := testChannel()

	if err := c.SettleChannel(context.Background(), ch); err != nil {
		t.Fatalf("SettleChannel: %v", err)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization: got %q", gotAuth)
	}
	if got.ChannelID != ch.ID {
		t.Errorf("ChannelID: got %q want %q", got.ChannelID, ch.ID)
	}
	if got.LocalBalance.Cmp(ch.LocalBalance) != 0 {
		t.Errorf("LocalBalance: got %s want %s", got.LocalBalance, ch.LocalBalance)
	}
	if got.Nonce.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("Nonce: got %s want 1", got.Nonce)
	}

	// The receipt must verify to the operator address.
	signer, err := Verify(&got)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if signer != c.Operator() {
		t.Errorf("signer: got %s want %s", signer.Hex(), c.Operator().Hex())
	}
}

func TestSettleChannel_NoncesIncrement(t *testing.T) {
	key, _ := crypto.GenerateKey()

	var nonces []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rcpt Receipt
		json.NewDecoder(r.Body).Decode(&rcpt) //nolint:errcheck
		nonces = append(nonces, rcpt.Nonce.String())
		json.NewEncoder(w).Encode(map[string]string{"status": "accepted"}) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", key, newTestRedis(t), 5*time.Second, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.SettleChannel(ctx, testChannel()); err != nil {
			t.Fatal(err)
		}
	}
	if len(nonces) != 3 || nonces[0] != "1" || nonces[1] != "2" || nonces[2] != "3" {
		t.Errorf("nonces: got %v want [1 2 3]", nonces)
	}
}

func TestSettleChannel_Rejected(t *testing.T) {
	key, _ := crypto.GenerateKey()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
			"status": "insufficient_escrow",
			"detail": "escrow does not cover remote balance",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", key, newTestRedis(t), 5*time.Second, zap.NewNop())
	if err := c.SettleChannel(context.Background(), testChannel()); err == nil {
		t.Fatal("expected error for rejected settlement")
	}
}

func TestSettleChannel_ServerError(t *testing.T) {
	key, _ := crypto.GenerateKey()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", key, newTestRedis(t), 5*time.Second, zap.NewNop())
	if err := c.SettleChannel(context.Background(), testChannel()); err == nil {
		t.Fatal("expected error for 500 response")
	}
}
