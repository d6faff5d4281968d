package settlement

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Receipt is the signed settlement instruction submitted to the settlement
// collaborator when a channel closes: the final balance split, bound to the
// channel and peer, with a monotonic per-peer nonce so replayed receipts are
// rejected downstream.
type Receipt struct {
	ChannelID          string         `json:"channel_id"`
	Peer               common.Address `json:"peer"`
	LocalBalance       *big.Int       `json:"local_balance"`
	RemoteBalance      *big.Int       `json:"remote_balance"`
	ChallengePeriodSec int64          `json:"challenge_period_sec"`
	Nonce              *big.Int       `json:"nonce"`
	Signature          []byte         `json:"signature"`
}

// digest is keccak256 over a fixed-width encoding of every signed field.
func (r *Receipt) digest() [32]byte {
	data := make([]byte, 0, len(r.ChannelID)+20+3*32+8)
	data = append(data, []byte(r.ChannelID)...)
	data = append(data, r.Peer.Bytes()...)
	data = appendPadded(data, r.LocalBalance)
	data = appendPadded(data, r.RemoteBalance)
	data = appendPadded(data, r.Nonce)
	data = appendInt64(data, r.ChallengePeriodSec)
	return crypto.Keccak256Hash(data)
}

func appendPadded(b []byte, v *big.Int) []byte {
	var buf [32]byte
	if v != nil {
		v.FillBytes(buf[:])
	}
	return append(b, buf[:]...)
}

func appendInt64(b []byte, v int64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v),
	)
}

// Sign signs the receipt in place with the operator key.
func Sign(r *Receipt, key *ecdsa.PrivateKey) error {
	digest := r.digest()
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return err
	}
	// V as 27/28, matching downstream ecrecover conventions.
	sig[64] += 27
	r.Signature = sig
	return nil
}

// Verify recovers the signer address from a signed receipt.
func Verify(r *Receipt) (common.Address, error) {
	if len(r.Signature) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	digest := r.digest()
	sig := make([]byte, 65)
	copy(sig, r.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
