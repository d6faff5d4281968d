package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/machinepay/channeld/internal/channel"
)

// Quick operator readout: ledger totals, plus one channel when an id is given.
func main() {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	ctx := context.Background()

	store := channel.NewStore(rdb)
	stats, err := store.Snapshot(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("channels:  %d live, %d archived\n", stats.LiveChannels, stats.ArchivedChannels)
	fmt.Printf("capacity:  %s\n", stats.TotalCapacity)
	fmt.Printf("local:     %s\n", stats.TotalLocal)
	fmt.Printf("remote:    %s\n", stats.TotalRemote)

	if len(os.Args) > 1 {
		ch, err := store.Get(ctx, os.Args[1])
		if err != nil || ch == nil {
			fmt.Fprintln(os.Stderr, "channel not found:", os.Args[1])
			os.Exit(1)
		}
		fmt.Printf("\n%s  peer=%s  state=%s\n", ch.ID, ch.Peer.Hex(), ch.State)
		fmt.Printf("capacity=%s local=%s remote=%s\n", ch.Capacity, ch.LocalBalance, ch.RemoteBalance)
	}
}
