package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"OpenMCP-Pay/sdk/go/settle"
)

// Usage: SETTLE_KEY=<hex private key> SETTLE_URL=http://localhost:8080 go run ./sdk/go/examples <payee>
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: examples <payee address>")
		os.Exit(2)
	}
	baseURL := os.Getenv("SETTLE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(os.Getenv("SETTLE_KEY"), "0x"))
	if err != nil {
		panic(fmt.Errorf("SETTLE_KEY: %w", err))
	}
	client, err := settle.NewClient(baseURL, key, nil)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payee := common.HexToAddress(os.Args[1])
	p, err := client.CreatePayment(ctx, settle.CreatePaymentRequest{
		Payee:           payee,
		Asset:           "USDC",
		Amount:          "1.25",
		DeadlineSeconds: 3600,
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created payment %s from %s (status=%s)\n", p.ID, client.Address().Hex(), p.Status)

	check, err := client.CanSpend(ctx, client.Address(), payee, "USDC", "1")
	if err != nil {
		panic(err)
	}
	fmt.Printf("payee may spend 1 USDC on our behalf: %v %s\n", check.Allowed, check.Reason)
}
