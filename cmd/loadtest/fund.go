package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"relayd/pkg/chain"
	"relayd/pkg/logger"
	"relayd/pkg/nonce"
)

type fundOptions struct {
	fundingKey string
	amount     string
	count      int
	rpcURL     string
	chainID    int64
	out        string
}

func newFundCmd() *cobra.Command {
	opts := &fundOptions{}
	cmd := &cobra.Command{
		Use:   "fund",
		Short: "Generate user keys and send each a value transfer from the funding key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFund(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.fundingKey, "funding-key", "", "hex private key holding funds")
	f.StringVar(&opts.amount, "amount", "100000000000000000", "wei sent to each generated user")
	f.IntVar(&opts.count, "count", 5, "number of user keys to generate and fund")
	f.StringVar(&opts.rpcURL, "rpc-url", "http://localhost:8545", "chain RPC endpoint")
	f.Int64Var(&opts.chainID, "chain-id", 1480, "chain ID")
	f.StringVar(&opts.out, "out", "loadtest-keys.txt", "file to write generated keys (one hex key per line)")
	_ = cmd.MarkFlagRequired("funding-key")
	return cmd
}

func runFund(ctx context.Context, opts *fundOptions) error {
	amount, ok := new(big.Int).SetString(opts.amount, 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("invalid --amount %q", opts.amount)
	}

	eth, err := ethclient.Dial(opts.rpcURL)
	if err != nil {
		return fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	funder, err := chain.NewSigner(opts.fundingKey)
	if err != nil {
		return fmt.Errorf("invalid funding key: %w", err)
	}

	nonces := nonce.NewManager(funder.Address(), 0)
	gas := chain.NewEstimatingGasPolicy(eth, 1.2)
	chainID := big.NewInt(opts.chainID)
	txSigner := types.LatestSignerForChainID(chainID)

	var keys []string
	for i := 0; i < opts.count; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		to := crypto.PubkeyToAddress(key.PublicKey)

		n, err := nonces.Next(ctx, eth)
		if err != nil {
			return fmt.Errorf("failed to issue funding nonce: %w", err)
		}
		tip, feeCap, err := gas.SuggestFees(ctx)
		if err != nil {
			return fmt.Errorf("failed to suggest fees: %w", err)
		}
		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     n,
			To:        &to,
			Value:     amount,
			Gas:       21_000,
			GasTipCap: tip,
			GasFeeCap: feeCap,
		})
		signed, err := types.SignTx(tx, txSigner, funder.Key())
		if err != nil {
			return fmt.Errorf("failed to sign funding tx: %w", err)
		}
		if err := eth.SendTransaction(ctx, signed); err != nil {
			return fmt.Errorf("failed to fund %s: %w", to.Hex(), err)
		}
		logger.Info("funded_user", "address", to.Hex(), "amount", amount.String(), "tx", signed.Hash().Hex())
		keys = append(keys, hex.EncodeToString(crypto.FromECDSA(key)))
	}

	if err := os.WriteFile(opts.out, []byte(strings.Join(keys, "\n")+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write keys file: %w", err)
	}
	fmt.Printf("funded %d users; keys written to %s\n", opts.count, opts.out)
	return nil
}
