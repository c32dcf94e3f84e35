package relay

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"relayd/pkg/chain"
)

// permissionsABI is the single write method the relayer calls on behalf of
// end-users.
const permissionsABI = `[
	{"name":"addPermissionWithSignature","type":"function","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"user","type":"address"},
		{"name":"nonce","type":"uint256"},
		{"name":"granteeId","type":"uint256"},
		{"name":"grant","type":"string"},
		{"name":"signature","type":"bytes"}
	 ],
	 "outputs":[]}
]`

// TxSender is satisfied by *ethclient.Client.
type TxSender interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// EthBroadcaster signs and sends the wrapping transaction with the relayer
// key, spending the relayer's gas while the permission itself is bound to
// the end-user's signature.
type EthBroadcaster struct {
	sender   TxSender
	signer   *chain.Signer
	gas      chain.GasPolicy
	chainID  *big.Int
	contract common.Address
	abi      abi.ABI
	gasLimit uint64
}

func NewEthBroadcaster(sender TxSender, signer *chain.Signer, gas chain.GasPolicy, chainID int64, contract common.Address) (*EthBroadcaster, error) {
	parsed, err := abi.JSON(strings.NewReader(permissionsABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse permissions ABI: %w", err)
	}
	return &EthBroadcaster{
		sender:   sender,
		signer:   signer,
		gas:      gas,
		chainID:  big.NewInt(chainID),
		contract: contract,
		abi:      parsed,
		gasLimit: 500_000,
	}, nil
}

func (b *EthBroadcaster) Broadcast(ctx context.Context, sub Submission, relayerNonce uint64) (common.Hash, error) {
	user := common.HexToAddress(sub.ExpectedUserAddress)
	userNonce, granteeID, grant, err := grantFields(sub.TypedData)
	if err != nil {
		return common.Hash{}, err
	}
	sig, err := decodeHexSig(sub.Signature)
	if err != nil {
		return common.Hash{}, err
	}
	data, err := b.abi.Pack("addPermissionWithSignature", user, userNonce, granteeID, grant, sig)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack calldata: %w", err)
	}

	tip, feeCap, err := b.gas.SuggestFees(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas policy failed: %w", err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.chainID,
		Nonce:     relayerNonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       b.gasLimit,
		To:        &b.contract,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(b.chainID), b.signer.Key())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign relay transaction: %w", err)
	}
	if err := b.sender.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("broadcast failed: %w", err)
	}
	return signed.Hash(), nil
}

// grantFields pulls the contract-call fields back out of the typed data
// message. Values arrive as decimal strings from NewTypedData or as
// json-decoded values from the wire.
func grantFields(td apitypes.TypedData) (nonce, granteeID *big.Int, grant string, err error) {
	nonce, err = messageBig(td, "nonce")
	if err != nil {
		return nil, nil, "", err
	}
	granteeID, err = messageBig(td, "granteeId")
	if err != nil {
		return nil, nil, "", err
	}
	grant, _ = td.Message["grant"].(string)
	if grant == "" {
		return nil, nil, "", fmt.Errorf("typed data missing grant URL")
	}
	return nonce, granteeID, grant, nil
}

func messageBig(td apitypes.TypedData, field string) (*big.Int, error) {
	switch v := td.Message[field].(type) {
	case string:
		n, ok := new(big.Int).SetString(strings.TrimPrefix(v, "0x"), base(v))
		if !ok {
			return nil, fmt.Errorf("typed data field %q is not an integer: %q", field, v)
		}
		return n, nil
	case float64:
		return big.NewInt(int64(v)), nil
	default:
		return nil, fmt.Errorf("typed data missing field %q", field)
	}
}

func base(s string) int {
	if strings.HasPrefix(s, "0x") {
		return 16
	}
	return 10
}
