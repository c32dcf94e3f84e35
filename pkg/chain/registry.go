package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// registryABI covers the two read methods the coordination core needs.
const registryABI = `[
	{"name":"servers","type":"function","stateMutability":"view",
	 "inputs":[{"name":"serverId","type":"uint256"}],
	 "outputs":[{"name":"serverAddress","type":"address"},{"name":"url","type":"string"},{"name":"publicKey","type":"string"}]},
	{"name":"grantees","type":"function","stateMutability":"view",
	 "inputs":[{"name":"granteeId","type":"uint256"}],
	 "outputs":[{"name":"granteeAddress","type":"address"}]}
]`

// ServerInfo is the registry record for a trusted compute server.
type ServerInfo struct {
	Address   common.Address
	URL       string
	PublicKey string
}

// Registry is the typed read surface the orchestrator uses to resolve
// grantees and servers. ServerRegistry implements it over the contract;
// tests substitute fakes.
type Registry interface {
	Server(ctx context.Context, serverID *big.Int) (*ServerInfo, error)
	GranteeAddress(ctx context.Context, granteeID *big.Int) (common.Address, error)
}

// ContractCaller is satisfied by *ethclient.Client.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ServerRegistry reads the registry contract through typed methods so the
// orchestration layer never handles raw ABI tuples.
type ServerRegistry struct {
	caller   ContractCaller
	contract common.Address
	abi      abi.ABI
}

func NewServerRegistry(caller ContractCaller, contract common.Address) (*ServerRegistry, error) {
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry ABI: %w", err)
	}
	return &ServerRegistry{caller: caller, contract: contract, abi: parsed}, nil
}

// Server resolves a server ID to its address, URL, and public key. A
// registry record without a public key is a known failure mode and is
// rejected here so the caller fails fast instead of producing an
// unwrappable grant.
func (r *ServerRegistry) Server(ctx context.Context, serverID *big.Int) (*ServerInfo, error) {
	out, err := r.call(ctx, "servers", serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve server %s: %w", serverID, err)
	}
	info := &ServerInfo{
		Address:   out[0].(common.Address),
		URL:       out[1].(string),
		PublicKey: out[2].(string),
	}
	if info.Address == (common.Address{}) {
		return nil, fmt.Errorf("server %s not found in registry", serverID)
	}
	if info.PublicKey == "" {
		return nil, fmt.Errorf("server %s has no public key registered", serverID)
	}
	return info, nil
}

// GranteeAddress resolves a grantee ID to its on-chain address, failing
// fast on unknown IDs; an unresolved grantee would otherwise surface as a
// silent revert much later in the pipeline.
func (r *ServerRegistry) GranteeAddress(ctx context.Context, granteeID *big.Int) (common.Address, error) {
	out, err := r.call(ctx, "grantees", granteeID)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to resolve grantee %s: %w", granteeID, err)
	}
	addr := out[0].(common.Address)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("grantee %s not found in registry", granteeID)
	}
	return addr, nil
}

func (r *ServerRegistry) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	res, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return r.abi.Unpack(method, res)
}
