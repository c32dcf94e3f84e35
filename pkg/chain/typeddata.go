// Package chain holds the on-chain surface the relayer coordination core
// depends on: EIP-712 typed data for permission grants, signing and
// recovery, permission-event confirmation, gas fee policy, and a typed
// read facade over the registry contract.
package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// PrimaryType identifies the permission-grant message shape to signers and
// verifiers.
const PrimaryType = "AddPermission"

// FilePermission grants one account access to one encrypted file via a
// wrapped key.
type FilePermission struct {
	Account string `json:"account"`
	Key     string `json:"key"`
}

// GrantMessage carries every field of the signed permission grant.
type GrantMessage struct {
	Nonce           uint64
	GranteeID       *big.Int
	Grant           string // grant file URL
	FileURLs        []string
	SchemaIDs       []*big.Int
	ServerAddress   string
	ServerURL       string
	ServerPublicKey string
	FilePermissions []FilePermission
}

// Domain binds signatures to one contract deployment on one chain.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

// NewTypedData builds the EIP-712 structure for a permission grant.
func NewTypedData(domain Domain, msg GrantMessage) apitypes.TypedData {
	schemaIDs := make([]interface{}, len(msg.SchemaIDs))
	for i, id := range msg.SchemaIDs {
		schemaIDs[i] = id.String()
	}
	fileURLs := make([]interface{}, len(msg.FileURLs))
	for i, u := range msg.FileURLs {
		fileURLs[i] = u
	}
	perms := make([]interface{}, len(msg.FilePermissions))
	for i, p := range msg.FilePermissions {
		perms[i] = map[string]interface{}{
			"account": p.Account,
			"key":     p.Key,
		}
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			PrimaryType: {
				{Name: "nonce", Type: "uint256"},
				{Name: "granteeId", Type: "uint256"},
				{Name: "grant", Type: "string"},
				{Name: "fileUrls", Type: "string[]"},
				{Name: "schemaIds", Type: "uint256[]"},
				{Name: "serverAddress", Type: "address"},
				{Name: "serverUrl", Type: "string"},
				{Name: "serverPublicKey", Type: "string"},
				{Name: "filePermissions", Type: "FilePermission[]"},
			},
			"FilePermission": {
				{Name: "account", Type: "address"},
				{Name: "key", Type: "string"},
			},
		},
		PrimaryType: PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           math.NewHexOrDecimal256(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"nonce":           new(big.Int).SetUint64(msg.Nonce).String(),
			"granteeId":       msg.GranteeID.String(),
			"grant":           msg.Grant,
			"fileUrls":        fileURLs,
			"schemaIds":       schemaIDs,
			"serverAddress":   msg.ServerAddress,
			"serverUrl":       msg.ServerURL,
			"serverPublicKey": msg.ServerPublicKey,
			"filePermissions": perms,
		},
	}
}
