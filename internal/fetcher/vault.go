package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	erc4626ABIJSON = `[{"inputs":[{"internalType":"uint256","name":"shares","type":"uint256"}],"name":"convertToAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
)

var (
	erc4626ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc4626ABIJSON))
	if err != nil {
		panic("failed to parse ERC-4626 ABI: " + err.Error())
	}
	erc4626ABI = parsed
}

// VaultOptions parameterise the on-chain source.
type VaultOptions struct {
	RPCURL       string
	VaultAddress string
	Decimals     int32
	Timeout      time.Duration
}

// VaultSource reads the share price of an ERC-4626 vault: assets per one whole share.
type VaultSource struct {
	opts      VaultOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewVaultSource builds an on-chain rate source.
func NewVaultSource(opts VaultOptions, logger zerolog.Logger) *VaultSource {
	if opts.Decimals <= 0 {
		opts.Decimals = 18
	}
	return &VaultSource{opts: opts, logger: logger.With().Str("component", "vault_source").Logger()}
}

// FetchRate calls convertToAssets(10^decimals) on the vault.
func (v *VaultSource) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	if v.opts.RPCURL == "" {
		return decimal.Decimal{}, errors.New("ethereum rpc url not configured")
	}
	if v.opts.VaultAddress == "" || !common.IsHexAddress(v.opts.VaultAddress) {
		return decimal.Decimal{}, fmt.Errorf("vault address %q is not a valid address", v.opts.VaultAddress)
	}

	timeout := v.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := v.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}

	addr := common.HexToAddress(v.opts.VaultAddress)
	shares := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(v.opts.Decimals)), nil)

	payload, err := erc4626ABI.Pack("convertToAssets", shares)
	if err != nil {
		return decimal.Decimal{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		v.resetClient()
		return decimal.Decimal{}, err
	}

	outputs, err := erc4626ABI.Unpack("convertToAssets", res)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(outputs) != 1 {
		return decimal.Decimal{}, fmt.Errorf("%w: unexpected convertToAssets response", ErrMalformedPayload)
	}

	assets, ok := outputs[0].(*big.Int)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: failed to decode convertToAssets output", ErrMalformedPayload)
	}

	rate := decimal.NewFromBigInt(assets, -v.opts.Decimals)
	if !rate.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: vault returned %s", ErrMalformedPayload, rate.String())
	}
	return rate, nil
}

func (v *VaultSource) getClient(ctx context.Context) (*ethclient.Client, error) {
	v.clientMux.Lock()
	defer v.clientMux.Unlock()

	if v.client != nil {
		return v.client, nil
	}

	client, err := ethclient.DialContext(ctx, v.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	v.client = client
	return client, nil
}

func (v *VaultSource) resetClient() {
	v.clientMux.Lock()
	defer v.clientMux.Unlock()
	if v.client != nil {
		v.client.Close()
		v.client = nil
	}
}

var _ RateSource = (*VaultSource)(nil)
