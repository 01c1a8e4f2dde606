package fetcher

import (
	"context"
	"errors"
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

	"protocol-monitor/internal/config"
)

const (
	// Comet-style lending market view functions. Both return 1e18-scaled
	// values: a utilization fraction and a per-second supply rate.
	marketABIJSON = `[{"inputs":[],"name":"getUtilization","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},{"inputs":[{"internalType":"uint256","name":"utilization","type":"uint256"}],"name":"getSupplyRate","outputs":[{"internalType":"uint64","name":"","type":"uint64"}],"stateMutability":"view","type":"function"}]`

	secondsPerYear = 31_536_000
)

var marketABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(marketABIJSON))
	if err != nil {
		panic("failed to parse lending market ABI: " + err.Error())
	}
	marketABI = parsed
}

// Chain reads lending market rates over Ethereum RPC.
type Chain struct {
	rpcURL    string
	timeout   time.Duration
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewChain builds an on-chain rates fetcher.
func NewChain(cfg config.EthereumConfig, logger zerolog.Logger) *Chain {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Chain{
		rpcURL:  cfg.RPCURL,
		timeout: timeout,
		logger:  logger.With().Str("component", "chain_fetcher").Logger(),
	}
}

// FetchRates reads the utilization fraction and derives the supply-side APY
// from the market's current per-second rate.
func (c *Chain) FetchRates(ctx context.Context, marketAddress string) (MarketRates, error) {
	if c.rpcURL == "" {
		return MarketRates{}, errors.New("ethereum rpc url not configured")
	}
	if marketAddress == "" {
		return MarketRates{}, errors.New("market contract address not configured")
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return MarketRates{}, err
	}

	addr := common.HexToAddress(marketAddress)

	utilization, err := c.callUint(ctx, client, addr, "getUtilization")
	if err != nil {
		return MarketRates{}, err
	}

	rate, err := c.callUint(ctx, client, addr, "getSupplyRate", utilization)
	if err != nil {
		return MarketRates{}, err
	}

	utilFraction := decimal.NewFromBigInt(utilization, -18)
	apy := decimal.NewFromBigInt(rate, -18).
		Mul(decimal.NewFromInt(secondsPerYear)).
		Mul(decimal.NewFromInt(100))

	return MarketRates{
		APY7d:       &apy,
		Utilization: &utilFraction,
	}, nil
}

func (c *Chain) callUint(ctx context.Context, client *ethclient.Client, addr common.Address, method string, args ...any) (*big.Int, error) {
	payload, err := marketABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, err
	}

	outputs, err := marketABI.Unpack(method, res)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, errors.New("unexpected " + method + " response")
	}

	switch v := outputs[0].(type) {
	case *big.Int:
		return v, nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	default:
		return nil, errors.New("failed to decode " + method + " output")
	}
}

func (c *Chain) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.rpcURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

var _ RatesFetcher = (*Chain)(nil)
