package ethtxmanager

import (
	"context"
	"math/big"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/btfbridge-io/bridge-go/config"
	"github.com/btfbridge-io/bridge-go/scheduler"
)

// refreshInterval spaces out parameter refreshes.
const refreshInterval = 60 * time.Second

// feeRateInterval spaces out BTC fee rate quorum queries. Fee rates move far
// slower than EVM gas prices, so they run on their own cadence.
const feeRateInterval = 10 * time.Minute

// refreshLockName keys the refresher's TaskLock entry.
const refreshLockName = "ethtxmanager/refresh_params"

// chainReader is the etherman subset the refresher needs.
type chainReader interface {
	ChainID(ctx context.Context) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonce(ctx context.Context) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
}

// feeRateSource yields the current BTC fee rate in sat/vB.
type feeRateSource interface {
	EstimateFeeRate() (uint64, error)
}

// RefreshParamsService keeps the cached EVM parameters and the BTC fee rate
// current. At most one refresh runs per interval across the process.
type RefreshParamsService struct {
	cfg   *config.Storage
	eth   chainReader
	btc   feeRateSource
	lock  *scheduler.TaskLock
	timer *scheduler.ServiceTimer
	now   func() time.Time
}

func NewRefreshParamsService(cfg *config.Storage, eth chainReader, btc feeRateSource,
	lock *scheduler.TaskLock) *RefreshParamsService {
	s := &RefreshParamsService{
		cfg:  cfg,
		eth:  eth,
		btc:  btc,
		lock: lock,
		now:  time.Now,
	}
	s.timer = scheduler.NewServiceTimer(refreshInterval, s.refresh)
	return s
}

// Run refreshes the cached parameters, at most once per interval.
func (s *RefreshParamsService) Run(ctx context.Context) error {
	_, err := s.lock.WithLock(refreshLockName, func() error {
		return s.timer.Run(ctx)
	})
	return err
}

func (s *RefreshParamsService) refresh(ctx context.Context) error {
	chainID, err := s.eth.ChainID(ctx)
	if err != nil {
		return err
	}
	latest, err := s.eth.BlockNumber(ctx)
	if err != nil {
		return err
	}
	nonce, err := s.eth.PendingNonce(ctx)
	if err != nil {
		return err
	}
	gasPrice, err := s.eth.GasPrice(ctx)
	if err != nil {
		return err
	}

	params, err := s.cfg.UpdateEvmParams(func(p *config.EvmParams) {
		p.ChainID = chainID
		p.Nonce = nonce
		p.GasPrice = gasPrice
		// the log fetcher owns the cursor, only seed it on first run
		if p.NextBlock == 0 {
			p.NextBlock = latest
		}
	})
	if err != nil {
		return err
	}

	if err := s.refreshFeeRate(); err != nil {
		logger.Warnf("btc fee rate refresh failed: %v", err)
	}

	logger.WithFields(logger.Fields{
		"chain_id":  params.ChainID,
		"nonce":     params.Nonce,
		"gas_price": params.GasPrice,
	}).Debug("evm params refreshed")
	return nil
}

// refreshFeeRate re-queries the fee rate once the cached one is older than
// feeRateInterval. The persisted timestamp makes the cadence survive
// restarts.
func (s *RefreshParamsService) refreshFeeRate() error {
	params, err := s.cfg.BtcParams()
	if err != nil {
		return err
	}
	if s.now().UnixNano()-params.FeeRateUpdatedNs < int64(feeRateInterval) {
		return nil
	}

	rate, err := s.btc.EstimateFeeRate()
	if err != nil {
		return err
	}
	params.FeeRateSatsPerVb = rate
	params.FeeRateUpdatedNs = s.now().UnixNano()
	return s.cfg.SetBtcParams(params)
}
