package chainfee

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrFeeRateTooLow is returned when a fee rate below FeePerVByteFloor
	// is configured or requested.
	ErrFeeRateTooLow = fmt.Errorf("fee rate must be at least %v",
		FeePerVByteFloor)

	// ErrEstimatorStopped is returned when an estimate is requested from an
	// estimator that is not running.
	ErrEstimatorStopped = errors.New("fee estimator is not running")
)

// Estimator provides the fee rate that pre-signed escrow transactions are
// built with. Templates are signed long before they are broadcast, so the
// estimate is usually a conservative static value rather than a live mempool
// reading.
type Estimator interface {
	// EstimateFeePerVByte takes in a target for the number of blocks until
	// an initial confirmation and returns the estimated fee expressed in
	// sat/vb.
	EstimateFeePerVByte(numBlocks uint32) (SatPerVByte, error)

	// Start signals the Estimator to start any processes or goroutines
	// it needs to perform its duty.
	Start() error

	// Stop stops any spawned goroutines and cleans up the resources used
	// by the fee estimator.
	Stop() error

	// RelayFeePerVByte returns the minimum fee rate required for
	// transactions to be relayed.
	RelayFeePerVByte() SatPerVByte
}

// StaticEstimator will return a static value for all fee calculation requests.
// The fees are not accessible directly, because changing them would not be
// thread safe.
type StaticEstimator struct {
	started atomic.Bool

	// feePerVByte is the static fee rate in satoshis-per-vbyte that will
	// be returned by this fee estimator.
	feePerVByte SatPerVByte

	// relayFee is the minimum fee rate required for transactions to be
	// relayed.
	relayFee SatPerVByte
}

// NewStaticEstimator returns a new static fee estimator instance. A relay fee
// of zero defaults to FeePerVByteFloor.
func NewStaticEstimator(feePerVByte, relayFee SatPerVByte) (*StaticEstimator,
	error) {

	if relayFee == 0 {
		relayFee = FeePerVByteFloor
	}
	if feePerVByte < relayFee || feePerVByte < FeePerVByteFloor {
		return nil, fmt.Errorf("%w: got %v, relay fee %v",
			ErrFeeRateTooLow, feePerVByte, relayFee)
	}

	return &StaticEstimator{
		feePerVByte: feePerVByte,
		relayFee:    relayFee,
	}, nil
}

// EstimateFeePerVByte will return a static value for fee calculations.
//
// NOTE: This method is part of the Estimator interface.
func (e *StaticEstimator) EstimateFeePerVByte(
	numBlocks uint32) (SatPerVByte, error) {

	if !e.started.Load() {
		return 0, ErrEstimatorStopped
	}

	log.Tracef("Static fee estimate for %d blocks: %v", numBlocks,
		e.feePerVByte)

	return e.feePerVByte, nil
}

// RelayFeePerVByte returns the minimum fee rate required for transactions to
// be relayed.
//
// NOTE: This method is part of the Estimator interface.
func (e *StaticEstimator) RelayFeePerVByte() SatPerVByte {
	return e.relayFee
}

// Start signals the Estimator to start any processes or goroutines
// it needs to perform its duty.
//
// NOTE: This method is part of the Estimator interface.
func (e *StaticEstimator) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Infof("Using static fee estimate of %v (%v)", e.feePerVByte,
		e.feePerVByte.FeePerKWeight())

	return nil
}

// Stop stops any spawned goroutines and cleans up the resources used
// by the fee estimator.
//
// NOTE: This method is part of the Estimator interface.
func (e *StaticEstimator) Stop() error {
	e.started.Store(false)

	return nil
}

// A compile-time assertion to ensure that StaticEstimator implements the
// Estimator interface.
var _ Estimator = (*StaticEstimator)(nil)
