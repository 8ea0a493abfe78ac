package market

import "errors"

var (
	// ErrInsufficientBalance is returned when a buy exceeds the user's
	// playmoney balance.
	ErrInsufficientBalance = errors.New("market: insufficient balance")

	// ErrInsufficientShares is returned when a sell exceeds the user's
	// token allocation for the outcome.
	ErrInsufficientShares = errors.New("market: insufficient shares")

	// ErrInsufficientLiquidity is returned when a sell's net proceeds
	// exceed the outcome's liquidity pool.
	ErrInsufficientLiquidity = errors.New("market: insufficient liquidity in the market")

	// ErrAmountTooSmall is returned when a trade size rounds to zero
	// shares or is non-positive.
	ErrAmountTooSmall = errors.New("market: amount too small")

	// ErrBelowMinimumShares is returned when a sell would push the
	// outcome's share pool below the minimum.
	ErrBelowMinimumShares = errors.New("market: selling this amount would reduce shares below minimum")
)
