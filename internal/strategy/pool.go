package strategy

// Orientation converts between the pool's token order and the strategy's
// base/quote. An inverted pool lists the strategy quote token first.
type Orientation struct {
	Inverted bool
}

func (o Orientation) AmountsToStrategy(poolBase, poolQuote float64) (float64, float64) {
	if o.Inverted {
		return poolQuote, poolBase
	}
	return poolBase, poolQuote
}

func (o Orientation) AmountsToPool(base, quote float64) (float64, float64) {
	// Swapping legs is its own inverse.
	return o.AmountsToStrategy(base, quote)
}

func (o Orientation) PriceToStrategy(poolPrice float64) float64 {
	return o.invertPrice(poolPrice)
}

func (o Orientation) PriceToPool(price float64) float64 {
	return o.invertPrice(price)
}

func (o Orientation) BoundsToStrategy(poolLower, poolUpper float64) (float64, float64) {
	return o.invertBounds(poolLower, poolUpper)
}

func (o Orientation) BoundsToPool(lower, upper float64) (float64, float64) {
	return o.invertBounds(lower, upper)
}

func (o Orientation) invertPrice(price float64) float64 {
	if !o.Inverted {
		return price
	}
	if price <= 0 {
		return 0
	}
	return 1 / price
}

func (o Orientation) invertBounds(lower, upper float64) (float64, float64) {
	if !o.Inverted {
		return lower, upper
	}
	if lower <= 0 || upper <= 0 {
		return 0, 0
	}
	return 1 / upper, 1 / lower
}

// SideToPool maps a strategy-side swap onto the pool's base token.
func (o Orientation) SideToPool(side Side) Side {
	if !o.Inverted {
		return side
	}
	if side == SideBuy {
		return SideSell
	}
	return SideBuy
}

// DecimalsToPool returns token decimals in pool order.
func (o Orientation) DecimalsToPool(base, quote int32) (int32, int32) {
	if o.Inverted {
		return quote, base
	}
	return base, quote
}
