// Package edge is a template-matching step locator.
//
// Find resamples a profile and a synthetic ±1 step template by linear
// interpolation (gonum interp.PiecewiseLinear), computes their valid-range
// cross-correlation, and reports the lag of the maximum shifted onto the
// template midpoint together with the maximum itself.
//
// The position is expressed in original profile samples. Numeric agreement
// with other interpolation kernels is not a goal; the semantics are fixed, the
// rounding is whatever gonum produces.
package edge
