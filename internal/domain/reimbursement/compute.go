// Package reimbursement splits a billed amount between the insurer and the
// patient. Amounts are integers in the smallest currency unit.
package reimbursement

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidInput = errors.New("invalid reimbursement input")

// Amount is a monetary value in the smallest unit of the currency.
type Amount int64

// MaxAmount bounds every input amount so that rate arithmetic in float64 is
// exact and sums of amounts cannot overflow.
const MaxAmount Amount = 1 << 53

// Policy carries the externally configured fallbacks.
type Policy struct {
	// DefaultCoverageRate applies when the patient's rate is unverified.
	DefaultCoverageRate float64
	// Ceiling is the yearly covered amount above which a quote is flagged.
	// Zero disables the check.
	Ceiling Amount
	// RoundingUnit is the smallest payable step; 1 for XAF.
	RoundingUnit Amount
}

type Input struct {
	BilledAmount Amount `json:"billed_amount"`
	// ConventionedTariff defaults to BilledAmount when nil.
	ConventionedTariff *Amount `json:"conventioned_tariff,omitempty"`
	// CoverageRate defaults to the policy rate when nil.
	CoverageRate      *float64 `json:"coverage_rate,omitempty"`
	YearToDateCovered Amount   `json:"year_to_date_covered,omitempty"`
}

type Result struct {
	BilledAmount       Amount  `json:"billed_amount"`
	ConventionedTariff Amount  `json:"conventioned_tariff"`
	CoverageRate       float64 `json:"coverage_rate"`
	CoveredAmount      Amount  `json:"covered_amount"`
	CoPayment          Amount  `json:"co_payment"`
	Gap                Amount  `json:"gap"`
	PatientBalance     Amount  `json:"patient_balance"`
	RateDefaulted      bool    `json:"rate_defaulted"`
	TariffDefaulted    bool    `json:"tariff_defaulted"`
	CeilingExceeded    bool    `json:"ceiling_exceeded"`
}

// Overpayment reports a negative patient balance: the insurer covers more
// than was billed and the difference is owed back.
func (r Result) Overpayment() bool {
	return r.PatientBalance < 0
}

func validRate(rate float64) bool {
	return !math.IsNaN(rate) && rate >= 0 && rate <= 1
}

// Compute validates in and derives the split. It performs no I/O.
//
//	covered     = round(rate * tariff)
//	co_payment  = tariff - covered
//	gap         = max(0, billed - tariff)
//	balance     = billed - covered
//
// covered + co_payment always equals the tariff, and when billed >= tariff
// the balance equals co_payment + gap.
func Compute(in Input, p Policy) (Result, error) {
	if err := checkAmount("billed_amount", in.BilledAmount); err != nil {
		return Result{}, err
	}
	if err := checkAmount("year_to_date_covered", in.YearToDateCovered); err != nil {
		return Result{}, err
	}

	res := Result{BilledAmount: in.BilledAmount}

	res.ConventionedTariff = in.BilledAmount
	if in.ConventionedTariff != nil {
		if err := checkAmount("conventioned_tariff", *in.ConventionedTariff); err != nil {
			return Result{}, err
		}
		res.ConventionedTariff = *in.ConventionedTariff
	} else {
		res.TariffDefaulted = true
	}

	res.CoverageRate = p.DefaultCoverageRate
	if in.CoverageRate != nil {
		res.CoverageRate = *in.CoverageRate
	} else {
		res.RateDefaulted = true
	}
	if !validRate(res.CoverageRate) {
		return Result{}, fmt.Errorf("%w: coverage_rate must be within [0,1], got %v", ErrInvalidInput, res.CoverageRate)
	}

	res.CoveredAmount = roundTo(res.CoverageRate*float64(res.ConventionedTariff), p.RoundingUnit)
	if res.CoveredAmount > res.ConventionedTariff {
		res.CoveredAmount = res.ConventionedTariff
	}
	res.CoPayment = res.ConventionedTariff - res.CoveredAmount
	res.Gap = max(0, res.BilledAmount-res.ConventionedTariff)
	res.PatientBalance = res.BilledAmount - res.CoveredAmount

	if p.Ceiling > 0 && in.YearToDateCovered+res.CoveredAmount > p.Ceiling {
		res.CeilingExceeded = true
	}
	return res, nil
}

func checkAmount(field string, v Amount) error {
	switch {
	case v < 0:
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidInput, field)
	case v > MaxAmount:
		return fmt.Errorf("%w: %s exceeds %d", ErrInvalidInput, field, MaxAmount)
	}
	return nil
}

// roundTo rounds v half away from zero to a multiple of unit.
func roundTo(v float64, unit Amount) Amount {
	if unit <= 0 {
		unit = 1
	}
	return Amount(math.Round(v/float64(unit))) * unit
}
