package bank

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrInvalidAmount       = errors.New("bank: amount must be positive")
	ErrBalanceOverflow     = errors.New("bank: balance overflow")
	errNilState            = errors.New("bank: state not configured")
)

type balanceState interface {
	BankBalance(addr [20]byte) (*big.Int, error)
	BankSetBalance(addr [20]byte, amount *big.Int) error
	BankSupply() (*big.Int, error)
	BankSetSupply(amount *big.Int) error
}

// Ledger is the value-transfer primitive backing escrow custody. Balances are
// held as 256-bit unsigned integers; every write goes through the same state
// journal as the escrow records so a failed operation rolls back both.
type Ledger struct {
	state balanceState
}

// NewLedger binds a ledger to the provided state.
func NewLedger(state balanceState) *Ledger {
	return &Ledger{state: state}
}

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil || v.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return out, nil
}

func (l *Ledger) load(addr [20]byte) (*uint256.Int, error) {
	bal, err := l.state.BankBalance(addr)
	if err != nil {
		return nil, err
	}
	return toUint256(bal)
}

// Balance returns the balance held by addr.
func (l *Ledger) Balance(addr [20]byte) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	bal, err := l.load(addr)
	if err != nil {
		return nil, err
	}
	return bal.ToBig(), nil
}

// Transfer moves amount from one account to another. Self transfers only
// verify the balance.
func (l *Ledger) Transfer(from, to [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	fromBal, err := l.load(from)
	if err != nil {
		return err
	}
	if fromBal.Lt(amt) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromBal.Dec(), amt.Dec())
	}
	if from == to {
		return nil
	}
	toBal, err := l.load(to)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(toBal, amt)
	if overflow {
		return ErrBalanceOverflow
	}
	debited := new(uint256.Int).Sub(fromBal, amt)
	if err := l.state.BankSetBalance(from, debited.ToBig()); err != nil {
		return err
	}
	return l.state.BankSetBalance(to, credited.ToBig())
}

// Mint credits amount to addr and grows the recorded supply.
func (l *Ledger) Mint(to [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	bal, err := l.load(to)
	if err != nil {
		return err
	}
	supplyBig, err := l.state.BankSupply()
	if err != nil {
		return err
	}
	supply, err := toUint256(supplyBig)
	if err != nil {
		return err
	}
	nextBal, overflow := new(uint256.Int).AddOverflow(bal, amt)
	if overflow {
		return ErrBalanceOverflow
	}
	nextSupply, overflow := new(uint256.Int).AddOverflow(supply, amt)
	if overflow {
		return ErrBalanceOverflow
	}
	if err := l.state.BankSetBalance(to, nextBal.ToBig()); err != nil {
		return err
	}
	return l.state.BankSetSupply(nextSupply.ToBig())
}

// Supply returns the total minted amount.
func (l *Ledger) Supply() (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return l.state.BankSupply()
}
