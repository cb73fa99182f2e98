package state

import (
	"math/big"
)

// BankBalance returns the stored token balance for addr, zero when absent.
func (m *Manager) BankBalance(addr [20]byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.KVGet(addrKey(bankBalancePrefix, addr), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// BankSetBalance overwrites the balance for addr. Zero balances are removed.
func (m *Manager) BankSetBalance(addr [20]byte, amount *big.Int) error {
	stored, err := storedAmount(amount)
	if err != nil {
		return err
	}
	key := addrKey(bankBalancePrefix, addr)
	if stored.Sign() == 0 {
		return m.KVDelete(key)
	}
	return m.KVPut(key, stored)
}

// BankSupply returns the total amount minted so far.
func (m *Manager) BankSupply() (*big.Int, error) {
	supply := new(big.Int)
	ok, err := m.KVGet(bankSupplyKey, supply)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return supply, nil
}

// BankSetSupply records the total minted supply.
func (m *Manager) BankSetSupply(amount *big.Int) error {
	stored, err := storedAmount(amount)
	if err != nil {
		return err
	}
	return m.KVPut(bankSupplyKey, stored)
}
