package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// Gated modules of the escrow ledger.
const (
	ModuleLock    = "lock"
	ModuleRelease = "release"
	ModuleRefund  = "refund"
)

type PauseView interface {
	IsPaused(module string) bool
}

// Guard returns ErrModulePaused when the view reports the module as paused.
// A nil view never blocks.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// PauseFlags is a PauseView over the three escrow flags.
type PauseFlags struct {
	Lock    bool
	Release bool
	Refund  bool
}

// IsPaused implements PauseView. Unknown modules are never paused.
func (f PauseFlags) IsPaused(module string) bool {
	switch module {
	case ModuleLock:
		return f.Lock
	case ModuleRelease:
		return f.Release
	case ModuleRefund:
		return f.Refund
	default:
		return false
	}
}

// All reports whether every flag is set.
func (f PauseFlags) All() bool {
	return f.Lock && f.Release && f.Refund
}
