package ledger

import "time"

// SetClock replaces the ledger clock in tests.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }
