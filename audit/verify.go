package audit

import (
	"fmt"

	"github.com/vitwit/cryptopay/types"
)

// Report describes the outcome of a chain verification.
type Report struct {
	OK      bool `json:"ok"`
	Checked int  `json:"checked"`
	// FirstDivergence is the index of the first broken entry, -1 when OK.
	FirstDivergence int    `json:"firstDivergence"`
	IntentID        string `json:"intentId,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Expected        string `json:"expected,omitempty"`
	Stored          string `json:"stored,omitempty"`
	Head            string `json:"head"`
}

func (r Report) String() string {
	if r.OK {
		return fmt.Sprintf("chain ok: %d entries, head %s", r.Checked, r.Head)
	}
	return fmt.Sprintf("chain broken at index %d (intent %s): %s, expected %s, stored %s",
		r.FirstDivergence, r.IntentID, r.Reason, r.Expected, r.Stored)
}

// Verify recomputes the chain from genesis over entries in commit order and
// reports the first index whose link or hash does not match.
func Verify(entries []types.LedgerEntry) Report {
	prev := GenesisHash
	for i, e := range entries {
		if e.PrevHash != prev {
			return broken(i, e, "previous hash mismatch", prev, e.PrevHash)
		}
		h, err := Hash(prev, RecordOfEntry(e))
		if err != nil {
			return broken(i, e, "cannot serialize entry: "+err.Error(), "", e.Hash)
		}
		if h != e.Hash {
			return broken(i, e, "hash mismatch", h, e.Hash)
		}
		prev = h
	}
	return Report{OK: true, Checked: len(entries), FirstDivergence: -1, Head: prev}
}

func broken(i int, e types.LedgerEntry, reason, expected, stored string) Report {
	return Report{
		Checked:         i,
		FirstDivergence: i,
		IntentID:        e.IntentID,
		Reason:          reason,
		Expected:        expected,
		Stored:          stored,
	}
}
