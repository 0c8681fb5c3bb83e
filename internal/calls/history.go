package calls

import "time"

// StatusChange is one append-only entry in a call's transition history.
//
// History is internal-only and best-effort: it makes a stuck call
// inspectable (when did it enter scoring, how many times did it error)
// without being load-bearing for correctness. Append-only; entries are
// never updated or deleted.
type StatusChange struct {
	ID        string    `json:"id" db:"id"`
	CallID    string    `json:"call_id" db:"call_id"`
	From      Status    `json:"from" db:"from_status"`
	To        Status    `json:"to" db:"to_status"`
	Note      string    `json:"note,omitempty" db:"note"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
