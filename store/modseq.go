package store

import "github.com/mjl-/bstore"

// ModSeq is a local database modification sequence number, used to find
// messages touched since a previous push without scanning the whole
// account. It is unrelated to a server's CONDSTORE MODSEQ, which is
// recorded per placement instead (see Placement.ModSeq).
//
// ModSeq 0 is the zero value for messages never locally modified; the
// first real sequence number handed out is 1.
type ModSeq int64

// SyncState is a singleton-per-account record tracking the next ModSeq to
// hand out.
type SyncState struct {
	AccountID  int64 `bstore:"noauto"` // primary key, one row per account.
	LastModSeq ModSeq
}

// nextModSeq returns the next local modification sequence for accountID,
// creating its SyncState row on first use.
func nextModSeq(tx *bstore.Tx, accountID int64) (ModSeq, error) {
	v := SyncState{AccountID: accountID}
	if err := tx.Get(&v); err == bstore.ErrAbsent {
		v = SyncState{AccountID: accountID, LastModSeq: 1}
		return v.LastModSeq, tx.Insert(&v)
	} else if err != nil {
		return 0, err
	}
	v.LastModSeq++
	return v.LastModSeq, tx.Update(&v)
}

// CurrentLastmod returns the snapshot of accountID's modification counter,
// i.e. the ModSeq most recently assigned to a local change (0 if none ever
// was). A push that recorded this value can later call
// FindLocalModifications with it to find everything changed since.
func CurrentLastmod(tx *bstore.Tx, accountID int64) (ModSeq, error) {
	v := SyncState{AccountID: accountID}
	if err := tx.Get(&v); err == bstore.ErrAbsent {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return v.LastModSeq, nil
}
