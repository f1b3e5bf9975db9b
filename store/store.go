package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mjl-/bstore"
)

// DBTypes lists the bstore types persisted in the tag database. Passed to
// bstore.Open so it can create/migrate the schema.
var DBTypes = []any{Root{}, Message{}, SyncState{}}

// Account is the open tag database for a run of sin. Despite the name, a
// single Account may hold bookkeeping for more than one mail account: the
// database is shared, and individual accounts are distinguished by their
// Root row's AccountID.
//
// Only one writable transaction may be open at a time; bstore enforces
// this with its own internal single-writer lock, so Account does not add
// another layer of locking on top.
type Account struct {
	db *bstore.DB
}

// Open opens (creating if necessary) the tag database at path.
func Open(ctx context.Context, path string) (*Account, error) {
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660}
	db, err := bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("opening tag database: %w", err)
	}
	return &Account{db: db}, nil
}

// Close closes the underlying database.
func (a *Account) Close() error {
	return a.db.Close()
}

// Read runs fn in a read-only transaction. Unlike Write, multiple Reads may
// be in flight at once.
func (a *Account) Read(ctx context.Context, fn func(tx *bstore.Tx) error) error {
	return a.extransact(ctx, false, fn)
}

// Write runs fn in the single writable transaction a process may hold at
// once, committing on return nil and rolling back otherwise.
func (a *Account) Write(ctx context.Context, fn func(tx *bstore.Tx) error) error {
	return a.extransact(ctx, true, fn)
}

// extransact turns a panic inside fn whose value is an error into a returned
// error instead of taking down the process, mirroring the transaction wrapper
// the teacher uses throughout its store package. A panic with any other value
// is re-raised.
func (a *Account) extransact(ctx context.Context, write bool, fn func(tx *bstore.Tx) error) (rerr error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if err, ok := x.(error); ok {
			rerr = err
		} else {
			panic(x)
		}
	}()
	if write {
		return a.db.Write(ctx, fn)
	}
	return a.db.Read(ctx, fn)
}
