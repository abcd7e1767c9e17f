package sqlutil

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// WithTransaction runs a block of code passing in an SQL transaction
// If the code returns an error or panics then the transactions is rolled back
// Otherwise the transaction is committed.
func WithTransaction(db *sqlx.DB, fn func(txn *sqlx.Tx) error) (err error) {
	txn, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("WithTransaction.Begin: %w", err)
	}

	defer func() {
		panicErr := recover()
		if err == nil && panicErr != nil {
			err = fmt.Errorf("panic: %v", panicErr)
		}
		var txnErr error
		if err != nil {
			txnErr = txn.Rollback()
		} else {
			txnErr = txn.Commit()
		}
		if txnErr != nil && err == nil {
			err = fmt.Errorf("WithTransaction failed to commit/rollback: %w", txnErr)
		}
	}()

	err = fn(txn)
	return
}

// Chunker is a contiguous slice of rows that can be subdivided, so bulk inserts
// can be split to fit under Postgres' bound-parameter limit.
type Chunker interface {
	Len() int
	Subslice(i, j int) Chunker
}

// Chunkify splits entries into chunks such that each chunk has at most
// maxParamsPerCall parameters in total, given each entry has numParamsPerEntry
// parameters.
func Chunkify(numParamsPerEntry, maxParamsPerCall int, entries Chunker) []Chunker {
	entriesPerChunk := maxParamsPerCall / numParamsPerEntry
	if entries.Len() <= entriesPerChunk {
		return []Chunker{entries}
	}
	var chunks []Chunker
	for i := 0; i < entries.Len(); i += entriesPerChunk {
		endIndex := i + entriesPerChunk
		if endIndex > entries.Len() {
			endIndex = entries.Len()
		}
		chunks = append(chunks, entries.Subslice(i, endIndex))
	}
	return chunks
}
