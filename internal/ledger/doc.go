// Package ledger records conversation lifecycle events in SQLite.
//
// Entries carry ids, join mode, ending type and, for ended conversations, the
// names of the attributes that were detached. Attribute values are never
// stored.
//
//	l, err := ledger.Open(path, logger)
//	ch, _ := broadcaster.Subscribe(ctx)
//	go l.Consume(ctx, ch)
package ledger
