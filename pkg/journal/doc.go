/*
Package journal records every failover operation in a node-local bbolt
database so operators can see what ran, in which stages, and how it ended.

# Layout

A single bucket, "operations", maps an operation ID to its JSON-encoded
Record. IDs are UUIDv7 values, which sort by creation time, so the bucket's
key order is the order in which operations started:

	operations/
	  0192f4c1-...  {"id": ..., "mode": "activate", "stages": [...]}
	  0192f4c9-...  {"id": ..., "mode": "deactivate", ...}

# Usage

	store, err := journal.Open("/var/lib/mnha")
	if err != nil {
		return err
	}
	defer store.Close()

	rec := &journal.Record{ID: id, Mode: types.ModeActivate, Result: journal.ResultRunning}
	_ = store.Put(rec)

	recent, _ := store.List(10) // newest first

The file is opened with a timeout, so a second process waits briefly for
the lock instead of blocking forever.
*/
package journal
