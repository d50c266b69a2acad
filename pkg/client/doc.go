// Package client is the register Go SDK.
//
// It reads entries, items and records from a register, appends signed items,
// and verifies the register's Merkle proofs locally so that a caller never
// has to trust the server's word that an entry is in the log.
//
// # Reading
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rec, err := c.Record(ctx, "GB")
//
// # Verifying
//
// VerifyEntry fetches the tree head, the entry and its audit path and checks
// them against each other:
//
//	head, err := c.VerifyEntry(ctx, 42)
//
// Keep the returned head. Later, VerifyGrowth proves that the register has
// only been appended to since then:
//
//	head, err = c.VerifyGrowth(ctx, head)
//
// VerifyInclusion and VerifyConsistency do the same checks on proofs obtained
// by other means.
package client
