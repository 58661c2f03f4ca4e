// Package client is the Go SDK for the auditd HTTP API.
//
// # Reading proofs
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	proof, err := c.GetProof(ctx, recordID)
//
// A proof names the partition and the partition root it was generated
// against. It stays checkable offline against that root (see auditctl
// check-proof) but no longer matches the live forest once the partition
// has been rebuilt by a later ingest or by compaction.
//
// # Writing
//
// Ingest and Optimize need an operator token carrying the records:write or
// forest:optimize scope:
//
//	c, err := client.New(base, client.WithBearerToken(token))
//	res, err := c.Ingest(ctx, []client.Record{{
//	    ID:        uuid.New(),
//	    Timestamp: time.Now(),
//	    StatuteID: "GDPR-17",
//	    SubjectID: "subject-42",
//	    Payload:   json.RawMessage(`{"decision":"erase"}`),
//	}})
//
// Errors for missing records or partitions wrap ErrNotFound; rejected
// batches wrap ErrConflict or ErrBadRequest. Any non-2xx response is an
// *APIError.
package client
