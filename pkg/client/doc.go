// Package client is the Go SDK for the silicontrace HTTP API.
//
// It lets a fab line controller, test station or ERP bridge open batches,
// record processing stages and check chain integrity without linking the
// ledger itself.
//
// # Recording stages
//
//	c, err := client.New("http://traced.internal:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	genesis, err := c.OpenBatch(ctx, client.OpenBatchRequest{
//	    SequenceID: "1001",
//	    Stage:      "Raw_Silicon_Ingot",
//	})
//
//	rec, err := c.AppendStage(ctx, "1001", client.AppendStageRequest{
//	    Stage: "5nm_Fabrication",
//	})
//
// # Verifying
//
// Verify always succeeds for a known batch; a broken chain is reported in
// the returned Report, not as an error:
//
//	rep, err := c.Verify(ctx, "1001", true)
//	if err != nil {
//	    return err
//	}
//	if rep.Status != client.StatusVerified {
//	    log.Printf("batch 1001 compromised at stage %d", rep.Breach.Position)
//	}
//
// # Errors
//
// Unknown batches yield ErrNotFound and duplicate or racing writes yield
// ErrConflict; both can be tested with errors.Is. Every other non-2xx
// response is returned as an *APIError.
package client
