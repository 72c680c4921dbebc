// Package idempotency makes a function execute at most once per logical request.
//
// A request payload is reduced to an idempotency key (and optionally a payload fingerprint)
// by a KeyDeriver. The Orchestrator then consults a Backend for an existing record:
//
//   - a live COMPLETED record is replayed without calling the function
//   - a live INPROGRESS lease makes the call fail with ErrAlreadyInProgress
//   - a reused key with a different fingerprint fails with a *ValidationError
//   - otherwise a lease is acquired with a conditional write, the function runs, and its
//     JSON result is persisted (or the lease is released if it fails)
//
// Concurrency correctness is delegated to the backend's conditional write. Backends live in
// the dynamostore, redisstore and memstore sub-packages.
//
// Usage:
//
//	orch, err := idempotency.New(store,
//	    idempotency.WithEventKeyExpression("[userId, productId]"),
//	    idempotency.WithPayloadValidationExpression("amount"),
//	    idempotency.WithExpiresAfter(time.Hour),
//	)
//	handler := idempotency.Wrap(orch, createPayment).Invoke
package idempotency
