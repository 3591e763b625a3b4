// Package landing implements the Landing domain: applications registered by
// end-users of a MilleGrille.
//
// Envelopes reach the domain through the dispatcher in internal/domain. The
// package provides the dispatch table (Routes), the handlers behind it and
// the Applier, which writes transactions to the document store.
//
// Write path:
//
//  1. A command (creerNouvelleApplication, sauvegarderApplication) is
//     authorized, then checked for a subject id and a user-level privilege.
//  2. It is recorded in the transaction log under a fresh UUIDv7.
//  3. The Applier performs one atomic upsert on Landing/applications.
//  4. The log entry is marked applied and evenement.Landing.applicationMaj
//     is published with the stored record.
//
// A transaction that fails to apply stays pending in the log. The
// maintenance loop resubmits it later as a transaction envelope, which goes
// through the same Applier. Every write is an upsert whose filter and
// set-on-insert fields make a replay converge on the same document.
package landing
