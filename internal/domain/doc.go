// Package domain routes inbound envelopes to the handlers of one domain.
//
// Processing Flow:
//  1. Authorize the sender against the layered trust policy (package authz).
//  2. Look up the (category, action) route in the Registry. Unknown actions
//     are logged and dropped: the bus may carry actions for domains added later.
//  3. Decode the opaque payload into the route's typed shape.
//  4. Invoke the handler and return its response.
//
// Nothing touches the store before steps 1-3 succeed, so a denied or
// malformed message leaves no partial mutation behind.
//
// Rejection Policy:
// Commands and queries have a reply channel and get a structured refusal
// ({"ok": false, "err": ...}). Transactions and events do not; they are
// logged and dropped, and unacknowledged transactions are redelivered by
// the maintenance resubmission task.
package domain
