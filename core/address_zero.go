package core

// DestinationZero is the zero-value Destination (pubkey-tagged, all-zero
// id). Subsystems reference this single sentinel for mint/burn/escrow source
// and destination checks. Treat as read-only.
var DestinationZero = Destination{}
