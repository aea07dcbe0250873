package types

// Version is the canonical project version.
// The CLI, the archive record layout and the completion event payload share
// this version per the lockstep versioning policy.
const Version = "0.3.0"

// ContractVersion is stamped on archived records and published events.
// It moves in lockstep with Version.
const ContractVersion = Version
