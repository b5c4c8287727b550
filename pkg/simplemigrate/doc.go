// Package simplemigrate provides a reusable library for migrating data
// packages (science objects plus system metadata) between repository nodes
// of a persistent-identifier network.
//
// It exposes a single Service interface that reads an object catalog from a
// source node, groups identifiers into obsolescence chains, fetches bytes and
// system metadata (authoritative node first, origin node as fallback),
// rewrites the system metadata for the destination node and replays every
// chain as a create followed by updates. Node implementations (memory,
// filesystem, S3, REST) and ledger repositories (memory, Postgres) are
// provided under subpackages.
//
// Identifier Layout
//
// An identifier is an opaque string whose last path segment has the form
// scope.localId.revision. All identifiers sharing scope and localId are
// revisions of one logical package and form a Chain ordered by revision.
//
// Failure Model
//
// Failures are contained at the chain boundary. A failed step skips the rest
// of its chain and leaves earlier revisions on the destination; other chains
// continue. Only a catalog that cannot be enumerated fails a run.
package simplemigrate
