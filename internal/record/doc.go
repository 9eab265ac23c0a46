// Package record defines the change-log data model shared by every meshlog
// component.
//
// A center (installation) appends a ChangeRecord for every mutation of the
// data it replicates. Records are identified by center-partitioned IDs:
//
//	id = originCenter*IDRange + sequence
//
// so peers can allocate IDs without a coordinator and any consumer can
// recover the issuing center with OriginCenter(id).
//
// # Change variants
//
// Every consumer of "a change" works with the Change interface, which has
// two implementations:
//   - *ChangeRecord: fully typed, subject and change types resolved through
//     a Registry.
//   - *ChangeRecordError: degraded form used when the stored subject or
//     change type can no longer be resolved (removed plugin, schema drift).
//     It keeps the raw identifiers so history, purge and ID-range
//     computations still work.
//
// # Subject taxonomy
//
// Subject and change types are an open taxonomy. Dispatch happens on the
// Domain tag: DomainInternal marks the closed set of built-in bookkeeping
// subjects (centers, auto-purge policy) and DomainExternal marks everything
// an application registers through ExternalSubjectType.
package record
