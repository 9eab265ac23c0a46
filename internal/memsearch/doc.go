// Package memsearch evaluates change searches in memory.
//
// Execution is a sequence of passes, one per top-level conjunct of the
// search. Each pass narrows a bitset over the candidate array and produces a
// new MatchState holding, per surviving candidate, the association rows on
// which every conjunct so far is TRUE. A change matches when at least one
// row survives the last pass, which reproduces the existential semantics of
// the SQL backend's LEFT JOIN ... GROUP BY.
package memsearch
