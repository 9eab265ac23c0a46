// Package search provides the ChangeSearch expression tree used to select
// changes from a RecordKeeper.
//
// A search is a boolean tree (And, Or, Not) over typed leaf predicates. The
// tree is backend-neutral; it is compiled either to parameterized SQL
// (package querysql) or to an in-memory evaluator (package memsearch), and
// both compilers must return the same IDs for the same data.
//
// OPERANDS:
//
// Every leaf operand is an Arg[T] with three states:
//
//	Arg[T]{}       unspecified: becomes a positional parameter
//	Null[T]()      explicit null (or "unbounded" for ranges and times)
//	Lit(v)         literal value
//
// Parameters are numbered in depth-first order of the tree, and within one
// leaf in field order. ParamCount reports how many a search needs; Bind
// substitutes them.
//
// SEMANTICS:
//
// Predicates use SQL three-valued logic. A change c matches when there is
// an association row r among c's sync-record associations (or a single
// all-NULL row when c has none) such that P(c, r) is TRUE. Sync leaves read
// r; every other leaf reads only c. Equality leaves compare null-safely
// (SQL "IS"), so a Null operand matches an absent value.
//
// Local-only changes are bookkeeping and are excluded from every search
// unless the tree contains a LocalOnly leaf.
//
// SEALED INTERFACE:
//
// Search is sealed with a marker method on pointer receivers: nodes are
// always used as pointers (&UserIs{...}), which lets compilers use
// exhaustive type switches.
package search
