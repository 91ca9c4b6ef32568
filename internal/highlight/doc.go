// Package highlight decides whether a chat message should raise an alert.
//
// Raw rule lines are compiled once (Compile) into immutable Rules made of
// zero or more filters and at most one text predicate. The Engine holds the
// current rule snapshot behind an atomic pointer so Configure can run while
// other goroutines call Check.
//
// Rule syntax (prefixes are case-sensitive and checked in this order):
//
//	re:<expr>          regular expression, must match the whole text
//	w:<term>           whole word, case-insensitive
//	wcs:<term>         whole word, case-sensitive
//	cs:<term>          case-sensitive substring
//	cat:<name> [rest]  sender has category <name>, AND rest
//	user:<name> [rest] sender is <name> (case-insensitive), AND rest
//	anything else      case-insensitive substring
package highlight
