// Package confval provides the configuration value tree compared by the
// reconciliation engine: a tagged Null/Bool/Number/String/List/Map value with
// deep equality and copying, a path selector grammar with wildcards used for
// ephemeral field removal, canonical projections, and path-level diffs.
package confval
