// Package schema reads relation definitions written in CUE and builds
// relation graphs from them.
//
// A schema declares base tables (columns and optional seed rows) and
// views (one operator over named tables or views). Load and Compile turn
// CUE into a Schema; Validate reports every problem with a stable code;
// Install creates missing tables in a store.StoredDatabase; Build wires
// the views over the tables a Resolver supplies, usually the relations of
// a txdb.Database.
//
// Views may read other views in any declaration order, but never
// themselves: a cycle is reported as E116.
package schema
