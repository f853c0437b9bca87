/*
Package reduction defines the associative operators barriers use to fold
per-arrival values into per-generation results, and the id-keyed table that
resolves them. All nodes in a mesh must register the same ops under the same
ids: barrier trigger messages carry the op id, not the op.
*/
package reduction
