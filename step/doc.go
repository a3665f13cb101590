// Package step contains the types shared by plugins and the migration engine:
// step definitions and descriptors, selection keys, results and the unit of
// work steps are applied within.
package step
