// Package schema contains the in-memory database model used to validate and
// track the changes made by dictionary steps, along with helpers for reading
// the model from a database and building DDL statements.
package schema
