// Package types holds the small value types shared across mnha: database
// engines, operation modes, the virtual identity, the origin record and
// service units.
package types
