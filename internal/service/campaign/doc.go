// Package campaign implements popup campaign lifecycle management.
//
// The service validates targeting rules, enforces the per-website campaign
// ceiling through the quota guard and owns the status transitions
// (active <-> paused, either -> archived). It depends on repository
// interfaces defined in this package and never on the HTTP layer.
//
// The Postgres implementation lives in repository/postgres/.
package campaign
