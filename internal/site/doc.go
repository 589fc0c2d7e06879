// Package site owns website registration and script-key resolution.
//
// Websites are created under the owning account's plan ceiling and are
// looked up by their public script key on every ingested event. Repository
// implementations live in repository/postgres/.
package site
