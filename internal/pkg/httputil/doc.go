// Package httputil holds the JSON response and request helpers shared by
// every handler, so error envelopes and encoding behave the same on the
// public ingestion endpoint and the owner API.
package httputil
