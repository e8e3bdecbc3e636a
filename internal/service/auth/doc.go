// Package auth issues and validates the HMAC-signed JWT bearer tokens that
// protect the task control API.
package auth
