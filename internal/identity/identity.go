// Package identity issues and verifies the administrator tokens that gate
// runtime reconfiguration of the trust core.
//
// It provides:
//   - AdminTokenIssuer: issues and verifies HS256 JWT admin tokens
//   - RequireAdmin: Gin middleware enforcing a Bearer admin token
package identity
