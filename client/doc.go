// Package client provides a session manager for programs that talk to
// a keepsake auth server. It stores the token pair, attaches the access
// token to outgoing requests, and coordinates refresh-on-401 so that at
// most one refresh call is ever in flight per manager. That single-flight
// discipline matters beyond efficiency: the server treats a second
// rotation attempt on the same refresh token as theft, so a client that
// fires parallel refreshes would lock itself out.
package client
