package client

import "errors"

var (
	// ErrNotAuthenticated is returned when no credentials are held.
	// The caller must log in before retrying.
	ErrNotAuthenticated = errors.New("client: not authenticated")

	// ErrLoggedOut is returned to requests whose refresh was discarded
	// by a concurrent Logout.
	ErrLoggedOut = errors.New("client: logged out")

	// ErrRefreshFailed is returned when the server denied the refresh;
	// stored credentials have been cleared.
	ErrRefreshFailed = errors.New("client: session refresh failed")
)
