package nblocks

import "net/http"

// SessionStore persists a client's token pair between requests. The
// sessionstore package has cookie, gorilla/sessions and bbolt backed
// implementations.
type SessionStore interface {
	// Load returns the pair the request carries. A request with no session
	// yields an empty pair, not an error; errors are reserved for stores
	// that could not be read.
	Load(r *http.Request) (*TokenPair, error)
	// Save persists tokens, replacing any previous pair, and writes
	// whatever the client needs (cookies) to w.
	Save(w http.ResponseWriter, r *http.Request, tokens *TokenPair) error
	// Clear destroys the session.
	Clear(w http.ResponseWriter, r *http.Request) error
}
