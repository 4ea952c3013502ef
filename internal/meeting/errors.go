package meeting

import "errors"

// ErrNegotiationConflict is returned by HandleOffer when a renegotiation
// arrives while the connection's signaling state is still unstable after the
// bounded retry. The connection is left untouched; the client may re-offer.
var ErrNegotiationConflict = errors.New("meeting: negotiation conflict, signaling state not stable")
