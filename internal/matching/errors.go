package matching

import "errors"

var (
	// ErrAlreadyInSession is returned by SearchPool.Admit when the user owns an
	// ACTIVE session and therefore cannot wait for another partner.
	ErrAlreadyInSession = errors.New("matching: user already in an active session")

	// ErrDuplicateParticipant is returned by SessionRegistry.Open when either
	// participant already owns an ACTIVE session.
	ErrDuplicateParticipant = errors.New("matching: participant already in an active session")

	// ErrSelfPairing is returned by SessionRegistry.Open when both participants
	// are the same user.
	ErrSelfPairing = errors.New("matching: cannot pair a user with themselves")

	// ErrInvalidParams is returned by Coordinator.Search for malformed search
	// parameters. Nothing is admitted when it is returned.
	ErrInvalidParams = errors.New("matching: invalid search parameters")

	// ErrInvalidOutcome is returned by ParseOutcome for anything other than
	// FINISHED or ERROR.
	ErrInvalidOutcome = errors.New("matching: invalid session outcome")
)
