package server

import (
	"errors"
	"fmt"

	"github.com/pixperk/turnstile/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// converts domain errors to gRPC status errors
// the message is the bare sentinel text so clients can map it back
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	for _, known := range types.Known {
		if errors.Is(err, known) {
			return status.Error(codeFor(known), known.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

func codeFor(err error) codes.Code {
	switch err {
	case types.ErrNoNode, types.ErrSessionNotFound:
		return codes.NotFound

	case types.ErrNodeExists:
		return codes.AlreadyExists

	case types.ErrNotEmpty, types.ErrEphemeralParent, types.ErrSessionExpired:
		return codes.FailedPrecondition

	case types.ErrInvalidPath, types.ErrInvalidSessionTTL:
		return codes.InvalidArgument

	case types.ErrNotLeader, types.ErrConnectionLoss:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}

// returns a not leader error with the given leader address
// includes the current leader address in the error message
func notLeaderError(leaderAddr string) error {
	return status.Error(codes.Unavailable,
		fmt.Sprintf("%s, leader is at: %s", types.ErrNotLeader, leaderAddr))
}
