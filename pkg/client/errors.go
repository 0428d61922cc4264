package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pixperk/turnstile/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maps a gRPC status back to the domain sentinel the server sent
// transport failures become ErrConnectionLoss, the outcome is unknown
func fromGRPCError(err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()

	switch st.Code() {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.Unavailable:
		//writes reached a follower, retry once a leader answers
		if strings.HasPrefix(msg, types.ErrNotLeader.Error()) {
			return fmt.Errorf("%w: %w", types.ErrConnectionLoss, types.ErrNotLeader)
		}
		return fmt.Errorf("%w: %s", types.ErrConnectionLoss, msg)
	}

	for _, known := range types.Known {
		if msg == known.Error() {
			return known
		}
	}
	return fmt.Errorf("rpc %s: %s", st.Code(), msg)
}

func isSessionGone(err error) bool {
	return errors.Is(err, types.ErrSessionNotFound) || errors.Is(err, types.ErrSessionExpired)
}
