package server

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/turnstile/api/v1"
	"github.com/pixperk/turnstile/pkg/fsm"
	"github.com/pixperk/turnstile/pkg/logging"
	"github.com/pixperk/turnstile/pkg/metrics"
	"github.com/pixperk/turnstile/pkg/raft"
	"github.com/pixperk/turnstile/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Server struct {
	pb.UnimplementedCoordinationServer
	node   *raft.Node
	logger hclog.Logger
}

// wraps the raft node into a gRPC server
func NewServer(node *raft.Node, logger hclog.Logger) *Server {
	return &Server{
		node:   node,
		logger: logging.OrNull(logger).Named("server"),
	}
}

// writes go through the raft log and must land on the leader
func (s *Server) requireLeader() error {
	if !s.node.IsLeader() {
		return notLeaderError(s.node.GetLeader())
	}
	return nil
}

func (s *Server) CreateSession(ctx context.Context, req *pb.CreateSessionRequest) (*pb.CreateSessionResponse, error) {
	if err := s.requireLeader(); err != nil {
		return nil, err
	}

	//validate request
	if req.OwnerID == "" {
		return nil, status.Error(codes.InvalidArgument, "owner_id required")
	}
	if req.TTLMillis <= 0 {
		return nil, toGRPCError(types.ErrInvalidSessionTTL)
	}

	ttl := time.Duration(req.TTLMillis) * time.Millisecond
	result, err := s.node.Apply(types.CreateSessionCmd{
		OwnerID: req.OwnerID,
		TTL:     ttl,
	})
	if err != nil {
		return nil, toGRPCError(err)
	}

	resp := result.(fsm.CreateSessionResponse)
	metrics.SessionCreateTotal.Inc()
	s.logger.Debug("session created", "session_id", resp.SessionID, "owner_id", req.OwnerID, "ttl", ttl)

	return &pb.CreateSessionResponse{
		SessionID: resp.SessionID,
		TTLMillis: req.TTLMillis,
	}, nil
}

func (s *Server) Heartbeat(stream pb.Coordination_HeartbeatServer) error {
	for {
		//receive heartbeat from client
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if err := s.requireLeader(); err != nil {
			metrics.HeartbeatTotal.WithLabelValues("failure").Inc()
			return err
		}

		//renew the session
		result, err := s.node.Apply(types.RenewSessionCmd{
			SessionID: req.SessionID,
		})
		if err != nil {
			metrics.HeartbeatTotal.WithLabelValues("failure").Inc()
			return toGRPCError(err)
		}
		metrics.HeartbeatTotal.WithLabelValues("success").Inc()

		resp := result.(fsm.RenewSessionResponse)
		err = stream.Send(&pb.HeartbeatResponse{
			SessionID: req.SessionID,
			TTLMillis: resp.TTL.Milliseconds(),
		})
		if err != nil {
			return err
		}
	}
}

func (s *Server) CloseSession(ctx context.Context, req *pb.CloseSessionRequest) (*pb.CloseSessionResponse, error) {
	if err := s.requireLeader(); err != nil {
		return nil, err
	}

	result, err := s.node.Apply(types.CloseSessionCmd{SessionID: req.SessionID})
	if err != nil {
		return nil, toGRPCError(err)
	}

	resp := result.(fsm.EndSessionResponse)
	s.logger.Debug("session closed", "session_id", req.SessionID, "nodes_deleted", resp.NodesDeleted)
	return &pb.CloseSessionResponse{NodesDeleted: resp.NodesDeleted}, nil
}

func (s *Server) CreateNode(ctx context.Context, req *pb.CreateNodeRequest) (*pb.CreateNodeResponse, error) {
	if err := s.requireLeader(); err != nil {
		return nil, err
	}
	if err := types.ValidatePath(req.Path); err != nil {
		return nil, toGRPCError(err)
	}

	result, err := s.node.Apply(types.CreateNodeCmd{
		Path:      req.Path,
		Data:      req.Data,
		Mode:      req.Mode,
		SessionID: req.SessionID,
	})
	if err != nil {
		return nil, toGRPCError(err)
	}

	resp := result.(fsm.CreateNodeResponse)
	return &pb.CreateNodeResponse{Path: resp.Path}, nil
}

func (s *Server) DeleteNode(ctx context.Context, req *pb.DeleteNodeRequest) (*pb.DeleteNodeResponse, error) {
	if err := s.requireLeader(); err != nil {
		return nil, err
	}

	if _, err := s.node.Apply(types.DeleteNodeCmd{Path: req.Path}); err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.DeleteNodeResponse{Deleted: true}, nil
}

// served from the local replica
func (s *Server) Children(ctx context.Context, req *pb.ChildrenRequest) (*pb.ChildrenResponse, error) {
	children, err := s.node.Children(req.Path)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.ChildrenResponse{Children: children}, nil
}

func (s *Server) SetData(ctx context.Context, req *pb.SetDataRequest) (*pb.SetDataResponse, error) {
	if err := s.requireLeader(); err != nil {
		return nil, err
	}

	result, err := s.node.Apply(types.SetDataCmd{Path: req.Path, Data: req.Data})
	if err != nil {
		return nil, toGRPCError(err)
	}

	resp := result.(fsm.SetDataResponse)
	return &pb.SetDataResponse{Version: resp.Version}, nil
}

// reads the data of a node and arms a one-shot watch on it
// the stream carries the data first and the event second, then ends
func (s *Server) WatchData(req *pb.WatchDataRequest, stream pb.Coordination_WatchDataServer) error {
	data, events, cancel, err := s.node.GetDataW(req.Path)
	if err != nil {
		return toGRPCError(err)
	}
	defer cancel()

	if err := stream.Send(&pb.WatchDataResponse{Data: data}); err != nil {
		return err
	}

	select {
	case ev := <-events:
		return stream.Send(&pb.WatchDataResponse{Event: &ev})
	case <-stream.Context().Done():
		return stream.Context().Err()
	}
}

func (s *Server) GetStatus(ctx context.Context, req *pb.GetStatusRequest) (*pb.GetStatusResponse, error) {
	stats := s.node.Stats()
	metrics.SessionsActive.Set(float64(stats.Sessions))
	metrics.NodesActive.Set(float64(stats.Nodes))

	return &pb.GetStatusResponse{
		NodeID:        s.node.GetNodeID().String(),
		IsLeader:      s.node.IsLeader(),
		LeaderAddress: s.node.GetLeader(),
		ClusterSize:   int32(s.node.GetClusterSize()),
		State:         s.node.GetState().String(),
		AppliedIndex:  s.node.GetAppliedIndex(),
		Stats: &pb.Stats{
			Nodes:      int32(stats.Nodes),
			Sessions:   int32(stats.Sessions),
			Ephemerals: int32(stats.Ephemerals),
			Watches:    int32(stats.Watches),
		},
	}, nil
}

func (s *Server) Join(ctx context.Context, req *pb.JoinRequest) (*pb.JoinResponse, error) {
	if err := s.requireLeader(); err != nil {
		return nil, err
	}
	if req.NodeID == "" || req.Addr == "" {
		return nil, status.Error(codes.InvalidArgument, "node_id and addr are required")
	}

	if err := s.node.Join(req.NodeID, req.Addr); err != nil {
		if errors.Is(err, types.ErrNotLeader) {
			return nil, notLeaderError(s.node.GetLeader())
		}
		return nil, toGRPCError(err)
	}
	return &pb.JoinResponse{}, nil
}
