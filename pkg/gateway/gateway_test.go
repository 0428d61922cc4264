package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	pb "github.com/pixperk/turnstile/api/v1"
	"github.com/pixperk/turnstile/pkg/lock"
	"github.com/pixperk/turnstile/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeBackend struct {
	children map[string][]string
	data     map[string][]byte
}

func (f *fakeBackend) GetStatus(context.Context, *pb.GetStatusRequest) (*pb.GetStatusResponse, error) {
	return &pb.GetStatusResponse{NodeID: "n1", IsLeader: true, ClusterSize: 3, State: "Leader", Stats: &pb.Stats{Nodes: 4}}, nil
}

func (f *fakeBackend) Children(_ context.Context, req *pb.ChildrenRequest) (*pb.ChildrenResponse, error) {
	kids, ok := f.children[req.Path]
	if !ok {
		return nil, status.Error(codes.NotFound, types.ErrNoNode.Error())
	}
	return &pb.ChildrenResponse{Children: kids}, nil
}

func (f *fakeBackend) SetData(_ context.Context, req *pb.SetDataRequest) (*pb.SetDataResponse, error) {
	if _, ok := f.data[req.Path]; !ok {
		return nil, status.Error(codes.NotFound, types.ErrNoNode.Error())
	}
	f.data[req.Path] = req.Data
	return &pb.SetDataResponse{Version: 1}, nil
}

func newTestGateway() (*fakeBackend, http.Handler) {
	backend := &fakeBackend{
		children: map[string][]string{"/locks": {"lock-0000000001", "lock-0000000000"}},
		data:     map[string][]byte{"/locks/lock-0000000000": nil},
	}
	return backend, NewServer("127.0.0.1:0", backend, nil).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	_, h := newTestGateway()
	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	_, h := newTestGateway()
	rec := do(t, h, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp pb.GetStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "n1", resp.NodeID)
	assert.True(t, resp.IsLeader)
	assert.Equal(t, int32(4), resp.Stats.Nodes)
}

func TestChildren(t *testing.T) {
	_, h := newTestGateway()

	rec := do(t, h, http.MethodGet, "/v1/children?path=/locks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp pb.ChildrenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Children, 2)

	rec = do(t, h, http.MethodGet, "/v1/children?path=/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), types.ErrNoNode.Error())

	rec = do(t, h, http.MethodGet, "/v1/children", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevoke(t *testing.T) {
	backend, h := newTestGateway()

	rec := do(t, h, http.MethodPost, "/v1/revoke", `{"path":"/locks/lock-0000000000"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []byte(lock.RevokeMessage), backend.data["/locks/lock-0000000000"])

	rec = do(t, h, http.MethodPost, "/v1/revoke", `{"path":"/locks/gone"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/revoke", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetrics(t *testing.T) {
	_, h := newTestGateway()
	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "turnstile_up")
}
