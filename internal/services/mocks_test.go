package services

import (
	"context"

	"github.com/groupmarket/backend/internal/agent"
	"github.com/groupmarket/backend/internal/models"
	"github.com/stretchr/testify/mock"
)

type MockAgent struct {
	mock.Mock
}

func (m *MockAgent) Authenticate(ctx context.Context, creds agent.Credentials) (*agent.AuthResult, error) {
	args := m.Called(ctx, creds)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*agent.AuthResult), args.Error(1)
}

func (m *MockAgent) GroupInfo(ctx context.Context, session agent.SessionRef, groupID int64) (*models.GroupInfo, error) {
	args := m.Called(ctx, session, groupID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.GroupInfo), args.Error(1)
}

func (m *MockAgent) VerifyMembership(ctx context.Context, session agent.SessionRef, groupID, userID int64) (bool, error) {
	args := m.Called(ctx, session, groupID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockAgent) TransferOwnership(ctx context.Context, session agent.SessionRef, groupID, newOwnerID int64) (*agent.TransferResult, error) {
	args := m.Called(ctx, session, groupID, newOwnerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*agent.TransferResult), args.Error(1)
}

func (m *MockAgent) HealthCheck(ctx context.Context, session agent.SessionRef) (agent.HealthState, error) {
	args := m.Called(ctx, session)
	return args.Get(0).(agent.HealthState), args.Error(1)
}

type MockInspector struct {
	mock.Mock
}

func (m *MockInspector) OpenAny(ctx context.Context) (agent.SessionRef, error) {
	args := m.Called(ctx)
	return args.Get(0).(agent.SessionRef), args.Error(1)
}
