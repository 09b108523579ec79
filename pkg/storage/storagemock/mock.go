package storagemock

import (
	"context"

	"github.com/redsync/redsync/pkg/storage"
	"github.com/redsync/redsync/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context) (types.Settings, int, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) GetToken(ctx context.Context) (types.Token, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.Token), args.Error(1)
	}
	return types.Token{}, nil
}

func (m *MockDatabase) SetToken(ctx context.Context, token types.Token) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockDatabase) DeleteToken(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDatabase) GetSnapshots(ctx context.Context) (map[string]types.UsageSnapshot, error) {
	args := m.Called(ctx)
	val := args.Get(0)
	if val == nil {
		return nil, args.Error(1)
	}
	return val.(map[string]types.UsageSnapshot), args.Error(1)
}

func (m *MockDatabase) SetSnapshots(ctx context.Context, snapshots map[string]types.UsageSnapshot) error {
	args := m.Called(ctx, snapshots)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
