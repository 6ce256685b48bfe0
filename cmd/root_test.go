package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/travel-routes/internal/pipeline"
)

// MockApp mocks the App interface.
type MockApp struct {
	mock.Mock
}

func (m *MockApp) Serve(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockApp) Sync(ctx context.Context) (pipeline.Report, error) {
	args := m.Called(ctx)
	return args.Get(0).(pipeline.Report), args.Error(1)
}

func (m *MockApp) Logger() *zap.Logger {
	return zap.NewNop()
}

func (m *MockApp) Close() {
	m.Called()
}

// Tests below swap the package-level factory, so they do not run in parallel.
func withApp(t *testing.T, a App, err error) {
	t.Helper()
	orig := newApp
	newApp = func(context.Context, string) (App, error) { return a, err }
	t.Cleanup(func() { newApp = orig })
}

func TestSyncCommandPrintsReport(t *testing.T) {
	mockApp := &MockApp{}
	mockApp.On("Sync", mock.Anything).Return(pipeline.Report{Outcome: pipeline.OutcomeSuccess, Upserted: 12}, nil)
	mockApp.On("Close").Return()
	withApp(t, mockApp, nil)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"sync"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	var report pipeline.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.Equal(t, 12, report.Upserted)
	mockApp.AssertExpectations(t)
}

func TestSyncCommandFailure(t *testing.T) {
	mockApp := &MockApp{}
	mockApp.On("Sync", mock.Anything).Return(pipeline.Report{Outcome: pipeline.OutcomeFailed}, errors.New("fetch failed"))
	mockApp.On("Close").Return()
	withApp(t, mockApp, nil)

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"sync"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "fetch failed")
	mockApp.AssertCalled(t, "Close")
}

func TestServeCommandRunsServer(t *testing.T) {
	mockApp := &MockApp{}
	mockApp.On("Serve", mock.Anything).Return(nil)
	mockApp.On("Close").Return()
	withApp(t, mockApp, nil)

	root := newRootCmd()
	root.SetArgs([]string{"serve"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	mockApp.AssertExpectations(t)
}

func TestRootCommandInitFailure(t *testing.T) {
	withApp(t, nil, errors.New("bad config"))

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"sync"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "failed to initialize application services")
}
