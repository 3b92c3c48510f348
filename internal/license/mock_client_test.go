package license

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockServiceClient implements ServiceClient for testing
type MockServiceClient struct {
	mock.Mock
}

func (m *MockServiceClient) RequestActivation(ctx context.Context) (*ActivationRequest, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ActivationRequest), args.Error(1)
}

func (m *MockServiceClient) GetRequestedActivation(ctx context.Context, req *ActivationRequest) (*License, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*License).Clone(), args.Error(1)
}

func (m *MockServiceClient) ValidateLicense(ctx context.Context, l *License) (*License, error) {
	args := m.Called(ctx, l)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*License).Clone(), args.Error(1)
}

func (m *MockServiceClient) GenerateDeviceToken(ctx context.Context) (DeviceToken, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(DeviceToken), args.Error(1)
}

func (m *MockServiceClient) ParseLicenseToken(token []byte) (*License, error) {
	args := m.Called(token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*License).Clone(), args.Error(1)
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func timePtr(t time.Time) *time.Time { return &t }

func onlineLicense() *License {
	return &License{
		ID:               "lic-online-0001",
		ActivationMethod: ActivationOnline,
		IssuedTo:         Licensee{Name: "Ada", Email: "ada@example.com"},
		Product:          Product{ID: "prod-1", Name: "Gadget"},
		ExpiresAt:        timePtr(testNow.Add(30 * 24 * time.Hour)),
		Token:            "online-token",
	}
}

func offlineLicense() *License {
	return &License{
		ID:               "lic-offline-0001",
		ActivationMethod: ActivationOffline,
		IssuedTo:         Licensee{Name: "Ada", Email: "ada@example.com"},
		Product:          Product{ID: "prod-1", Name: "Gadget"},
		ExpiresAt:        timePtr(testNow.Add(30 * 24 * time.Hour)),
		Token:            "offline-token",
	}
}
