package license

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type countingOpener struct {
	calls atomic.Int32
	urls  chan string
	err   error
}

func newCountingOpener(err error) *countingOpener {
	return &countingOpener{urls: make(chan string, 8), err: err}
}

func (o *countingOpener) OpenBrowser(_ context.Context, url string) error {
	o.calls.Add(1)
	o.urls <- url
	return o.err
}

type activatorFixture struct {
	activator *Activator
	client    *MockServiceClient
	store     *MemoryStore
	opener    *countingOpener
	sink      *RecordingSink
	completed atomic.Int32
}

func newActivatorFixture(t *testing.T, opts ...func(*ActivatorConfig)) *activatorFixture {
	t.Helper()
	f := &activatorFixture{
		client: &MockServiceClient{},
		store:  NewMemoryStore(nil),
		opener: newCountingOpener(nil),
		sink:   &RecordingSink{},
	}
	cfg := ActivatorConfig{
		Store:           f.store,
		Client:          f.client,
		Opener:          f.opener,
		PollInterval:    time.Millisecond,
		DeviceTokenPath: filepath.Join(t.TempDir(), DefaultDeviceTokenFile),
		OnComplete:      func(*License) { f.completed.Add(1) },
		Now:             fixedNow,
		Logger:          discardLogger(),
		Events:          f.sink,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.activator = NewActivator(cfg)
	return f
}

var testRequest = &ActivationRequest{BrowserURL: "https://licensing.example.com/activate/abc", CorrelationID: "abc"}

func TestStartActivation_PollsUntilLicense(t *testing.T) {
	f := newActivatorFixture(t)
	issued := onlineLicense()
	issued.ActivationMethod = ""

	f.client.On("RequestActivation", mock.Anything).Return(testRequest, nil).Once()
	f.client.On("GetRequestedActivation", mock.Anything, testRequest).Return(nil, nil).Times(3)
	f.client.On("GetRequestedActivation", mock.Anything, testRequest).Return(issued, nil).Once()

	lic, err := f.activator.StartActivation(context.Background())

	require.NoError(t, err)
	require.NotNil(t, lic)
	assert.Equal(t, ActivationOnline, lic.ActivationMethod)

	f.client.AssertNumberOfCalls(t, "GetRequestedActivation", 4)
	require.Equal(t, 1, f.store.StoreCount())
	assert.Equal(t, issued.ID, f.store.Stores[0].ID)
	assert.Equal(t, int32(1), f.opener.calls.Load())
	assert.Equal(t, testRequest.BrowserURL, <-f.opener.urls)
	assert.Equal(t, int32(1), f.completed.Load())
	assert.Equal(t, []EventType{EventBrowserURL, EventActivationComplete}, f.sink.Types())
}

func TestStartActivation_RequestFailure(t *testing.T) {
	f := newActivatorFixture(t)
	f.client.On("RequestActivation", mock.Anything).Return(nil, errors.New("seat limit reached"))

	lic, err := f.activator.StartActivation(context.Background())

	require.Error(t, err)
	assert.Nil(t, lic)
	assert.Equal(t, KindActivationRequestFailed, KindOf(err))
	assert.Equal(t, int32(0), f.opener.calls.Load())
	f.client.AssertNotCalled(t, "GetRequestedActivation", mock.Anything, mock.Anything)
	assert.Equal(t, 0, f.store.StoreCount())
	assert.Equal(t, []EventType{EventActivationFailed}, f.sink.Types())
}

func TestStartActivation_OpenerFailureKeepsPolling(t *testing.T) {
	f := newActivatorFixture(t)
	f.opener.err = errors.New("no display")
	f.client.On("RequestActivation", mock.Anything).Return(testRequest, nil)
	f.client.On("GetRequestedActivation", mock.Anything, testRequest).Return(onlineLicense(), nil).Once()

	_, err := f.activator.StartActivation(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, f.store.StoreCount())
}

func TestStartActivation_TransientPollErrorsAreRetried(t *testing.T) {
	f := newActivatorFixture(t)
	f.client.On("RequestActivation", mock.Anything).Return(testRequest, nil)
	f.client.On("GetRequestedActivation", mock.Anything, testRequest).
		Return(nil, NewError(KindTransient, "poll", errors.New("timeout"))).Twice()
	f.client.On("GetRequestedActivation", mock.Anything, testRequest).Return(onlineLicense(), nil).Once()

	_, err := f.activator.StartActivation(context.Background())

	require.NoError(t, err)
	f.client.AssertNumberOfCalls(t, "GetRequestedActivation", 3)
}

func TestStartActivation_TerminalPollError(t *testing.T) {
	f := newActivatorFixture(t)
	f.client.On("RequestActivation", mock.Anything).Return(testRequest, nil)
	f.client.On("GetRequestedActivation", mock.Anything, testRequest).Return(nil, errors.New("request expired"))

	_, err := f.activator.StartActivation(context.Background())

	require.Error(t, err)
	assert.Equal(t, KindActivationRequestFailed, KindOf(err))
	assert.Equal(t, 0, f.store.StoreCount())
	assert.Equal(t, int32(0), f.completed.Load())
}

func TestStartActivation_CancelStopsPolling(t *testing.T) {
	f := newActivatorFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var polls atomic.Int32
	f.client.On("RequestActivation", mock.Anything).Return(testRequest, nil)
	f.client.On("GetRequestedActivation", mock.Anything, testRequest).
		Run(func(mock.Arguments) {
			if polls.Add(1) == 3 {
				cancel()
			}
		}).
		Return(nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := f.activator.StartActivation(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("polling loop did not stop after cancellation")
	}

	stopped := polls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, polls.Load(), "no polls after cancellation")
	assert.Equal(t, 0, f.store.StoreCount())
	assert.NotContains(t, f.sink.Types(), EventActivationComplete)
}

func TestStartActivation_PollTimeout(t *testing.T) {
	f := newActivatorFixture(t, func(cfg *ActivatorConfig) {
		cfg.PollTimeout = 20 * time.Millisecond
	})
	f.client.On("RequestActivation", mock.Anything).Return(testRequest, nil)
	f.client.On("GetRequestedActivation", mock.Anything, testRequest).Return(nil, nil)

	_, err := f.activator.StartActivation(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsCancelled(err))
}

func TestStartActivation_StoreFailureDoesNotComplete(t *testing.T) {
	f := newActivatorFixture(t)
	f.store.StoreErr = errors.New("disk full")
	f.client.On("RequestActivation", mock.Anything).Return(testRequest, nil)
	f.client.On("GetRequestedActivation", mock.Anything, testRequest).Return(onlineLicense(), nil)

	_, err := f.activator.StartActivation(context.Background())

	require.Error(t, err)
	assert.Equal(t, KindStorage, KindOf(err))
	assert.Equal(t, int32(0), f.completed.Load())
	assert.NotContains(t, f.sink.Types(), EventActivationComplete)
}

func TestGenerateDeviceToken_Overwrites(t *testing.T) {
	f := newActivatorFixture(t)
	f.client.On("GenerateDeviceToken", mock.Anything).Return(DeviceToken("first-token"), nil).Once()
	f.client.On("GenerateDeviceToken", mock.Anything).Return(DeviceToken("second-token"), nil).Once()

	path1, err := f.activator.GenerateDeviceToken(context.Background())
	require.NoError(t, err)
	data, err := os.ReadFile(path1)
	require.NoError(t, err)
	assert.Equal(t, "first-token", string(data))

	path2, err := f.activator.GenerateDeviceToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, path1, path2)
	data, err = os.ReadFile(path2)
	require.NoError(t, err)
	assert.Equal(t, "second-token", string(data))

	entries, err := os.ReadDir(filepath.Dir(path2))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, 0, f.store.StoreCount())
}

func TestGenerateDeviceToken_Failures(t *testing.T) {
	t.Run("client error", func(t *testing.T) {
		f := newActivatorFixture(t)
		f.client.On("GenerateDeviceToken", mock.Anything).Return(nil, errors.New("no network interface"))

		_, err := f.activator.GenerateDeviceToken(context.Background())

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDeviceToken)
	})

	t.Run("write error", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "not-a-dir")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
		f := newActivatorFixture(t, func(cfg *ActivatorConfig) {
			cfg.DeviceTokenPath = filepath.Join(blocker, DefaultDeviceTokenFile)
		})
		f.client.On("GenerateDeviceToken", mock.Anything).Return(DeviceToken("token"), nil)

		_, err := f.activator.GenerateDeviceToken(context.Background())

		require.Error(t, err)
		assert.Equal(t, KindDeviceToken, KindOf(err))
	})
}

func TestSelectAndActivate(t *testing.T) {
	t.Run("stores offline license", func(t *testing.T) {
		f := newActivatorFixture(t)
		parsed := offlineLicense()
		parsed.ActivationMethod = ""
		f.client.On("ParseLicenseToken", []byte("signed")).Return(parsed, nil)

		lic, err := f.activator.SelectAndActivate(context.Background(), []byte("signed"))

		require.NoError(t, err)
		assert.Equal(t, ActivationOffline, lic.ActivationMethod)
		require.Equal(t, 1, f.store.StoreCount())
		assert.Equal(t, ActivationOffline, f.store.Current().ActivationMethod)
		assert.Equal(t, int32(1), f.completed.Load())
		f.client.AssertNotCalled(t, "ValidateLicense", mock.Anything, mock.Anything)
		f.client.AssertNotCalled(t, "RequestActivation", mock.Anything)
	})

	t.Run("expired token is rejected before storing", func(t *testing.T) {
		f := newActivatorFixture(t)
		parsed := offlineLicense()
		parsed.ID = "L1"
		parsed.ExpiresAt = timePtr(testNow.Add(-24 * time.Hour))
		f.client.On("ParseLicenseToken", mock.Anything).Return(parsed, nil)

		lic, err := f.activator.SelectAndActivate(context.Background(), []byte("signed"))

		require.Error(t, err)
		assert.Nil(t, lic)
		assert.Equal(t, KindInvalidLicenseToken, KindOf(err))
		assert.ErrorIs(t, err, ErrLicenseExpired)
		assert.Equal(t, 0, f.store.StoreCount())
		assert.Equal(t, int32(0), f.completed.Load())
		assert.Equal(t, []EventType{EventActivationFailed}, f.sink.Types())
	})

	t.Run("bad signature", func(t *testing.T) {
		f := newActivatorFixture(t)
		f.client.On("ParseLicenseToken", mock.Anything).Return(nil, errors.New("signature mismatch"))

		_, err := f.activator.SelectAndActivate(context.Background(), []byte("tampered"))

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidLicenseToken)
		assert.Equal(t, 0, f.store.StoreCount())
	})

	t.Run("empty input", func(t *testing.T) {
		f := newActivatorFixture(t)

		_, err := f.activator.SelectAndActivate(context.Background(), nil)

		require.Error(t, err)
		assert.Equal(t, KindInvalidLicenseToken, KindOf(err))
		f.client.AssertNotCalled(t, "ParseLicenseToken", mock.Anything)
	})
}
