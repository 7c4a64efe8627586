// Package mocks holds testify/mock doubles for the engine's collaborator
// interfaces (internal/collaborators), grounded on the teacher's
// internal/mocks package: one mock.Mock-embedding struct per interface, the
// same Called()-and-type-assert body shape as MockAuthClient/MockDB/
// MockCrawler.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/bluebandedbee/updateclient/internal/collaborators"
	"github.com/bluebandedbee/updateclient/internal/component"
)

// MockUpdateChecker is a mock implementation of collaborators.UpdateChecker.
type MockUpdateChecker struct {
	mock.Mock
}

func (m *MockUpdateChecker) Check(ctx context.Context, ids []string, components map[string]*component.CrxComponent, extraAttrs map[string]string) (*collaborators.Results, collaborators.CheckError, int, int, error) {
	args := m.Called(ctx, ids, components, extraAttrs)
	var results *collaborators.Results
	if v := args.Get(0); v != nil {
		results = v.(*collaborators.Results)
	}
	return results, args.Get(1).(collaborators.CheckError), args.Int(2), args.Int(3), args.Error(4)
}

// MockCrxDownloader is a mock implementation of collaborators.CrxDownloader.
type MockCrxDownloader struct {
	mock.Mock
}

func (m *MockCrxDownloader) StartDownload(ctx context.Context, url string, onProgress collaborators.DownloadProgressFunc, onComplete collaborators.DownloadCompleteFunc) collaborators.CancelFunc {
	args := m.Called(ctx, url, onProgress, onComplete)
	if v := args.Get(0); v != nil {
		return v.(collaborators.CancelFunc)
	}
	return func() {}
}

// MockUnpacker is a mock implementation of collaborators.Unpacker.
type MockUnpacker struct {
	mock.Mock
}

func (m *MockUnpacker) Unpack(ctx context.Context, archivePath, pkHash string, formatRequirement int) (collaborators.UnpackResult, error) {
	args := m.Called(ctx, archivePath, pkHash, formatRequirement)
	return args.Get(0).(collaborators.UnpackResult), args.Error(1)
}

// MockPatcher is a mock implementation of collaborators.Patcher.
type MockPatcher struct {
	mock.Mock
}

func (m *MockPatcher) Patch(ctx context.Context, previousArtifactPath, patchPath, outputPath string) (collaborators.PatchResult, error) {
	args := m.Called(ctx, previousArtifactPath, patchPath, outputPath)
	return args.Get(0).(collaborators.PatchResult), args.Error(1)
}

// MockInstaller is a mock implementation of collaborators.Installer.
type MockInstaller struct {
	mock.Mock
}

func (m *MockInstaller) Install(ctx context.Context, unpackedPath, pkHash string, params *collaborators.InstallParams, onProgress collaborators.InstallProgressFunc) (collaborators.InstallResult, error) {
	args := m.Called(ctx, unpackedPath, pkHash, params, onProgress)
	return args.Get(0).(collaborators.InstallResult), args.Error(1)
}

// MockPersistedData is a mock implementation of collaborators.PersistedData.
type MockPersistedData struct {
	mock.Mock
}

func (m *MockPersistedData) GetVersionAndFingerprint(ctx context.Context, id string) (string, string, bool, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.String(1), args.Bool(2), args.Error(3)
}

func (m *MockPersistedData) SetVersionAndFingerprint(ctx context.Context, id, version, fingerprint string) error {
	args := m.Called(ctx, id, version, fingerprint)
	return args.Error(0)
}

// MockPingManager is a mock implementation of collaborators.PingManager.
type MockPingManager struct {
	mock.Mock
}

func (m *MockPingManager) SendPing(ctx context.Context, sessionID string, events map[string][]component.Event) error {
	args := m.Called(ctx, sessionID, events)
	return args.Error(0)
}
