package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bluebandedbee/updateclient/internal/collaborators"
	"github.com/bluebandedbee/updateclient/internal/component"
	"github.com/bluebandedbee/updateclient/internal/mocks"
	"github.com/bluebandedbee/updateclient/internal/taskrunner"
	"github.com/bluebandedbee/updateclient/internal/updatecontext"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	runner := taskrunner.New(16)
	t.Cleanup(func() { runner.Stop(0) })
	return New(runner)
}

func collectItems() (func(item *component.CrxUpdateItem), func() []*component.CrxUpdateItem) {
	var mu sync.Mutex
	var items []*component.CrxUpdateItem
	emit := func(item *component.CrxUpdateItem) {
		mu.Lock()
		defer mu.Unlock()
		items = append(items, item)
	}
	get := func() []*component.CrxUpdateItem {
		mu.Lock()
		defer mu.Unlock()
		return append([]*component.CrxUpdateItem(nil), items...)
	}
	return emit, get
}

func dataCBFor(ccs map[string]*component.CrxComponent) DataCallback {
	return func(ctx context.Context, ids []string) ([]*component.CrxComponent, error) {
		out := make([]*component.CrxComponent, len(ids))
		for i, id := range ids {
			out[i] = ccs[id]
		}
		return out, nil
	}
}

func TestRunBatchDataCallbackError(t *testing.T) {
	e := newTestEngine(t)
	uctx := updatecontext.New([]string{"abc"}, updatecontext.RequestMetadata{}, updatecontext.Collaborators{})
	emit, _ := collectItems()

	failing := func(ctx context.Context, ids []string) ([]*component.CrxComponent, error) {
		return nil, errors.New("boom")
	}

	out := e.RunBatch(context.Background(), uctx, failing, false, emit)
	assert.Equal(t, component.CompletionBadCrxDataCallback, out.Completion)
}

func TestRunBatchDataCallbackMismatchedLength(t *testing.T) {
	e := newTestEngine(t)
	uctx := updatecontext.New([]string{"abc", "def"}, updatecontext.RequestMetadata{}, updatecontext.Collaborators{})
	emit, _ := collectItems()

	short := func(ctx context.Context, ids []string) ([]*component.CrxComponent, error) {
		return []*component.CrxComponent{{AppID: "abc"}}, nil
	}

	out := e.RunBatch(context.Background(), uctx, short, false, emit)
	assert.Equal(t, component.CompletionBadCrxDataCallback, out.Completion)
}

func TestRunBatchUnresolvedIDBecomesCRXNotFound(t *testing.T) {
	e := newTestEngine(t)
	uctx := updatecontext.New([]string{"abc"}, updatecontext.RequestMetadata{}, updatecontext.Collaborators{})
	emit, get := collectItems()

	out := e.RunBatch(context.Background(), uctx, dataCBFor(nil), false, emit)

	assert.Equal(t, component.CompletionNone, out.Completion)
	items := get()
	require.NotEmpty(t, items)
	last := items[len(items)-1]
	assert.Equal(t, component.StateUpdateError, last.State)
	assert.Equal(t, component.ServiceCRXNotFound, last.ErrorCode)
}

func TestRunBatchNoCheckerYieldsUpdateCheckError(t *testing.T) {
	e := newTestEngine(t)
	cc := &component.CrxComponent{AppID: "abc", Version: "1.0.0", UpdatesEnabled: true}
	uctx := updatecontext.New([]string{"abc"}, updatecontext.RequestMetadata{}, updatecontext.Collaborators{})
	emit, _ := collectItems()

	out := e.RunBatch(context.Background(), uctx, dataCBFor(map[string]*component.CrxComponent{"abc": cc}), false, emit)
	assert.Equal(t, component.CompletionUpdateCheckError, out.Completion)
}

func TestRunBatchNoUpdateAvailable(t *testing.T) {
	e := newTestEngine(t)
	checker := &mocks.MockUpdateChecker{}
	checker.On("Check", mock.Anything, []string{"abc"}, mock.Anything, mock.Anything).
		Return(&collaborators.Results{List: []collaborators.Result{
			{ExtensionID: "abc", Status: "noupdate"},
		}}, collaborators.CheckErrorNone, 0, 0, nil)

	cc := &component.CrxComponent{AppID: "abc", Version: "1.0.0", UpdatesEnabled: true}
	uctx := updatecontext.New([]string{"abc"}, updatecontext.RequestMetadata{}, updatecontext.Collaborators{Checker: checker})
	emit, get := collectItems()

	out := e.RunBatch(context.Background(), uctx, dataCBFor(map[string]*component.CrxComponent{"abc": cc}), false, emit)

	assert.Equal(t, component.CompletionNone, out.Completion)
	items := get()
	last := items[len(items)-1]
	assert.Equal(t, component.StateUpToDate, last.State)
	checker.AssertExpectations(t)
}

func TestRunBatchCheckOnlyStopsAtCanUpdate(t *testing.T) {
	e := newTestEngine(t)
	checker := &mocks.MockUpdateChecker{}
	checker.On("Check", mock.Anything, []string{"abc"}, mock.Anything, mock.Anything).
		Return(&collaborators.Results{List: []collaborators.Result{
			{
				ExtensionID: "abc",
				Status:      "ok",
				CrxURLs:     []string{"https://example.com/abc.crx"},
				Manifest:    collaborators.Manifest{Version: "2.0.0"},
			},
		}}, collaborators.CheckErrorNone, 0, 0, nil)
	downloader := &mocks.MockCrxDownloader{}

	cc := &component.CrxComponent{AppID: "abc", Version: "1.0.0", UpdatesEnabled: true}
	uctx := updatecontext.New([]string{"abc"}, updatecontext.RequestMetadata{}, updatecontext.Collaborators{
		Checker:    checker,
		Downloader: downloader,
	})
	emit, get := collectItems()

	out := e.RunBatch(context.Background(), uctx, dataCBFor(map[string]*component.CrxComponent{"abc": cc}), true, emit)

	assert.Equal(t, component.CompletionNone, out.Completion)
	last := get()[len(get())-1]
	assert.Equal(t, component.StateCanUpdate, last.State)
	downloader.AssertNotCalled(t, "StartDownload", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunBatchFullUpdateSucceeds(t *testing.T) {
	e := newTestEngine(t)
	checker := &mocks.MockUpdateChecker{}
	checker.On("Check", mock.Anything, []string{"abc"}, mock.Anything, mock.Anything).
		Return(&collaborators.Results{List: []collaborators.Result{
			{
				ExtensionID: "abc",
				Status:      "ok",
				CrxURLs:     []string{"https://example.com/abc.crx"},
				Manifest:    collaborators.Manifest{Version: "2.0.0"},
			},
		}}, collaborators.CheckErrorNone, 0, 0, nil)

	downloader := &mocks.MockCrxDownloader{}
	downloader.On("StartDownload", mock.Anything, "https://example.com/abc.crx", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			onComplete := args.Get(3).(collaborators.DownloadCompleteFunc)
			onComplete(true, collaborators.DownloadResult{ResponsePath: "/tmp/abc-full.crx"}, collaborators.DownloadMetrics{})
		}).
		Return(collaborators.CancelFunc(nil))

	unpacker := &mocks.MockUnpacker{}
	unpacker.On("Unpack", mock.Anything, "/tmp/abc-full.crx", "", 0).
		Return(collaborators.UnpackResult{OK: true, UnpackedPath: t.TempDir()}, nil)

	installer := &mocks.MockInstaller{}
	installer.On("Install", mock.Anything, mock.Anything, "", mock.Anything, mock.Anything).
		Return(collaborators.InstallResult{Category: component.ErrorCategoryNone}, nil)

	persisted := &mocks.MockPersistedData{}
	persisted.On("GetVersionAndFingerprint", mock.Anything, "abc").Return("1.0.0", "", true, nil)
	persisted.On("SetVersionAndFingerprint", mock.Anything, "abc", "2.0.0", "").Return(nil)

	pinger := &mocks.MockPingManager{}
	pinger.On("SendPing", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	cc := &component.CrxComponent{AppID: "abc", Version: "1.0.0", UpdatesEnabled: true}
	uctx := updatecontext.New([]string{"abc"}, updatecontext.RequestMetadata{}, updatecontext.Collaborators{
		Checker:    checker,
		Downloader: downloader,
		Unpacker:   unpacker,
		Installer:  installer,
		Persisted:  persisted,
		Pinger:     pinger,
	})
	emit, get := collectItems()

	out := e.RunBatch(context.Background(), uctx, dataCBFor(map[string]*component.CrxComponent{"abc": cc}), false, emit)

	assert.Equal(t, component.CompletionNone, out.Completion)
	items := get()
	last := items[len(items)-1]
	assert.Equal(t, component.StateUpdated, last.State)

	checker.AssertExpectations(t)
	downloader.AssertExpectations(t)
	unpacker.AssertExpectations(t)
	installer.AssertExpectations(t)
	persisted.AssertExpectations(t)
	pinger.AssertExpectations(t)
}

func TestRunBatchDiskGateRejectsFullDownload(t *testing.T) {
	e := newTestEngine(t)
	checker := &mocks.MockUpdateChecker{}
	checker.On("Check", mock.Anything, []string{"abc"}, mock.Anything, mock.Anything).
		Return(&collaborators.Results{List: []collaborators.Result{
			{
				ExtensionID: "abc",
				Status:      "ok",
				CrxURLs:     []string{"https://example.com/abc.crx"},
				Manifest:    collaborators.Manifest{Version: "2.0.0", Packages: []collaborators.Package{{Size: 1_000_000_000}}},
			},
		}}, collaborators.CheckErrorNone, 0, 0, nil)

	downloader := &mocks.MockCrxDownloader{}

	cc := &component.CrxComponent{AppID: "abc", Version: "1.0.0", UpdatesEnabled: true}
	uctx := updatecontext.New([]string{"abc"}, updatecontext.RequestMetadata{}, updatecontext.Collaborators{
		Checker:        checker,
		Downloader:     downloader,
		AvailableSpace: func(path string) (int64, error) { return 10, nil },
	})
	emit, get := collectItems()

	out := e.RunBatch(context.Background(), uctx, dataCBFor(map[string]*component.CrxComponent{"abc": cc}), false, emit)

	assert.Equal(t, component.CompletionNone, out.Completion)
	last := get()[len(get())-1]
	assert.Equal(t, component.StateUpdateError, last.State)
	assert.Equal(t, component.DownloadDiskFull, last.ErrorCode)
	downloader.AssertNotCalled(t, "StartDownload", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunBatchExhaustedDownloadURLsYieldsUpdateError(t *testing.T) {
	e := newTestEngine(t)
	checker := &mocks.MockUpdateChecker{}
	checker.On("Check", mock.Anything, []string{"abc"}, mock.Anything, mock.Anything).
		Return(&collaborators.Results{List: []collaborators.Result{
			{
				ExtensionID: "abc",
				Status:      "ok",
				CrxURLs:     []string{"https://example.com/abc.crx"},
				Manifest:    collaborators.Manifest{Version: "2.0.0"},
			},
		}}, collaborators.CheckErrorNone, 0, 0, nil)

	downloader := &mocks.MockCrxDownloader{}
	downloader.On("StartDownload", mock.Anything, "https://example.com/abc.crx", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			onComplete := args.Get(3).(collaborators.DownloadCompleteFunc)
			onComplete(true, collaborators.DownloadResult{Error: 7}, collaborators.DownloadMetrics{})
		}).
		Return(collaborators.CancelFunc(nil))

	cc := &component.CrxComponent{AppID: "abc", Version: "1.0.0", UpdatesEnabled: true}
	uctx := updatecontext.New([]string{"abc"}, updatecontext.RequestMetadata{}, updatecontext.Collaborators{
		Checker:    checker,
		Downloader: downloader,
	})
	emit, get := collectItems()

	out := e.RunBatch(context.Background(), uctx, dataCBFor(map[string]*component.CrxComponent{"abc": cc}), false, emit)

	assert.Equal(t, component.CompletionNone, out.Completion)
	last := get()[len(get())-1]
	assert.Equal(t, component.StateUpdateError, last.State)
	assert.Equal(t, component.ErrorCategoryDownload, last.ErrorCategory)
	assert.Equal(t, 7, last.ErrorCode)
}

func TestRunBatchUnknownApplicationError(t *testing.T) {
	e := newTestEngine(t)
	checker := &mocks.MockUpdateChecker{}
	checker.On("Check", mock.Anything, []string{"abc"}, mock.Anything, mock.Anything).
		Return(&collaborators.Results{List: []collaborators.Result{
			{ExtensionID: "abc", Status: "error-unknownApplication"},
		}}, collaborators.CheckErrorNone, 0, 0, nil)

	cc := &component.CrxComponent{AppID: "abc", Version: "1.0.0", UpdatesEnabled: true}
	uctx := updatecontext.New([]string{"abc"}, updatecontext.RequestMetadata{}, updatecontext.Collaborators{Checker: checker})
	emit, get := collectItems()

	out := e.RunBatch(context.Background(), uctx, dataCBFor(map[string]*component.CrxComponent{"abc": cc}), false, emit)

	assert.Equal(t, component.CompletionNone, out.Completion)
	last := get()[len(get())-1]
	assert.Equal(t, component.ServiceUnknownApplication, last.ErrorCode)
}

func TestRunBatchUpdatesDisabledRejectsServerOK(t *testing.T) {
	e := newTestEngine(t)
	checker := &mocks.MockUpdateChecker{}
	checker.On("Check", mock.Anything, []string{"abc"}, mock.Anything, mock.Anything).
		Return(&collaborators.Results{List: []collaborators.Result{
			{
				ExtensionID: "abc",
				Status:      "ok",
				CrxURLs:     []string{"https://example.com/abc.crx"},
				Manifest:    collaborators.Manifest{Version: "2.0.0"},
			},
		}}, collaborators.CheckErrorNone, 0, 0, nil)
	downloader := &mocks.MockCrxDownloader{}

	cc := &component.CrxComponent{AppID: "abc", Version: "1.0.0", UpdatesEnabled: false}
	uctx := updatecontext.New([]string{"abc"}, updatecontext.RequestMetadata{}, updatecontext.Collaborators{
		Checker:    checker,
		Downloader: downloader,
	})
	emit, get := collectItems()

	out := e.RunBatch(context.Background(), uctx, dataCBFor(map[string]*component.CrxComponent{"abc": cc}), false, emit)

	assert.Equal(t, component.CompletionNone, out.Completion)
	last := get()[len(get())-1]
	assert.Equal(t, component.StateUpdateError, last.State)
	assert.Equal(t, component.ErrorCategoryService, last.ErrorCategory)
	assert.Equal(t, component.ServiceUpdateDisabled, last.ErrorCode)
	downloader.AssertNotCalled(t, "StartDownload", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunBatchExecutesComponentsSeriallyInIDOrder(t *testing.T) {
	e := newTestEngine(t)
	checker := &mocks.MockUpdateChecker{}
	checker.On("Check", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&collaborators.Results{List: []collaborators.Result{
			{ExtensionID: "abc", Status: "ok", CrxURLs: []string{"https://example.com/abc.crx"}, Manifest: collaborators.Manifest{Version: "2.0.0"}},
			{ExtensionID: "def", Status: "ok", CrxURLs: []string{"https://example.com/def.crx"}, Manifest: collaborators.Manifest{Version: "2.0.0"}},
		}}, collaborators.CheckErrorNone, 0, 0, nil)

	var mu sync.Mutex
	var order []string
	var maxConcurrent, current int

	downloader := &mocks.MockCrxDownloader{}
	downloader.On("StartDownload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			url := args.Get(1).(string)
			mu.Lock()
			order = append(order, url)
			current++
			if current > maxConcurrent {
				maxConcurrent = current
			}
			mu.Unlock()

			onComplete := args.Get(3).(collaborators.DownloadCompleteFunc)
			onComplete(true, collaborators.DownloadResult{Error: 1}, collaborators.DownloadMetrics{})

			mu.Lock()
			current--
			mu.Unlock()
		}).
		Return(collaborators.CancelFunc(nil))

	ccs := map[string]*component.CrxComponent{
		"abc": {AppID: "abc", Version: "1.0.0", UpdatesEnabled: true},
		"def": {AppID: "def", Version: "1.0.0", UpdatesEnabled: true},
	}
	uctx := updatecontext.New([]string{"abc", "def"}, updatecontext.RequestMetadata{}, updatecontext.Collaborators{
		Checker:    checker,
		Downloader: downloader,
	})
	emit, _ := collectItems()

	e.RunBatch(context.Background(), uctx, dataCBFor(ccs), false, emit)

	assert.Equal(t, []string{"https://example.com/abc.crx", "https://example.com/def.crx"}, order)
	assert.Equal(t, 1, maxConcurrent, "components must be processed to a terminal state one at a time, never overlapping")
}

func TestRunBatchPingFlushSkippedWhenNoTerminalEvents(t *testing.T) {
	e := newTestEngine(t)
	checker := &mocks.MockUpdateChecker{}
	checker.On("Check", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&collaborators.Results{List: []collaborators.Result{
			{ExtensionID: "abc", Status: "noupdate"},
			{ExtensionID: "def", Status: "noupdate"},
		}}, collaborators.CheckErrorNone, 0, 0, nil)

	var captured map[string][]component.Event
	pinger := &mocks.MockPingManager{}
	pinger.On("SendPing", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			captured = args.Get(2).(map[string][]component.Event)
		}).
		Return(nil)

	ccs := map[string]*component.CrxComponent{
		"abc": {AppID: "abc", Version: "1.0.0"},
		"def": {AppID: "def", Version: "1.0.0"},
	}
	uctx := updatecontext.New([]string{"abc", "def"}, updatecontext.RequestMetadata{}, updatecontext.Collaborators{Checker: checker, Pinger: pinger})
	emit, _ := collectItems()

	e.RunBatch(context.Background(), uctx, dataCBFor(ccs), false, emit)

	// "noupdate" records no terminal event (§ terminal semantics), so the
	// ping flush has nothing to send and SendPing is never called.
	pinger.AssertNotCalled(t, "SendPing", mock.Anything, mock.Anything, mock.Anything)
	assert.Nil(t, captured)
}
