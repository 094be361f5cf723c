package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pkg.cwmpsession.run/engine/config"
	"pkg.cwmpsession.run/engine/internal/testutil"
	"pkg.cwmpsession.run/engine/path"
)

func TestInformWritesDeviceIdentityAndEvents(t *testing.T) {
	t.Parallel()

	ctx := Init(context.Background(), "device-1", "2.0", 30000, Collaborators{})
	_, err := ctx.Inform(context.Background(), InformRequest{
		DeviceID: DeviceIdentity{Manufacturer: "Acme", OUI: "001122", ProductClass: "Router", SerialNumber: "SN1"},
		Event:    []string{"4 VALUE CHANGE"},
	})
	require.NoError(t, err)

	mfr := ctx.DeviceData.Paths.AddPath(path.Parse("DeviceID.Manufacturer"))
	attrs, ok := ctx.DeviceData.Attributes.Get(mfr)
	require.True(t, ok)
	require.NotNil(t, attrs.Value)
	assert.Equal(t, "Acme", attrs.Value.Payload.Literal)

	informEvent := ctx.DeviceData.Paths.AddPath(path.Parse("Events.Inform"))
	_, ok = ctx.DeviceData.Attributes.Get(informEvent)
	assert.True(t, ok)

	valueChange := ctx.DeviceData.Paths.AddPath(path.Parse("Events.4_VALUE_CHANGE"))
	_, ok = ctx.DeviceData.Attributes.Get(valueChange)
	assert.True(t, ok)

	// New session: also stamps DeviceID.ID and Events.Registered.
	idP := ctx.DeviceData.Paths.AddPath(path.Parse("DeviceID.ID"))
	idAttrs, ok := ctx.DeviceData.Attributes.Get(idP)
	require.True(t, ok)
	assert.Equal(t, "device-1", idAttrs.Value.Payload.Literal)

	registered := ctx.DeviceData.Paths.AddPath(path.Parse("Events.Registered"))
	_, ok = ctx.DeviceData.Attributes.Get(registered)
	assert.True(t, ok)
}

func TestAddProvisionsDeduplicatesByValueAndTracksChannels(t *testing.T) {
	t.Parallel()

	ctx := Init(context.Background(), "device-1", "2.0", 30000, Collaborators{})
	p := config.Provision{Name: "setWanIP", Args: []any{"1.2.3.4"}}

	ctx.AddProvisions(context.Background(), "preset-1", []config.Provision{p})
	require.Len(t, ctx.Provisions, 1)
	assert.Equal(t, []string{"preset-1"}, ctx.ProvisionChannels[0])

	ctx.AddProvisions(context.Background(), "preset-2", []config.Provision{p})
	require.Len(t, ctx.Provisions, 1, "identical provision must not be duplicated")
	assert.ElementsMatch(t, []string{"preset-1", "preset-2"}, ctx.ProvisionChannels[0])
}

func TestAddProvisionsDeduplicatesArgsContainingUncomparableValues(t *testing.T) {
	t.Parallel()

	// Args decoded from preset JSON can hold maps/slices, which panic under
	// ==; provisionsEqual must still compare them by structural value.
	ctx := Init(context.Background(), "device-1", "2.0", 30000, Collaborators{})
	p := config.Provision{Name: "configureWifi", Args: []any{map[string]any{"ssid": "home", "channels": []any{1, 6, 11}}}}

	ctx.AddProvisions(context.Background(), "preset-1", []config.Provision{p})
	require.Len(t, ctx.Provisions, 1)

	dup := config.Provision{Name: "configureWifi", Args: []any{map[string]any{"ssid": "home", "channels": []any{1, 6, 11}}}}
	ctx.AddProvisions(context.Background(), "preset-2", []config.Provision{dup})
	require.Len(t, ctx.Provisions, 1, "structurally identical provision must not be duplicated")
	assert.ElementsMatch(t, []string{"preset-1", "preset-2"}, ctx.ProvisionChannels[0])

	changed := config.Provision{Name: "configureWifi", Args: []any{map[string]any{"ssid": "guest", "channels": []any{1, 6, 11}}}}
	ctx.AddProvisions(context.Background(), "preset-3", []config.Provision{changed})
	assert.Len(t, ctx.Provisions, 2, "a differing arg value must not be treated as a duplicate")
}

func TestAddProvisionsOpensNewCycleAndCollapsesProgress(t *testing.T) {
	t.Parallel()

	ctx := Init(context.Background(), "device-1", "2.0", 30000, Collaborators{})
	ctx.Iteration = 5
	startCycle := ctx.Cycle

	ctx.AddProvisions(context.Background(), "preset-1", []config.Provision{{Name: "setWanIP"}})

	assert.Equal(t, startCycle+1, ctx.Cycle)
	assert.Equal(t, 0, ctx.RPCCount)
	assert.Nil(t, ctx.SyncState)
}

func TestClearProvisionsResetsState(t *testing.T) {
	t.Parallel()

	ctx := Init(context.Background(), "device-1", "2.0", 30000, Collaborators{})
	ctx.AddProvisions(context.Background(), "preset-1", []config.Provision{{Name: "setWanIP"}})
	ctx.ExtensionsCache["0:foo"] = "bar"

	ctx.ClearProvisions(context.Background())

	assert.Empty(t, ctx.Provisions)
	assert.Empty(t, ctx.ProvisionChannels)
	assert.Empty(t, ctx.Declarations)
	assert.Nil(t, ctx.SyncState)
	assert.Empty(t, ctx.ExtensionsCache)
}

func TestTransferCompleteFaultRevertsDownloadTimestamp(t *testing.T) {
	t.Parallel()

	ctx := Init(context.Background(), "device-1", "2.0", 30000, Collaborators{})
	ctx.Operations["cmd1"] = &Operation{CommandKey: "cmd1", Instance: "1", Timestamp: 1000, LastDownload: "1000"}

	err := ctx.TransferComplete("cmd1", "9001", "download failed", DownloadResult{})
	var faultErr *CPEFaultError
	require.ErrorAs(t, err, &faultErr)
	assert.Equal(t, "9001", faultErr.Code)

	dl := ctx.DeviceData.Paths.AddPath(path.Parse("Downloads.1.Download"))
	attrs, ok := ctx.DeviceData.Attributes.Get(dl)
	require.True(t, ok)
	assert.Equal(t, "1000", attrs.Value.Payload.Literal)
	assert.NotContains(t, ctx.Operations, "cmd1")
}

func TestTransferCompleteUnknownCommandKeyIsNoOp(t *testing.T) {
	t.Parallel()

	ctx := Init(context.Background(), "device-1", "2.0", 30000, Collaborators{})
	err := ctx.TransferComplete("does-not-exist", "", "", DownloadResult{})
	require.NoError(t, err)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := Init(context.Background(), "device-1", "2.0", 30000, Collaborators{})
	_, err := ctx.Inform(context.Background(), InformRequest{DeviceID: DeviceIdentity{Manufacturer: "Acme"}})
	require.NoError(t, err)
	ctx.AddProvisions(context.Background(), "preset-1", []config.Provision{{Name: "setWanIP", Args: []any{"1.2.3.4"}}})

	out, err := Serialize(ctx)
	require.NoError(t, err)

	restored, err := Deserialize(out, Collaborators{})
	require.NoError(t, err)

	out2, err := Serialize(restored)
	require.NoError(t, err)
	assert.Equal(t, out, out2, "serialize must be deterministic across a round trip")

	assert.Equal(t, ctx.DeviceID, restored.DeviceID)
	assert.Equal(t, ctx.Cycle, restored.Cycle)
	assert.Equal(t, ctx.Provisions, restored.Provisions)

	mfr := restored.DeviceData.Paths.AddPath(path.Parse("DeviceID.Manufacturer"))
	attrs, ok := restored.DeviceData.Attributes.Get(mfr)
	require.True(t, ok)
	assert.Equal(t, "Acme", attrs.Value.Payload.Literal)
}

// ConfigSource is a host-side collaborator: the driver never calls it
// itself, so the host is expected to fetch Config before running any
// cycles and assign it onto the context directly.
func TestConfigSourceFeedsSessionConfig(t *testing.T) {
	t.Parallel()

	source := &testutil.ConfigProviderMock{}
	cfg := config.Config{}
	cfg.Default()
	cfg.MaxRPCCount = 1
	source.On("GetConfig", mock.Anything, "device-1").Return(cfg, nil)

	ctx := Init(context.Background(), "device-1", "2.0", 30000, Collaborators{ConfigSource: source})
	fetched, err := ctx.Collaborators.ConfigSource.GetConfig(context.Background(), ctx.DeviceID)
	require.NoError(t, err)
	ctx.Config = fetched

	ctx.RPCCount = 1
	err = ctx.checkQuotas()
	var quotaErr *QuotaError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, QuotaTooManyRPCs, quotaErr.Kind)

	source.AssertExpectations(t)
}

func TestDumpYAMLProducesParseableOutput(t *testing.T) {
	t.Parallel()

	ctx := Init(context.Background(), "device-1", "2.0", 30000, Collaborators{})
	_, err := ctx.Inform(context.Background(), InformRequest{DeviceID: DeviceIdentity{Manufacturer: "Acme"}})
	require.NoError(t, err)

	out, err := DumpYAML(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "deviceId: device-1")
}
