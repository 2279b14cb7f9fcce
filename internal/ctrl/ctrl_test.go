package ctrl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-ioa/internal/scsi"
	"github.com/ehrlich-b/go-ioa/internal/wire"
)

// roundTrip pushes a request through the wire encoding the way the adapter
// sees it
func roundTrip(t *testing.T, req *wire.Request) *wire.Request {
	t.Helper()
	var out wire.Request
	require.NoError(t, wire.UnmarshalRequest(wire.MarshalRequest(req), &out))
	return &out
}

func TestAdapterCommandsAddressTheAdapter(t *testing.T) {
	tests := []struct {
		name  string
		build func(*wire.Request)
		op    uint8
	}{
		{"identify", func(r *wire.Request) { Identify(r, 104) }, wire.OpIdentifyHRRQ},
		{"query", func(r *wire.Request) { QueryConfig(r, 0x1000, 4096) }, wire.OpQueryConfig},
		{"sense", func(r *wire.Request) { ModeSense(r, wire.ModePageBusAttrs, 0x2000, 256) }, wire.OpModeSense10},
		{"select", func(r *wire.Request) { ModeSelect(r, 0x2000, 256) }, wire.OpModeSelect10},
		{"supported", func(r *wire.Request) { SetSupported(r, 0x3000) }, wire.OpSetSupportedDevices},
		{"shutdown", func(r *wire.Request) { Shutdown(r, wire.ShutdownAbbrev) }, wire.OpShutdown},
		{"hcam", func(r *wire.Request) { HCAM(r, wire.HCAMClassErrorLog, 0x4000, 4096) }, wire.OpHCAM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &wire.Request{Handle: 7, StatusAddr: 0x99}
			tt.build(req)
			got := roundTrip(t, req)
			assert.Equal(t, wire.ReqIOA, got.Type)
			assert.Equal(t, wire.IOAResHandle, got.ResHandle)
			assert.Equal(t, tt.op, got.Opcode())
			assert.Equal(t, uint32(7), got.Handle)
			assert.Equal(t, uint64(0x99), got.StatusAddr)
		})
	}
}

func TestCommandFields(t *testing.T) {
	req := &wire.Request{}
	Identify(req, 104)
	assert.Equal(t, 104, IdentifyEntries(roundTrip(t, req)))

	req = &wire.Request{}
	ModeSense(req, wire.ModePageBusAttrs, 0x2000, 256)
	got := roundTrip(t, req)
	assert.Equal(t, wire.ModePageBusAttrs, ModePage(got))
	assert.False(t, got.Data.Write)
	assert.Equal(t, uint32(256), got.Data.Len)

	req = &wire.Request{}
	ModeSelect(req, 0x2000, 64)
	assert.True(t, roundTrip(t, req).Data.Write)

	req = &wire.Request{}
	Shutdown(req, wire.ShutdownPrepare)
	assert.Equal(t, wire.ShutdownPrepare, ShutdownType(roundTrip(t, req)))

	req = &wire.Request{}
	AbortTask(req, 0x10, 42)
	got = roundTrip(t, req)
	assert.Equal(t, uint32(0x10), got.ResHandle)
	assert.Equal(t, uint32(42), AbortVictim(got))
	assert.NotZero(t, got.Flags&wire.FlagSyncCmd)

	req = &wire.Request{}
	HCAM(req, wire.HCAMClassConfigChange, 0x4000, 4096)
	assert.Equal(t, wire.HCAMClassConfigChange, HCAMClass(roundTrip(t, req)))

	req = &wire.Request{}
	CancelAll(req, 0x20)
	assert.Equal(t, uint32(0x20), roundTrip(t, req).ResHandle)

	req = &wire.Request{}
	ResetDevice(req, 0x21)
	got = roundTrip(t, req)
	assert.Equal(t, wire.OpResetDevice, got.Opcode())
	assert.Equal(t, uint32(0x21), got.ResHandle)
}

func TestRequestSenseTargetsDevice(t *testing.T) {
	req := &wire.Request{}
	RequestSense(req, 5, 0x5000, 96)
	got := roundTrip(t, req)
	assert.Equal(t, wire.ReqDevice, got.Type)
	assert.Equal(t, uint8(scsi.RequestSense), got.Opcode())
	assert.Equal(t, uint8(96), got.CDB[4])
	assert.Equal(t, uint64(0x5000), got.Data.Addr)
}

func TestDeviceCommand(t *testing.T) {
	req := &wire.Request{}
	desc := wire.DataDesc{Addr: 0x6000, Len: 512, Write: true}
	require.NoError(t, Device(req, 3, scsi.Write10CDB(8, 1), desc))
	got := roundTrip(t, req)
	assert.Equal(t, uint8(scsi.Write10), got.Opcode())
	assert.NotZero(t, got.Flags&wire.FlagWrite)

	assert.Error(t, Device(&wire.Request{}, 3, nil, desc))
	assert.Error(t, Device(&wire.Request{}, 3, make([]byte, 17), desc))
}

func TestParseConfigTable(t *testing.T) {
	table := wire.ConfigTable{Entries: []wire.ConfigEntry{
		{Addr: wire.ResAddr{Target: 1}, ResHandle: 1, Vendor: "IBM", Product: "DISK"},
		{Addr: wire.ResAddr{Target: 2}, ResHandle: 2, Subtype: wire.SubtypeHotSpare},
	}}
	buf := make([]byte, wire.ConfigTableSize(len(table.Entries)))
	_, err := wire.MarshalConfigTable(&table, buf)
	require.NoError(t, err)

	entries, err := ParseConfigTable(buf)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "DISK", entries[0].Product)
	assert.True(t, Advertised(&entries[0]))
	assert.False(t, Advertised(&entries[1]))

	hidden := entries[0]
	hidden.Flags |= wire.ResFlagHidden
	assert.False(t, Advertised(&hidden))

	sd := SupportedFor(&entries[0])
	assert.Equal(t, entries[0].Addr, sd.Addr)
	assert.Equal(t, uint32(1), sd.ResHandle)

	_, err = ParseConfigTable(buf[:3])
	assert.ErrorIs(t, err, ErrBadConfigTable)
}

func TestMergeBusAttrs(t *testing.T) {
	reported := []wire.BusAttr{
		{Bus: 0, Termination: wire.TermLVD, BusWidth: 16, MaxXferRate: 320},
		{Bus: 1, Termination: wire.TermSE, BusWidth: 8, MaxXferRate: 80},
		{Bus: 2, Termination: wire.TermLVD, BusWidth: 16, MaxXferRate: 160},
	}
	saved := map[uint8]wire.BusAttr{
		2: {Bus: 2, Termination: wire.TermSE, BusWidth: 8, MaxXferRate: 40},
	}
	def := BusDefaults{MaxXferRate: 160, BusWidth: 16}

	got := MergeBusAttrs(reported, saved, def)
	require.Len(t, got, 3)

	assert.Equal(t, uint32(160), got[0].MaxXferRate, "default caps the rate")
	assert.Equal(t, wire.TermLVD, got[0].Termination, "reported termination kept")

	assert.Equal(t, uint32(80), got[1].MaxXferRate, "never above the reported rate")
	assert.Equal(t, uint8(8), got[1].BusWidth)

	assert.Equal(t, uint32(40), got[2].MaxXferRate, "saved setting preferred")
	assert.Equal(t, wire.TermSE, got[2].Termination)
	assert.Equal(t, uint8(8), got[2].BusWidth)
}
