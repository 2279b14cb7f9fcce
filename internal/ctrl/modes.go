package ctrl

import "github.com/ehrlich-b/go-ioa/internal/wire"

// BusDefaults are the host-side limits applied when no saved setting exists
type BusDefaults struct {
	MaxXferRate uint32 // MB/s
	BusWidth    uint8
	Termination uint8
}

// MergeBusAttrs computes the page to select from what the adapter reported.
// A saved setting for a bus wins over the defaults; neither may exceed what
// the adapter reported for that bus.
func MergeBusAttrs(reported []wire.BusAttr, saved map[uint8]wire.BusAttr, def BusDefaults) []wire.BusAttr {
	out := make([]wire.BusAttr, 0, len(reported))
	for _, r := range reported {
		want := wire.BusAttr{
			Bus:         r.Bus,
			Flags:       r.Flags,
			Termination: def.Termination,
			BusWidth:    def.BusWidth,
			MaxXferRate: def.MaxXferRate,
		}
		if s, ok := saved[r.Bus]; ok {
			want.Termination = s.Termination
			want.BusWidth = s.BusWidth
			want.MaxXferRate = s.MaxXferRate
		}
		if want.MaxXferRate == 0 || want.MaxXferRate > r.MaxXferRate {
			want.MaxXferRate = r.MaxXferRate
		}
		if want.BusWidth == 0 || want.BusWidth > r.BusWidth {
			want.BusWidth = r.BusWidth
		}
		if want.Termination == wire.TermNone {
			want.Termination = r.Termination
		}
		out = append(out, want)
	}
	return out
}
