package adapter

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/srg/gattq/internal/device"
)

// AD structure types used when re-encoding an advertisement
const (
	adComplete16       = 0x03
	adComplete128      = 0x07
	adCompleteName     = 0x09
	adTxPower          = 0x0a
	adServiceData16    = 0x16
	adManufacturerData = 0xff
)

// ServiceData is one service data element of an advertisement
type ServiceData struct {
	UUID string
	Data []byte
}

// Advertisement is a platform independent scan result
type Advertisement struct {
	Address          string
	LocalName        string
	RSSI             int
	TxPowerLevel     int
	Connectable      bool
	Services         []string // normalized UUIDs
	ServiceData      []ServiceData
	ManufacturerData []byte
}

// Scanner delivers advertisements until ctx ends
type Scanner interface {
	Scan(ctx context.Context, allowDuplicates bool, handler func(Advertisement)) error
}

// HasService reports whether the advertisement lists the given service UUID
func (a Advertisement) HasService(uuid string) bool {
	want := device.NormalizeUUID(uuid)
	for _, s := range a.Services {
		if s == want {
			return true
		}
	}
	return false
}

// Bytes re-encodes the advertisement as AD structures (length, type, data),
// the payload format a raw scan record carries. Fields that would not fit in
// a single AD structure are skipped.
func (a Advertisement) Bytes() []byte {
	var out []byte
	put := func(typ byte, data []byte) {
		if len(data) == 0 || len(data) > 254 {
			return
		}
		out = append(out, byte(len(data)+1), typ)
		out = append(out, data...)
	}

	if a.LocalName != "" {
		put(adCompleteName, []byte(a.LocalName))
	}

	var short, long []byte
	for _, s := range a.Services {
		raw, err := hex.DecodeString(strings.ReplaceAll(s, "-", ""))
		if err != nil {
			continue
		}
		// UUIDs are written most significant byte first; AD data is little endian
		reverse(raw)
		switch len(raw) {
		case 2:
			short = append(short, raw...)
		case 16:
			long = append(long, raw...)
		}
	}
	put(adComplete16, short)
	put(adComplete128, long)

	for _, sd := range a.ServiceData {
		raw, err := hex.DecodeString(device.NormalizeUUID(sd.UUID))
		if err != nil || len(raw) != 2 {
			continue
		}
		reverse(raw)
		put(adServiceData16, append(raw, sd.Data...))
	}

	if a.TxPowerLevel != 0 && a.TxPowerLevel >= -127 && a.TxPowerLevel <= 127 {
		put(adTxPower, []byte{byte(int8(a.TxPowerLevel))})
	}
	put(adManufacturerData, a.ManufacturerData)
	return out
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
