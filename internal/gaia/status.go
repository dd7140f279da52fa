package gaia

// DeviceInfo is the decoded response to GET_DEV_INFO.
type DeviceInfo struct {
	FirmwareVersion string
	ChannelCount    int
	RegionCount     int
	Capabilities    uint32
}

// DecodeDeviceInfo is a minimal, forward-compatible parse of the
// GET_DEV_INFO payload: the fields this core needs (channel/region
// counts drive the READ_RF_CH fan-out in §4.2) live at fixed, vendor
// documented offsets; trailing bytes are ignored.
func DecodeDeviceInfo(payload []byte) (DeviceInfo, bool) {
	if len(payload) < 20 {
		return DeviceInfo{}, false
	}
	return DeviceInfo{
		FirmwareVersion: decodeCString(payload[0:16]),
		ChannelCount:    int(payload[16]),
		RegionCount:     int(payload[17]),
		Capabilities:    uint32(payload[18]) | uint32(payload[19])<<8,
	}, true
}

func decodeCString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// HtStatus is the decoded HT_STATUS_CHANGED / GET_HT_STATUS payload,
// per the bit layout in spec.md §6 starting at payload offset 5.
type HtStatus struct {
	PowerOn          bool
	IsInTx           bool
	SquelchOpen      bool
	IsInRx           bool
	DoubleChannel    uint8 // 0..3
	Scan             bool
	IsRadio          bool
	CurrChannelID    uint16 // 10-bit
	GpsLocked        bool
	HfpConnected     bool
	AocConnected     bool
	Rssi             uint8
	CurrRegion       uint16
}

// DecodeHtStatus implements the §6 bitfield exactly as specified:
//
//	B5 bit7 power_on; bit6 is_in_tx; bit5 squelch_open; bit4 is_in_rx;
//	   bits3..2 double_channel; bit1 scan; bit0 is_radio.
//	B6 bits7..4 curr_ch_id_lower; bit3 gps_locked; bit2 hfp_connected;
//	   bit1 aoc_connected.
//	B7 bits7..4 rssi; bits3..0 (with B8 bits7..6) curr_region.
//	B8 bits5..2 curr_channel_id_upper.
//	Final channel id = (upper<<4)|lower.
func DecodeHtStatus(payload []byte) (HtStatus, bool) {
	if len(payload) < 9 {
		return HtStatus{}, false
	}
	b5 := payload[5]
	b6 := payload[6]
	b7 := payload[7]
	b8 := payload[8]

	lower := (b6 >> 4) & 0x0F
	upper := (b8 >> 2) & 0x0F
	region := uint16(b7&0x0F)<<2 | uint16((b8>>6)&0x03)

	return HtStatus{
		PowerOn:       b5&0x80 != 0,
		IsInTx:        b5&0x40 != 0,
		SquelchOpen:   b5&0x20 != 0,
		IsInRx:        b5&0x10 != 0,
		DoubleChannel: (b5 >> 2) & 0x03,
		Scan:          b5&0x02 != 0,
		IsRadio:       b5&0x01 != 0,
		CurrChannelID: uint16(upper)<<4 | uint16(lower),
		GpsLocked:     b6&0x08 != 0,
		HfpConnected:  b6&0x04 != 0,
		AocConnected:  b6&0x02 != 0,
		Rssi:          (b7 >> 4) & 0x0F,
		CurrRegion:    region,
	}, true
}
