package phy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinylora/lorawan/crypto"
)

func testKeys() (nwk, app crypto.Key) {
	for i := 0; i < 16; i++ {
		nwk[i] = byte(i)
		app[i] = byte(i + 100)
	}
	return nwk, app
}

func TestEncodeUplinkSetsUnconfirmedMType(t *testing.T) {
	nwk, app := testKeys()

	frame, err := EncodeUplink(UplinkParams{
		DevAddr:  0x01020304,
		NwkSKey:  nwk,
		AppSKey:  app,
		FCntUp:   9,
		HasFPort: true,
		FPort:    5,
		Payload:  []byte("hello"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, frame)

	mtype := MType(frame[0] >> 5)
	require.Equal(t, MTypeUnconfirmedDataUp, mtype)
}

func TestEncodeUplinkRejectsFOptsFPort0Conflict(t *testing.T) {
	nwk, app := testKeys()
	_, err := EncodeUplink(UplinkParams{
		NwkSKey:  nwk,
		AppSKey:  app,
		FOpts:    []byte{0x02},
		HasFPort: true,
		FPort:    0,
		Payload:  []byte{1},
	})
	require.ErrorIs(t, err, ErrFoptsFrmPayloadConflict)
}

func TestEncodeUplinkRejectsOversizeFOpts(t *testing.T) {
	nwk, app := testKeys()
	_, err := EncodeUplink(UplinkParams{
		NwkSKey: nwk,
		AppSKey: app,
		FOpts:   make([]byte, 16),
	})
	require.ErrorIs(t, err, ErrFOptsTooLong)
}

// buildDownlink constructs a wire-format downlink frame the way a network
// server would, for DecodeDownlink to consume.
func buildDownlink(t *testing.T, nwk, app crypto.Key, devAddr uint32, fcnt uint16, fport uint8, payload []byte, ack bool) []byte {
	t.Helper()
	mhdr := byte(MTypeUnconfirmedDataDown) << 5
	fctrl := byte(0)
	if ack {
		fctrl |= 0x20
	}

	macPayload := []byte{
		byte(devAddr), byte(devAddr >> 8), byte(devAddr >> 16), byte(devAddr >> 24),
		fctrl,
		byte(fcnt), byte(fcnt >> 8),
	}

	key := app
	if fport == 0 {
		key = nwk
	}
	enc, err := crypto.EncryptPayload(key, devAddr, uint32(fcnt), crypto.Downlink, payload)
	require.NoError(t, err)
	macPayload = append(macPayload, fport)
	macPayload = append(macPayload, enc...)

	msg := append([]byte{mhdr}, macPayload...)
	mic, err := crypto.MIC(nwk, msg, devAddr, uint32(fcnt), crypto.Downlink)
	require.NoError(t, err)

	return append(msg, mic[:]...)
}

func TestDecodeDownlinkRoundTrip(t *testing.T) {
	nwk, app := testKeys()
	raw := buildDownlink(t, nwk, app, 0xAABBCCDD, 3, 1, []byte("world"), true)

	dl, err := DecodeDownlink(raw, DownlinkParams{DevAddr: 0xAABBCCDD, NwkSKey: nwk, AppSKey: app, LastFCntDown: 0, HasLastFCntDown: true})
	require.NoError(t, err)
	require.Equal(t, []byte("world"), dl.FRMPayload)
	require.True(t, dl.Ctrl.ACK)
	require.EqualValues(t, 3, dl.FCntDown)
}

func TestDecodeDownlinkAcceptsFirstDownlinkAtFCntZero(t *testing.T) {
	nwk, app := testKeys()
	raw := buildDownlink(t, nwk, app, 0xAABBCCDD, 0, 1, []byte("hi"), false)

	dl, err := DecodeDownlink(raw, DownlinkParams{DevAddr: 0xAABBCCDD, NwkSKey: nwk, AppSKey: app})
	require.NoError(t, err)
	require.Zero(t, dl.FCntDown)
}

func TestDecodeDownlinkRejectsDevAddrMismatch(t *testing.T) {
	nwk, app := testKeys()
	raw := buildDownlink(t, nwk, app, 0xAABBCCDD, 1, 1, []byte("x"), false)

	_, err := DecodeDownlink(raw, DownlinkParams{DevAddr: 0x11111111, NwkSKey: nwk, AppSKey: app})
	require.ErrorIs(t, err, ErrDevAddrMismatch)
}

func TestDecodeDownlinkRejectsBadMIC(t *testing.T) {
	nwk, app := testKeys()
	raw := buildDownlink(t, nwk, app, 0xAABBCCDD, 1, 1, []byte("x"), false)
	raw[len(raw)-1] ^= 0xFF

	_, err := DecodeDownlink(raw, DownlinkParams{DevAddr: 0xAABBCCDD, NwkSKey: nwk, AppSKey: app})
	require.ErrorIs(t, err, crypto.ErrInvalidMic)
}

func TestDecodeDownlinkRejectsExcessiveFCntGap(t *testing.T) {
	nwk, app := testKeys()
	// 0x8000 extends to 0x108000 against 1<<20: a gap of 0x8000 > maxFcntGap.
	raw := buildDownlink(t, nwk, app, 0xAABBCCDD, 0x8000, 1, []byte("x"), false)

	_, err := DecodeDownlink(raw, DownlinkParams{DevAddr: 0xAABBCCDD, NwkSKey: nwk, AppSKey: app, LastFCntDown: 1 << 20, HasLastFCntDown: true})
	require.ErrorIs(t, err, ErrFcntRollover)
}

func TestExtendFCntRollover(t *testing.T) {
	extended, gap := extendFCnt(5, 0x0001FFF0)
	require.Equal(t, uint32(0x00020005), extended)
	require.Equal(t, uint32(0x15), gap)
}

func TestExtendFCntRejectsReplay(t *testing.T) {
	_, gap := extendFCnt(10, 0x00010010)
	require.Greater(t, gap, uint32(maxFcntGap))
}
