package mac

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinylora/lorawan/class"
	"github.com/tinylora/lorawan/crypto"
	"github.com/tinylora/lorawan/radio/radiotest"
	"github.com/tinylora/lorawan/session"
)

// rx1OpenMs is past any RxDelaySec=1 RX1 window computed from a tx end
// of 0ms, regardless of which uplink channel/DR produced it.
const rx1OpenMs = 10_000

type fakeClock struct{ ms uint64 }

func (c *fakeClock) NowMs() uint64 { return c.ms }

type seqRng struct{ vals []uint16 }

func (r *seqRng) Uint32() uint32 { return uint32(r.next()) }
func (r *seqRng) Uint16() uint16 { return r.next() }
func (r *seqRng) next() uint16 {
	if len(r.vals) == 0 {
		return 0
	}
	v := r.vals[0]
	r.vals = r.vals[1:]
	return v
}

func newTestEngine() (*Engine, *fakeClock, *radiotest.Driver, *session.State) {
	s := session.New()
	clock := &fakeClock{}
	drv := radiotest.New()
	e := New(drv, s, clock, &seqRng{})
	return e, clock, drv, s
}

func TestSendUplinkRejectsWhenNotJoined(t *testing.T) {
	e, _, _, _ := newTestEngine()
	err := e.SendUplink(1, []byte("x"), false)
	require.ErrorIs(t, err, ErrNotJoined)
}

func TestSendUplinkRejectsOversizePayload(t *testing.T) {
	e, _, _, s := newTestEngine()
	s.ActivateABP(1, crypto.Key{}, crypto.Key{})
	err := e.SendUplink(1, make([]byte, 64), false) // DR0 budget is 11 bytes
	require.Error(t, err)
}

func TestSendUplinkTransmitsAndIncrementsFCnt(t *testing.T) {
	e, _, drv, s := newTestEngine()
	s.ActivateABP(1, crypto.Key{}, crypto.Key{})

	require.NoError(t, e.SendUplink(1, []byte("hi"), false))
	require.EqualValues(t, 1, s.FCntUp)
	require.Len(t, drv.TxLog(), 1)
	require.Equal(t, class.StateWaitingRx1, e.active.State())
}

func TestSendUplinkRejectsWhenTxBusy(t *testing.T) {
	e, _, _, s := newTestEngine()
	s.ActivateABP(1, crypto.Key{}, crypto.Key{})
	require.NoError(t, e.SendUplink(1, []byte("hi"), false))

	err := e.SendUplink(1, []byte("again"), false)
	require.ErrorIs(t, err, ErrTxBusy)
}

func TestSendUplinkWrapsFCntExpiresSession(t *testing.T) {
	e, _, _, s := newTestEngine()
	s.ActivateABP(1, crypto.Key{}, crypto.Key{})
	s.FCntUp = 0xFFFFFFFF

	require.NoError(t, e.SendUplink(1, []byte("x"), false))
	require.False(t, s.Joined)
	require.Zero(t, s.FCntUp)
}

func TestProcessDispatchesAppCommand(t *testing.T) {
	e, clock, drv, s := newTestEngine()
	s.ActivateABP(0x01020304, crypto.Key{}, crypto.Key{})

	require.NoError(t, e.SendUplink(1, []byte("hi"), false))

	raw := buildTestDownlink(t, s, 1, appCommandPort, []byte{byte(AppCmdReboot)}, false)
	drv.InjectRx(raw)

	clock.ms = rx1OpenMs
	res, err := e.Process()
	require.NoError(t, err)
	require.Equal(t, DownlinkAppCommand, res.Kind)
	require.Equal(t, AppCmdReboot, res.Command.ID)
}

func TestProcessConfirmedUplinkClearsOnAck(t *testing.T) {
	e, clock, drv, s := newTestEngine()
	s.ActivateABP(0x01020304, crypto.Key{}, crypto.Key{})

	require.NoError(t, e.SendUplink(1, []byte("hi"), true))
	require.NotNil(t, e.confirmState)

	raw := buildTestDownlink(t, s, 1, 0, nil, true)
	drv.InjectRx(raw)

	clock.ms = rx1OpenMs
	_, err := e.Process()
	require.NoError(t, err)
	require.Nil(t, e.confirmState)
}

// buildTestDownlink constructs a valid wire-format downlink for s.
func buildTestDownlink(t *testing.T, s *session.State, fcnt uint16, fport uint8, payload []byte, ack bool) []byte {
	t.Helper()
	mhdr := byte(0x03) << 5
	fctrl := byte(0)
	if ack {
		fctrl |= 0x20
	}
	macPayload := []byte{
		byte(s.DevAddr), byte(s.DevAddr >> 8), byte(s.DevAddr >> 16), byte(s.DevAddr >> 24),
		fctrl,
		byte(fcnt), byte(fcnt >> 8),
	}
	if len(payload) > 0 || fport != 0 {
		key := s.AppSKey
		if fport == 0 {
			key = s.NwkSKey
		}
		enc, err := crypto.EncryptPayload(key, s.DevAddr, uint32(fcnt), crypto.Downlink, payload)
		require.NoError(t, err)
		macPayload = append(macPayload, fport)
		macPayload = append(macPayload, enc...)
	}
	msg := append([]byte{mhdr}, macPayload...)
	mic, err := crypto.MIC(s.NwkSKey, msg, s.DevAddr, uint32(fcnt), crypto.Downlink)
	require.NoError(t, err)
	return append(msg, mic[:]...)
}
