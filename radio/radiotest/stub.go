// Package radiotest provides an in-memory radio.Radio implementation for
// host-side testing, adapted from the ring-buffer mock driver pattern
// used for transport-layer tests in the teacher repo this module started
// from.
package radiotest

import (
	"sync"

	"github.com/tinylora/lorawan/radio"
)

const ringCapacity = 32

// Driver is a deterministic, non-blocking radio.Radio: tests push frames
// onto its RX queue with InjectRx and inspect transmitted frames with
// TxLog. It never sleeps or spins, matching the core's cooperative,
// never-blocks-process() design.
type Driver struct {
	mu sync.Mutex

	frequency uint32
	txPower   int8
	mod       radio.Modulation
	public    bool
	asleep    bool

	rssiDbm int16
	snrDb   int8

	rxBuf ringBuffer
	txLog [][]byte
}

// New constructs a Driver ready for use.
func New() *Driver {
	return &Driver{rssiDbm: -80, snrDb: 7}
}

func (d *Driver) Init() error    { return nil }
func (d *Driver) Sleep() error   { d.mu.Lock(); d.asleep = true; d.mu.Unlock(); return nil }
func (d *Driver) Standby() error { d.mu.Lock(); d.asleep = false; d.mu.Unlock(); return nil }

func (d *Driver) SetFrequency(hz uint32) error {
	d.mu.Lock()
	d.frequency = hz
	d.mu.Unlock()
	return nil
}

func (d *Driver) SetTxPower(dbm int8) error {
	d.mu.Lock()
	d.txPower = dbm
	d.mu.Unlock()
	return nil
}

func (d *Driver) SetModulation(m radio.Modulation) error {
	d.mu.Lock()
	d.mod = m
	d.mu.Unlock()
	return nil
}

func (d *Driver) SetSyncWord(public bool) error {
	d.mu.Lock()
	d.public = public
	d.mu.Unlock()
	return nil
}

// Transmit records the frame in the TX log.
func (d *Driver) Transmit(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	frame := make([]byte, len(data))
	copy(frame, data)
	d.txLog = append(d.txLog, frame)
	return nil
}

// ReceiveSingle pops the next injected frame if one is queued, or
// returns a wrapped radio.ErrTimeout immediately — tests drive time, not
// this driver.
func (d *Driver) ReceiveSingle(timeoutMs uint32, buf []byte) (int, error) {
	d.mu.Lock()
	frame, ok := d.rxBuf.pop()
	d.mu.Unlock()
	if !ok {
		return 0, &radio.Error{Kind: radio.KindTimeout, Op: "receive_single", Err: radio.ErrTimeout}
	}
	n := copy(buf, frame)
	return n, nil
}

// ReceiveContinuous behaves like ReceiveSingle with no deadline.
func (d *Driver) ReceiveContinuous(buf []byte) (int, error) {
	return d.ReceiveSingle(0, buf)
}

func (d *Driver) GetRSSIDbm() (int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rssiDbm, nil
}

func (d *Driver) GetSNRDb() (int8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snrDb, nil
}

// InjectRx queues a frame for the next ReceiveSingle/ReceiveContinuous
// call.
func (d *Driver) InjectRx(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	frame := make([]byte, len(data))
	copy(frame, data)
	d.rxBuf.push(frame)
}

// TxLog returns a snapshot of every frame handed to Transmit.
func (d *Driver) TxLog() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.txLog))
	copy(out, d.txLog)
	return out
}

// SetRSSISNR lets a test script the reported link quality.
func (d *Driver) SetRSSISNR(rssiDbm int16, snrDb int8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rssiDbm = rssiDbm
	d.snrDb = snrDb
}

type ringBuffer struct {
	data       [ringCapacity][]byte
	head, tail int
	count      int
}

func (rb *ringBuffer) push(frame []byte) {
	if rb.count == ringCapacity {
		rb.data[rb.tail] = nil
		rb.head = (rb.head + 1) % ringCapacity
		rb.count--
	}
	rb.data[rb.tail] = frame
	rb.tail = (rb.tail + 1) % ringCapacity
	rb.count++
}

func (rb *ringBuffer) pop() ([]byte, bool) {
	if rb.count == 0 {
		return nil, false
	}
	frame := rb.data[rb.head]
	rb.data[rb.head] = nil
	rb.head = (rb.head + 1) % ringCapacity
	rb.count--
	return frame, true
}
