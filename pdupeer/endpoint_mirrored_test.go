package pdupeer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/fortepdu/pdu"
)

// fakeEndpoint is a minimal, directly-controllable Endpoint for
// exercising MirroredEndpoint's failover logic in isolation.
type fakeEndpoint struct {
	name      string
	sendErr   error
	sendCalls int
	closed    bool
}

func (f *fakeEndpoint) SendPDU(p pdu.PDU) error {
	f.sendCalls++
	return f.sendErr
}
func (f *fakeEndpoint) RecvPDU() (pdu.PDU, bool)    { return pdu.PDU{}, false }
func (f *fakeEndpoint) IsPDUReady() bool            { return false }
func (f *fakeEndpoint) IsConnected() bool           { return !f.closed }
func (f *fakeEndpoint) SetEventCallback(EventCallback) {}
func (f *fakeEndpoint) Close() error                { f.closed = true; return nil }

var _ Endpoint = (*fakeEndpoint)(nil)

func TestMirroredEndpointPassesThroughWhilePrimaryHealthy(t *testing.T) {
	primary := &fakeEndpoint{name: "primary"}
	m := NewMirroredEndpoint(primary, func() (Endpoint, error) {
		t.Fatal("secondary should not be constructed")
		return nil, nil
	}, nil)

	require.NoError(t, m.SendPDU(pdu.New(1, nil)))
	require.Equal(t, 1, primary.sendCalls)
}

func TestMirroredEndpointFailsOverOnIOFailureAndLatchesReadOnly(t *testing.T) {
	primary := &fakeEndpoint{name: "primary", sendErr: ErrSendFailed}
	secondary := &fakeEndpoint{name: "secondary"}
	built := 0
	m := NewMirroredEndpoint(primary, func() (Endpoint, error) {
		built++
		return secondary, nil
	}, nil)

	err := m.SendPDU(pdu.New(1, nil))
	require.ErrorIs(t, err, ErrSendFailed)

	// once failed over, every further SendPDU is read-only, and the
	// secondary is built exactly once even across repeated sends.
	err = m.SendPDU(pdu.New(2, nil))
	require.ErrorIs(t, err, ErrReadOnly)
	err = m.SendPDU(pdu.New(3, nil))
	require.ErrorIs(t, err, ErrReadOnly)
	require.Equal(t, 1, built)
	require.Equal(t, 1, primary.sendCalls, "primary must not be retried once failed over")
}

func TestMirroredEndpointNonIOFailureIsNotFailover(t *testing.T) {
	primary := &fakeEndpoint{name: "primary", sendErr: ErrEndpointClosed}
	m := NewMirroredEndpoint(primary, func() (Endpoint, error) {
		t.Fatal("a non-I/O failure must not trigger failover")
		return nil, nil
	}, nil)

	err := m.SendPDU(pdu.New(1, nil))
	require.ErrorIs(t, err, ErrEndpointClosed)
}

func TestMirroredEndpointReadsTargetActiveEndpoint(t *testing.T) {
	primary := &fakeEndpoint{name: "primary", sendErr: ErrSendFailed}
	secondary := &fakeEndpoint{name: "secondary"}
	m := NewMirroredEndpoint(primary, func() (Endpoint, error) { return secondary, nil }, nil)

	require.True(t, m.IsConnected())
	_ = m.SendPDU(pdu.New(1, nil)) // trigger failover
	require.True(t, m.IsConnected())

	secondary.closed = true
	require.False(t, m.IsConnected(), "reads must target the secondary post-failover")
}

func TestMirroredEndpointCloseClosesBoth(t *testing.T) {
	primary := &fakeEndpoint{name: "primary", sendErr: ErrSendFailed}
	secondary := &fakeEndpoint{name: "secondary"}
	m := NewMirroredEndpoint(primary, func() (Endpoint, error) { return secondary, nil }, nil)
	_ = m.SendPDU(pdu.New(1, nil))

	require.NoError(t, m.Close())
	require.True(t, primary.closed)
	require.True(t, secondary.closed)
}
