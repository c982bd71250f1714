package procmon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusPDURoundTrip(t *testing.T) {
	p := StatusPDU{
		Type:       StatusExited,
		StatusCode: 7,
		Timestamp:  timeval{Sec: 100, Usec: 200},
		Msg:        "done",
	}
	got, err := UnmarshalStatusPDU(p.Marshal())
	require.NoError(t, err)
	require.Equal(t, p.Type, got.Type)
	require.Equal(t, p.StatusCode, got.StatusCode)
	require.Equal(t, p.Timestamp, got.Timestamp)
	require.Equal(t, p.Msg, got.Msg)
}

func TestStatusPDUMsgTruncatesAtFieldCapacity(t *testing.T) {
	long := make([]byte, statusMsgLen+100)
	for i := range long {
		long[i] = 'a'
	}
	p := StatusPDU{Msg: string(long)}
	got, err := UnmarshalStatusPDU(p.Marshal())
	require.NoError(t, err)
	require.Len(t, got.Msg, statusMsgLen)
}

func TestOutputPDURoundTrip(t *testing.T) {
	p := OutputPDU{Data: []byte("some child stdout output")}
	got, err := UnmarshalOutputPDU(p.Marshal())
	require.NoError(t, err)
	require.Equal(t, p.Data, got.Data)
}

func TestControlReqPDURoundTrip(t *testing.T) {
	p := ControlReqPDU{Control: ControlSignal, Signum: 15}
	got, err := UnmarshalControlReqPDU(p.Marshal())
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestControlResPDURoundTrip(t *testing.T) {
	p := ControlResPDU{Result: ResultUnableToFork, MonitorPID: 111, ProcessPID: 222, Error: "fork failed"}
	got, err := UnmarshalControlResPDU(p.Marshal())
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestInfoResPDURoundTrip(t *testing.T) {
	p := InfoResPDU{
		StartedBy:    "alice",
		StartedByPID: 10,
		StartTime:    timeval{Sec: 1, Usec: 2},
		Elapsed:      timeval{Sec: 3, Usec: 4},
		Cmdline:      "echo hi",
		Cwd:          "/tmp",
		MonitorPID:   20,
		ProcessPID:   30,
	}
	got, err := UnmarshalInfoResPDU(p.Marshal())
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestParamPDURoundTrip(t *testing.T) {
	p := ParamPDU{Param: ParamCwd, Str: "/var/tmp"}
	got, err := UnmarshalParamPDU(p.Marshal())
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestParamPDUShortBufferRejected(t *testing.T) {
	_, err := UnmarshalParamPDU([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestMaxParamStrLenMatchesWireCapacity(t *testing.T) {
	require.Equal(t, paramStrLen, MaxParamStrLen)
}
