package procmon

import (
	"encoding/binary"
	"fmt"
)

// Opcode identifies a procmon wire message, per spec.md §6's
// ProcessManager<->procmon table. Values match the original protocol's
// ordering, with Param appended at 10 (the original assigns it no fixed
// slot; the distilled wire table fixes it there).
type Opcode uint32

const (
	OpPrepare    Opcode = 0
	OpStatus     Opcode = 1
	OpOutput     Opcode = 2
	OpControlReq Opcode = 3
	OpControlRes Opcode = 4
	OpInfoReq    Opcode = 5
	OpInfoRes    Opcode = 6
	OpParam      Opcode = 10
)

// StatusType is ProcessStatusPDU.Type.
type StatusType int32

const (
	StatusStarted StatusType = iota
	StatusError
	StatusExited
	StatusKilled
	StatusStopped
	StatusUnknownTermination
	StatusNotTerminated
)

// ControlCode is ProcessControlReqPDU.Control.
type ControlCode int32

const (
	ControlStart ControlCode = iota
	ControlSignal
)

// ResultCode is ProcessControlResPDU.Result.
type ResultCode int32

const (
	ResultSuccess ResultCode = iota
	ResultUnableToOpenInputFile
	ResultUnableToOpenOutputFile
	ResultUnableToOpenErrorFile
	ResultUnableToCWD
	ResultUnableToFork
	ResultUnableToExec
	ResultProcmonFailure
	ResultUnknownError
)

// ParamKind is ProcessParamPDU.Param.
type ParamKind int32

const (
	ParamCmdline ParamKind = iota
	ParamCmdlineToLog
	ParamCwd
	ParamInfile
	ParamOutfile
	ParamErrfile
)

// Fixed field widths, matching the original __attribute__((packed)) C
// structs byte-for-byte.
const (
	statusMsgLen  = 1024
	outputDataLen = 1024
	controlErrLen = 1024
	paramStrLen   = 2048
	infoStartedBy = 64
	infoCmdline   = 2048
	infoCwd       = 1024
)

// timeval mirrors struct timeval: seconds + microseconds, each a signed
// 64-bit value on the wire regardless of host int width.
type timeval struct {
	Sec  int64
	Usec int64
}

func (t timeval) marshal(dst []byte) []byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], uint64(t.Sec))
	binary.LittleEndian.PutUint64(b[8:16], uint64(t.Usec))
	return append(dst, b[:]...)
}

func unmarshalTimeval(buf []byte) (timeval, []byte, error) {
	if len(buf) < 16 {
		return timeval{}, buf, errShortPayload
	}
	return timeval{
		Sec:  int64(binary.LittleEndian.Uint64(buf[0:8])),
		Usec: int64(binary.LittleEndian.Uint64(buf[8:16])),
	}, buf[16:], nil
}

var errShortPayload = fmt.Errorf("procmon: short PDU payload")

func putCString(dst []byte, field []byte, s string) {
	n := copy(field, s)
	for i := n; i < len(field); i++ {
		field[i] = 0
	}
	_ = dst
}

func cStringLen(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return len(b)
}

// StatusPDU is opcode OpStatus, monitor -> parent.
type StatusPDU struct {
	Type       StatusType
	StatusCode int32
	Timestamp  timeval
	Msg        string
}

func (p StatusPDU) Marshal() []byte {
	buf := make([]byte, 4+4+16+4+statusMsgLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Type))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.StatusCode))
	copy(buf[8:24], timevalBytes(p.Timestamp))
	msg := []byte(p.Msg)
	if len(msg) > statusMsgLen {
		msg = msg[:statusMsgLen]
	}
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(msg)))
	copy(buf[28:28+statusMsgLen], msg)
	return buf
}

func UnmarshalStatusPDU(buf []byte) (StatusPDU, error) {
	if len(buf) < 4+4+16+4+statusMsgLen {
		return StatusPDU{}, errShortPayload
	}
	p := StatusPDU{
		Type:       StatusType(binary.LittleEndian.Uint32(buf[0:4])),
		StatusCode: int32(binary.LittleEndian.Uint32(buf[4:8])),
	}
	tv, rest, err := unmarshalTimeval(buf[8:])
	if err != nil {
		return StatusPDU{}, err
	}
	p.Timestamp = tv
	msgLen := int(binary.LittleEndian.Uint32(rest[0:4]))
	if msgLen > statusMsgLen {
		msgLen = statusMsgLen
	}
	p.Msg = string(rest[4 : 4+msgLen])
	return p, nil
}

func timevalBytes(t timeval) []byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], uint64(t.Sec))
	binary.LittleEndian.PutUint64(b[8:16], uint64(t.Usec))
	return b[:]
}

// OutputPDU is opcode OpOutput, monitor -> parent.
type OutputPDU struct {
	Data []byte
}

func (p OutputPDU) Marshal() []byte {
	buf := make([]byte, 4+outputDataLen)
	data := p.Data
	if len(data) > outputDataLen {
		data = data[:outputDataLen]
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(data)))
	copy(buf[4:4+outputDataLen], data)
	return buf
}

func UnmarshalOutputPDU(buf []byte) (OutputPDU, error) {
	if len(buf) < 4+outputDataLen {
		return OutputPDU{}, errShortPayload
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	if n > outputDataLen {
		n = outputDataLen
	}
	return OutputPDU{Data: append([]byte(nil), buf[4:4+n]...)}, nil
}

// ControlReqPDU is opcode OpControlReq, parent -> monitor.
type ControlReqPDU struct {
	Control ControlCode
	Signum  int32
}

func (p ControlReqPDU) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Control))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.Signum))
	return buf
}

func UnmarshalControlReqPDU(buf []byte) (ControlReqPDU, error) {
	if len(buf) < 8 {
		return ControlReqPDU{}, errShortPayload
	}
	return ControlReqPDU{
		Control: ControlCode(binary.LittleEndian.Uint32(buf[0:4])),
		Signum:  int32(binary.LittleEndian.Uint32(buf[4:8])),
	}, nil
}

// ControlResPDU is opcode OpControlRes, monitor -> parent.
type ControlResPDU struct {
	Result     ResultCode
	MonitorPID int32
	ProcessPID int32
	Error      string
}

func (p ControlResPDU) Marshal() []byte {
	buf := make([]byte, 4+4+4+controlErrLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Result))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.MonitorPID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.ProcessPID))
	errB := []byte(p.Error)
	if len(errB) > controlErrLen {
		errB = errB[:controlErrLen]
	}
	copy(buf[12:12+controlErrLen], errB)
	return buf
}

func UnmarshalControlResPDU(buf []byte) (ControlResPDU, error) {
	if len(buf) < 4+4+4+controlErrLen {
		return ControlResPDU{}, errShortPayload
	}
	p := ControlResPDU{
		Result:     ResultCode(binary.LittleEndian.Uint32(buf[0:4])),
		MonitorPID: int32(binary.LittleEndian.Uint32(buf[4:8])),
		ProcessPID: int32(binary.LittleEndian.Uint32(buf[8:12])),
	}
	field := buf[12 : 12+controlErrLen]
	p.Error = string(field[:cStringLen(field)])
	return p, nil
}

// InfoReqPDU is opcode OpInfoReq, parent -> monitor. Empty payload.
type InfoReqPDU struct{}

func (InfoReqPDU) Marshal() []byte { return nil }

// InfoResPDU is opcode OpInfoRes, monitor -> parent.
type InfoResPDU struct {
	StartedBy    string
	StartedByPID int32
	StartTime    timeval
	Elapsed      timeval
	Cmdline      string
	Cwd          string
	MonitorPID   int32
	ProcessPID   int32
}

const infoResSize = infoStartedBy + 4 + 16 + 16 + infoCmdline + infoCwd + 4 + 4

func (p InfoResPDU) Marshal() []byte {
	buf := make([]byte, infoResSize)
	off := 0
	putCString(nil, buf[off:off+infoStartedBy], p.StartedBy)
	off += infoStartedBy
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(p.StartedByPID))
	off += 4
	copy(buf[off:off+16], timevalBytes(p.StartTime))
	off += 16
	copy(buf[off:off+16], timevalBytes(p.Elapsed))
	off += 16
	putCString(nil, buf[off:off+infoCmdline], p.Cmdline)
	off += infoCmdline
	putCString(nil, buf[off:off+infoCwd], p.Cwd)
	off += infoCwd
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(p.MonitorPID))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(p.ProcessPID))
	return buf
}

func UnmarshalInfoResPDU(buf []byte) (InfoResPDU, error) {
	if len(buf) < infoResSize {
		return InfoResPDU{}, errShortPayload
	}
	off := 0
	p := InfoResPDU{}
	p.StartedBy = string(buf[off : off+cStringLen(buf[off:off+infoStartedBy])])
	off += infoStartedBy
	p.StartedByPID = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	tv, _, err := unmarshalTimeval(buf[off : off+16])
	if err != nil {
		return InfoResPDU{}, err
	}
	p.StartTime = tv
	off += 16
	tv, _, err = unmarshalTimeval(buf[off : off+16])
	if err != nil {
		return InfoResPDU{}, err
	}
	p.Elapsed = tv
	off += 16
	cl := buf[off : off+infoCmdline]
	p.Cmdline = string(cl[:cStringLen(cl)])
	off += infoCmdline
	cw := buf[off : off+infoCwd]
	p.Cwd = string(cw[:cStringLen(cw)])
	off += infoCwd
	p.MonitorPID = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	p.ProcessPID = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
	return p, nil
}

// ParamPDU is opcode OpParam, parent -> monitor.
type ParamPDU struct {
	Param ParamKind
	Str   string
}

func (p ParamPDU) Marshal() []byte {
	buf := make([]byte, 4+paramStrLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Param))
	putCString(nil, buf[4:4+paramStrLen], p.Str)
	return buf
}

func UnmarshalParamPDU(buf []byte) (ParamPDU, error) {
	if len(buf) < 4+paramStrLen {
		return ParamPDU{}, errShortPayload
	}
	field := buf[4 : 4+paramStrLen]
	return ParamPDU{
		Param: ParamKind(binary.LittleEndian.Uint32(buf[0:4])),
		Str:   string(field[:cStringLen(field)]),
	}, nil
}

// MaxParamStrLen is the wire-level capacity of a ParamPDU.Str field;
// ProcessFuture's configuration mutators reject strings longer than this rather
// than silently truncate (spec.md §8 Open Question).
const MaxParamStrLen = paramStrLen
