// Package fakeprocmon is a minimal, real procmon implementation: a
// genuine child process, forked via the standard re-exec-self trick,
// that speaks the same wire protocol a production procmon binary
// would over the fd ProcessManager hands it (spec.md §6). It has two
// callers: procmon's own tests (a test binary re-executing itself,
// guarded by a marker environment variable) and cmd/fortepdu's demo
// "run" command, which re-execs itself with a hidden subcommand when
// no real procmon binary path is configured.
package fakeprocmon

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/joeycumines/fortepdu/pdu"
	"github.com/joeycumines/fortepdu/procmon"
)

// ConnFD is the file descriptor ProcessManager.CreateProcessFuture
// hands the subprocess for the management channel.
const ConnFD = 3

// Main runs the fake monitor loop against the fd-ConnFD socket until
// the connection closes or the supervised child exits and its status
// has been reported. Intended to be called from a test binary's
// TestMain, guarded by a marker environment variable, so the test
// binary itself becomes the "procmon" subprocess.
func Main() {
	conn := os.NewFile(ConnFD, "procmon-conn")
	defer conn.Close()

	var params struct {
		cmdline, cwd, infile, outfile, errfile string
	}

	var buf []byte
	readFrame := func() (pdu.PDU, bool) {
		for {
			p, consumed, ok, err := pdu.Unmarshal(buf, 0)
			if err != nil {
				return pdu.PDU{}, false
			}
			if ok {
				buf = buf[consumed:]
				return p, true
			}
			chunk := make([]byte, 4096)
			n, err := conn.Read(chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
			}
			if err != nil {
				return pdu.PDU{}, false
			}
		}
	}

	writeFrame := func(opcode procmon.Opcode, payload []byte) {
		wire, err := pdu.New(uint32(opcode), payload).Marshal(nil, 0)
		if err != nil {
			return
		}
		_, _ = conn.Write(wire)
	}

	var child *exec.Cmd

	for {
		p, ok := readFrame()
		if !ok {
			return
		}
		switch procmon.Opcode(p.Opcode) {
		case procmon.OpParam:
			param, err := procmon.UnmarshalParamPDU(p.Payload)
			if err != nil {
				continue
			}
			switch param.Param {
			case procmon.ParamCmdline:
				params.cmdline = param.Str
			case procmon.ParamCwd:
				params.cwd = param.Str
			case procmon.ParamInfile:
				params.infile = param.Str
			case procmon.ParamOutfile:
				params.outfile = param.Str
			case procmon.ParamErrfile:
				params.errfile = param.Str
			}

		case procmon.OpControlReq:
			req, err := procmon.UnmarshalControlReqPDU(p.Payload)
			if err != nil {
				continue
			}
			switch req.Control {
			case procmon.ControlStart:
				child = startChild(params.cmdline, params.cwd, params.infile, params.outfile, params.errfile, writeFrame)
			case procmon.ControlSignal:
				if child != nil && child.Process != nil {
					_ = child.Process.Signal(syscall.Signal(req.Signum))
				}
			}

		default:
			// ignore anything else; a real procmon would log it.
		}
	}
}

func startChild(cmdline, cwd, infile, outfile, errfile string, writeFrame func(procmon.Opcode, []byte)) *exec.Cmd {
	stdin, err := openOrNull(infile, os.O_RDONLY)
	if err != nil {
		sendControlRes(writeFrame, procmon.ResultUnableToOpenInputFile, 0, 0, err.Error())
		return nil
	}
	stdout, err := openOrNull(outfile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		sendControlRes(writeFrame, procmon.ResultUnableToOpenOutputFile, 0, 0, err.Error())
		return nil
	}
	stderr, err := openOrNull(errfile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		sendControlRes(writeFrame, procmon.ResultUnableToOpenErrorFile, 0, 0, err.Error())
		return nil
	}

	cmd := exec.Command("/bin/sh", "-c", cmdline)
	cmd.Dir = cwd
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		sendControlRes(writeFrame, procmon.ResultUnableToFork, 0, 0, err.Error())
		return nil
	}

	sendControlRes(writeFrame, procmon.ResultSuccess, int32(os.Getpid()), int32(cmd.Process.Pid), "")
	sendStatus(writeFrame, procmon.StatusStarted, 0)

	go func() {
		err := cmd.Wait()
		switch {
		case err == nil:
			sendStatus(writeFrame, procmon.StatusExited, 0)
		default:
			if exitErr, ok := err.(*exec.ExitError); ok {
				if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
					if ws.Signaled() {
						sendStatus(writeFrame, procmon.StatusKilled, int32(ws.Signal()))
						return
					}
					sendStatus(writeFrame, procmon.StatusExited, int32(ws.ExitStatus()))
					return
				}
			}
			sendStatus(writeFrame, procmon.StatusError, -1)
		}
	}()

	return cmd
}

func openOrNull(path string, flag int) (*os.File, error) {
	if path == "" || path == os.DevNull {
		return os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	return os.OpenFile(path, flag, 0o644)
}

func sendControlRes(writeFrame func(procmon.Opcode, []byte), result procmon.ResultCode, monitorPID, processPID int32, errMsg string) {
	res := procmon.ControlResPDU{Result: result, MonitorPID: monitorPID, ProcessPID: processPID, Error: errMsg}
	writeFrame(procmon.OpControlRes, res.Marshal())
}

func sendStatus(writeFrame func(procmon.Opcode, []byte), statusType procmon.StatusType, statusCode int32) {
	status := procmon.StatusPDU{Type: statusType, StatusCode: statusCode}
	writeFrame(procmon.OpStatus, status.Marshal())
}
