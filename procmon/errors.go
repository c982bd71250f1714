package procmon

import "errors"

// Process error kinds (spec.md §7), returned wrapped via %w so
// errors.Is still reaches the sentinel.
var (
	ErrProcessNotStarted                   = errors.New("procmon: process not started")
	ErrProcessNotRunning                   = errors.New("procmon: process not running")
	ErrProcessNotFinished                  = errors.New("procmon: process not finished")
	ErrProcessAlreadyStarted               = errors.New("procmon: process already started")
	ErrProcessAbandoned                    = errors.New("procmon: process abandoned")
	ErrProcessKilled                       = errors.New("procmon: process killed")
	ErrProcessTerminatedWithNonZeroStatus  = errors.New("procmon: process terminated with non-zero status")
	ErrProcessUnableToOpenInputFile        = errors.New("procmon: unable to open input file")
	ErrProcessUnableToOpenOutputFile       = errors.New("procmon: unable to open output file")
	ErrProcessUnableToOpenErrorFile        = errors.New("procmon: unable to open error file")
	ErrProcessUnableToCWD                  = errors.New("procmon: unable to change working directory")
	ErrProcessUnableToFork                 = errors.New("procmon: unable to fork")
	ErrProcessUnableToExec                 = errors.New("procmon: unable to exec")
	ErrProcessManagementFailed             = errors.New("procmon: process management (monitor) failed")
	ErrProcessTerminatedDueToUnknownReason = errors.New("procmon: process terminated for an unknown reason")
	ErrParamTooLong                        = errors.New("procmon: parameter string exceeds wire field capacity")
)
