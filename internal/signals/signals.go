// Package signals names POSIX signals and their si_code values.
//
// Lookups never allocate, so the collector can use them while a crash is
// being streamed.
package signals

import "golang.org/x/sys/unix"

const unknown = "UNKNOWN"

type entry struct {
	num  unix.Signal
	name string
}

var table = [...]entry{
	{unix.SIGHUP, "SIGHUP"},
	{unix.SIGINT, "SIGINT"},
	{unix.SIGQUIT, "SIGQUIT"},
	{unix.SIGILL, "SIGILL"},
	{unix.SIGTRAP, "SIGTRAP"},
	{unix.SIGABRT, "SIGABRT"},
	{unix.SIGBUS, "SIGBUS"},
	{unix.SIGFPE, "SIGFPE"},
	{unix.SIGKILL, "SIGKILL"},
	{unix.SIGUSR1, "SIGUSR1"},
	{unix.SIGSEGV, "SIGSEGV"},
	{unix.SIGUSR2, "SIGUSR2"},
	{unix.SIGPIPE, "SIGPIPE"},
	{unix.SIGALRM, "SIGALRM"},
	{unix.SIGTERM, "SIGTERM"},
	{unix.SIGCHLD, "SIGCHLD"},
	{unix.SIGCONT, "SIGCONT"},
	{unix.SIGSTOP, "SIGSTOP"},
	{unix.SIGTSTP, "SIGTSTP"},
	{unix.SIGTTIN, "SIGTTIN"},
	{unix.SIGTTOU, "SIGTTOU"},
	{unix.SIGURG, "SIGURG"},
	{unix.SIGXCPU, "SIGXCPU"},
	{unix.SIGXFSZ, "SIGXFSZ"},
	{unix.SIGVTALRM, "SIGVTALRM"},
	{unix.SIGPROF, "SIGPROF"},
	{unix.SIGWINCH, "SIGWINCH"},
	{unix.SIGIO, "SIGIO"},
	{unix.SIGSYS, "SIGSYS"},
}

// Default is the set of signals tracked when none are configured.
func Default() []int {
	return []int{int(unix.SIGBUS), int(unix.SIGABRT), int(unix.SIGSEGV), int(unix.SIGILL)}
}

// Name returns the symbolic name of signum, or "UNKNOWN".
func Name(signum int) string {
	for i := range table {
		if int(table[i].num) == signum {
			return table[i].name
		}
	}
	return unknown
}

// Lookup returns the number for a signal name such as "SIGSEGV".
func Lookup(name string) (int, bool) {
	for i := range table {
		if table[i].name == name {
			return int(table[i].num), true
		}
	}
	return 0, false
}

// Valid reports whether signum is a known signal.
func Valid(signum int) bool {
	return Name(signum) != unknown
}

// HasFaultAddress reports whether si_addr is meaningful for signum.
func HasFaultAddress(signum int) bool {
	switch unix.Signal(signum) {
	case unix.SIGILL, unix.SIGFPE, unix.SIGSEGV, unix.SIGBUS, unix.SIGTRAP:
		return true
	}
	return false
}

// Generic si_code values (Linux numbering).
const (
	CodeUser    = 0
	CodeKernel  = 0x80
	CodeQueue   = -1
	CodeTimer   = -2
	CodeMesgQ   = -3
	CodeAsyncIO = -4
	CodeSigIO   = -5
	CodeTkill   = -6
)

// Signal specific si_code values.
const (
	SegvMapErr = 1
	SegvAccErr = 2
	SegvBndErr = 3
	SegvPkuErr = 4

	BusAdrAln   = 1
	BusAdrErr   = 2
	BusObjErr   = 3
	BusMceErrAR = 4
	BusMceErrAO = 5

	FpeIntDiv = 1
	FpeIntOvf = 2
	FpeFltDiv = 3
	FpeFltOvf = 4
	FpeFltUnd = 5
	FpeFltRes = 6
	FpeFltInv = 7
	FpeFltSub = 8
)

// CodeName returns the symbolic name of an si_code for signum.
func CodeName(signum, code int) string {
	switch code {
	case CodeUser:
		return "SI_USER"
	case CodeKernel:
		return "SI_KERNEL"
	case CodeQueue:
		return "SI_QUEUE"
	case CodeTimer:
		return "SI_TIMER"
	case CodeMesgQ:
		return "SI_MESGQ"
	case CodeAsyncIO:
		return "SI_ASYNCIO"
	case CodeSigIO:
		return "SI_SIGIO"
	case CodeTkill:
		return "SI_TKILL"
	}

	switch unix.Signal(signum) {
	case unix.SIGSEGV:
		switch code {
		case SegvMapErr:
			return "SEGV_MAPERR"
		case SegvAccErr:
			return "SEGV_ACCERR"
		case SegvBndErr:
			return "SEGV_BNDERR"
		case SegvPkuErr:
			return "SEGV_PKUERR"
		}
	case unix.SIGBUS:
		switch code {
		case BusAdrAln:
			return "BUS_ADRALN"
		case BusAdrErr:
			return "BUS_ADRERR"
		case BusObjErr:
			return "BUS_OBJERR"
		case BusMceErrAR:
			return "BUS_MCEERR_AR"
		case BusMceErrAO:
			return "BUS_MCEERR_AO"
		}
	case unix.SIGFPE:
		switch code {
		case FpeIntDiv:
			return "FPE_INTDIV"
		case FpeIntOvf:
			return "FPE_INTOVF"
		case FpeFltDiv:
			return "FPE_FLTDIV"
		case FpeFltOvf:
			return "FPE_FLTOVF"
		case FpeFltUnd:
			return "FPE_FLTUND"
		case FpeFltRes:
			return "FPE_FLTRES"
		case FpeFltInv:
			return "FPE_FLTINV"
		case FpeFltSub:
			return "FPE_FLTSUB"
		}
	case unix.SIGILL:
		if code >= 1 && code <= len(illCodes) {
			return illCodes[code-1]
		}
	}
	return unknown
}

var illCodes = [...]string{
	"ILL_ILLOPC", "ILL_ILLOPN", "ILL_ILLADR", "ILL_ILLTRP",
	"ILL_PRVOPC", "ILL_PRVREG", "ILL_COPROC", "ILL_BADSTK",
}

// CodeFromName is the inverse of CodeName for signum.
func CodeFromName(signum int, name string) (int, bool) {
	for code := -6; code <= CodeKernel; code++ {
		if CodeName(signum, code) == name && name != unknown {
			return code, true
		}
	}
	return 0, false
}
