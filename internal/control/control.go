// Package control defines the operator command vocabulary shared by the
// scheduler, the HTTP control plane and the ctl client.
package control

import "fmt"

// StatusCode classifies a command outcome.
type StatusCode int

// Command outcomes.
const (
	OK StatusCode = iota
	ArgsError
	UserError
	UnknownError
)

func (s StatusCode) String() string {
	switch s {
	case OK:
		return "OK"
	case ArgsError:
		return "ARGS_ERROR"
	case UserError:
		return "USER_ERROR"
	case UnknownError:
		return "UNKNOWN_ERROR"
	default:
		return fmt.Sprintf("StatusCode(%d)", int(s))
	}
}

// Command names.
const (
	Start             = "start"
	Run               = "run"
	Pause             = "pause"
	Stop              = "stop"
	SetSpeed          = "set_speed"
	ListSpiders       = "list_spiders"
	ListSpeed         = "list_speed"
	CleanRequestQueue = "clean_request_queue"
	CleanDedupFilter  = "clean_dedup_filter"
	DeleteCrawler     = "delete_crawler"
	UpdateCrawler     = "update_crawler"
)

// Commands lists every accepted command name.
var Commands = []string{
	Start, Run, Pause, Stop, SetSpeed, ListSpiders, ListSpeed,
	CleanRequestQueue, CleanDedupFilter, DeleteCrawler, UpdateCrawler,
}

// NeedsName reports whether cmd requires a crawler name.
func NeedsName(cmd string) bool {
	switch cmd {
	case ListSpiders, ListSpeed:
		return false
	default:
		return true
	}
}

// Request is one operator command.
type Request struct {
	Command string  `json:"command"`
	Name    string  `json:"name,omitempty"`
	Value   float64 `json:"value,omitempty"`
}

// Response is the single reply to a Request.
type Response struct {
	StatusCode StatusCode `json:"status_code"`
	Payload    any        `json:"payload,omitempty"`
}

// Okay wraps a successful payload.
func Okay(payload any) Response {
	return Response{StatusCode: OK, Payload: payload}
}

// Fail wraps an error message under code.
func Fail(code StatusCode, format string, args ...any) Response {
	return Response{StatusCode: code, Payload: fmt.Sprintf(format, args...)}
}

