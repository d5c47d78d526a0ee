package obs

import "time"

// RequestContext carries what the access log records for one intercepted request.
type RequestContext struct {
	RequestID     string
	Method        string
	Host          string
	Path          string
	Class         string
	Strategy      string
	CacheSource   string
	Partition     string
	BypassReason  string
	Status        int
	Duration      time.Duration
	BytesOut      int64
	ErrorCategory string
	Controller    string
	UserAgent     string
	RemoteAddr    string
}
