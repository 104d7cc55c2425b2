package request

import "fmt"

// DataFrom records which tier satisfied a request.
type DataFrom int

const (
	FromNetwork DataFrom = iota
	FromLocal
	FromMemoryCache
	FromResultCache
	FromDownloadCache
)

func (f DataFrom) String() string {
	switch f {
	case FromNetwork:
		return "NETWORK"
	case FromLocal:
		return "LOCAL"
	case FromMemoryCache:
		return "MEMORY_CACHE"
	case FromResultCache:
		return "RESULT_CACHE"
	case FromDownloadCache:
		return "DOWNLOAD_CACHE"
	default:
		return fmt.Sprintf("DataFrom(%d)", int(f))
	}
}

// StateImage identifies an image shown while loading or after a failure.
// It never affects the decoded output.
type StateImage string

// Listener observes the lifecycle of one execution.
type Listener interface {
	OnStart(req *ImageRequest)
	OnSuccess(req *ImageRequest, from DataFrom)
	OnError(req *ImageRequest, err error)
	OnCancel(req *ImageRequest)
}

// DepthError is returned when the request depth forbids the only tier that
// could satisfy it.
type DepthError struct {
	Depth  Depth
	Reason string
}

func (e *DepthError) Error() string {
	return fmt.Sprintf("request depth is %s: %s", e.Depth, e.Reason)
}
