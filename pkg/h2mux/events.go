package h2mux

import (
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/jasnell/http2-1/internal/engine"
)

// HeadersCategory classifies a delivered header block.
type HeadersCategory = engine.HeadersCategory

// Header block categories.
const (
	CategoryRequest      = engine.CategoryRequest
	CategoryResponse     = engine.CategoryResponse
	CategoryPushResponse = engine.CategoryPushResponse
	CategoryHeaders      = engine.CategoryHeaders
)

// Events is the application-facing callback surface. All callbacks fire
// synchronously from Session.Write or the flush tick; implementations must
// not call back into the session re-entrantly from OnHeaders or OnData
// except through the documented submit operations.
type Events interface {
	// OnHeaders delivers a completed header block exactly once.
	OnHeaders(st *Stream, headers []hpack.HeaderField, category HeadersCategory, flags http2.Flags)

	// OnData delivers the full payload of one completed DATA frame. The
	// slice is only valid for the duration of the call.
	OnData(st *Stream, data []byte)

	// OnStreamClose reports stream closure; the stream is destroyed when
	// the callback returns.
	OnStreamClose(st *Stream, code http2.ErrCode)

	// OnSettings reports that a peer SETTINGS frame was applied.
	OnSettings()

	// OnPriority reports a PRIORITY frame's dependency parameters.
	OnPriority(streamID, dependencyID int32, weight uint8, exclusive bool)

	// OnTrailers is queried when a stream's outbound side finishes; a
	// non-empty result is sent as a trailing header block.
	OnTrailers(st *Stream) []hpack.HeaderField

	// OnSelectPadding chooses the padded length for an outbound DATA
	// frame. Queried only when Config.PaddingCallback is set.
	OnSelectPadding(frameLen, maxPayload int) int

	// OnSessionFreed fires once, after Close has released all session
	// resources.
	OnSessionFreed()
}
