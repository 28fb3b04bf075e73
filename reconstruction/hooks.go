package reconstruction

import "github.com/zoobzio/capitan"

// Signals emitted around a reconstruction.
const (
	Started   = capitan.Signal("reconstruction.started")
	Completed = capitan.Signal("reconstruction.completed")
	Cancelled = capitan.Signal("reconstruction.cancelled")
	Failed    = capitan.Signal("reconstruction.failed")
	CacheHit  = capitan.Signal("reconstruction.cache.hit")
)

var (
	VariantKey       = capitan.NewStringKey("reconstruction.variant")
	StepsKey         = capitan.NewIntKey("reconstruction.steps")
	GuidanceScaleKey = capitan.NewFloat64Key("reconstruction.guidance_scale")
	DistanceKey      = capitan.NewIntKey("reconstruction.fingerprint.distance")
	DurationMsKey    = capitan.NewIntKey("reconstruction.duration.ms")
	ErrorKey         = capitan.NewStringKey("reconstruction.error")
)
