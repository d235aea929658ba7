package cache

import (
	"go.uber.org/zap"

	"github.com/dpml/transit/artifact"
)

// A Monitor observes cache activity. Implementations must be safe for
// concurrent use and should return quickly.
type Monitor interface {
	ResourceRequested(a artifact.Artifact)
	AddedToLocalCache(a artifact.Artifact, host string)
	UpdatedLocalCache(a artifact.Artifact, host string)
	FailedDownloadFromHost(a artifact.Artifact, host string, err error)
	FailedDownload(a artifact.Artifact)
}

// NopMonitor ignores everything.
type NopMonitor struct{}

func (NopMonitor) ResourceRequested(artifact.Artifact)                     {}
func (NopMonitor) AddedToLocalCache(artifact.Artifact, string)             {}
func (NopMonitor) UpdatedLocalCache(artifact.Artifact, string)             {}
func (NopMonitor) FailedDownloadFromHost(artifact.Artifact, string, error) {}
func (NopMonitor) FailedDownload(artifact.Artifact)                        {}

// MultiMonitor fans events out to each monitor in turn.
type MultiMonitor []Monitor

func (mm MultiMonitor) ResourceRequested(a artifact.Artifact) {
	for _, m := range mm {
		m.ResourceRequested(a)
	}
}

func (mm MultiMonitor) AddedToLocalCache(a artifact.Artifact, host string) {
	for _, m := range mm {
		m.AddedToLocalCache(a, host)
	}
}

func (mm MultiMonitor) UpdatedLocalCache(a artifact.Artifact, host string) {
	for _, m := range mm {
		m.UpdatedLocalCache(a, host)
	}
}

func (mm MultiMonitor) FailedDownloadFromHost(a artifact.Artifact, host string, err error) {
	for _, m := range mm {
		m.FailedDownloadFromHost(a, host, err)
	}
}

func (mm MultiMonitor) FailedDownload(a artifact.Artifact) {
	for _, m := range mm {
		m.FailedDownload(a)
	}
}

// LogMonitor writes events to a logger.
type LogMonitor struct {
	Log *zap.Logger
}

func (lm LogMonitor) ResourceRequested(a artifact.Artifact) {
	lm.Log.Debug("resource requested", zap.Stringer("artifact", a))
}

func (lm LogMonitor) AddedToLocalCache(a artifact.Artifact, host string) {
	lm.Log.Info("added to local cache", zap.Stringer("artifact", a), zap.String("host", host))
}

func (lm LogMonitor) UpdatedLocalCache(a artifact.Artifact, host string) {
	lm.Log.Info("updated local cache", zap.Stringer("artifact", a), zap.String("host", host))
}

func (lm LogMonitor) FailedDownloadFromHost(a artifact.Artifact, host string, err error) {
	lm.Log.Warn("download from host failed", zap.Stringer("artifact", a), zap.String("host", host), zap.Error(err))
}

func (lm LogMonitor) FailedDownload(a artifact.Artifact) {
	lm.Log.Warn("download failed", zap.Stringer("artifact", a))
}
