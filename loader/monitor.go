package loader

import "go.uber.org/zap"

// A Monitor observes plugin loading.
type Monitor interface {
	SequenceInfo(msg string)
	ClassLoaderConstructed(cat Category, cl *ClassLoader)
	PluginInstantiated(d *Descriptor, instance interface{})
	ExceptionOccurred(op string, err error)
}

// NopMonitor ignores everything.
type NopMonitor struct{}

func (NopMonitor) SequenceInfo(string)                           {}
func (NopMonitor) ClassLoaderConstructed(Category, *ClassLoader) {}
func (NopMonitor) PluginInstantiated(*Descriptor, interface{})   {}
func (NopMonitor) ExceptionOccurred(string, error)               {}

// LogMonitor writes events to a logger at debug level, and errors at warn.
type LogMonitor struct {
	Log *zap.Logger
}

func (m LogMonitor) SequenceInfo(msg string) {
	m.Log.Debug(msg)
}

func (m LogMonitor) ClassLoaderConstructed(cat Category, cl *ClassLoader) {
	m.Log.Debug("classloader constructed",
		zap.String("category", cat.String()),
		zap.String("label", cl.Label()),
		zap.Strings("uris", cl.URIs()))
}

func (m LogMonitor) PluginInstantiated(d *Descriptor, instance interface{}) {
	m.Log.Debug("plugin instantiated", zap.Stringer("uri", d.URI), zap.String("class", d.Class))
}

func (m LogMonitor) ExceptionOccurred(op string, err error) {
	m.Log.Warn("plugin loading failed", zap.String("op", op), zap.Error(err))
}
