package tunnel

import (
	"github.com/matst80/httpstunnel/internal/obs"
)

// LogObserver writes every event as a structured log line.
func LogObserver() Observer {
	return ObserverFunc(func(e Event) {
		f := obs.Fields{}
		if e.TunnelID != "" {
			f["id"] = e.TunnelID
		}
		if e.Request != nil {
			f["id"] = e.Request.ID
			f["host"] = e.Request.HostName
			f["port"] = e.Request.Port
		}
		if e.Remote != "" {
			f["remote"] = e.Remote
		}
		if e.Session != "" {
			f["session"] = e.Session
		}
		if e.Reason != "" {
			f["reason"] = e.Reason
		}
		switch e.Kind {
		case EventError, EventConnectError:
			if e.Err != nil {
				f["err"] = e.Err.Error()
				if k, ok := KindOf(e.Err); ok {
					f["kind"] = string(k)
				}
			}
			obs.Error("tunnel."+string(e.Kind), f)
		case EventDisconnect, EventAgentDisconnect:
			obs.Warn("tunnel."+string(e.Kind), f)
		default:
			obs.Info("tunnel."+string(e.Kind), f)
		}
	})
}
