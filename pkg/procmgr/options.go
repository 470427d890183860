package procmgr

// Option configures a RemoteProcess
type Option func(*RemoteProcess)

// WithSetting sets the setting and group the process was launched for
func WithSetting(settingID, groupKey string) Option {
	return func(p *RemoteProcess) {
		p.SettingID = settingID
		p.GroupKey = groupKey
	}
}

// WithEndpoint sets the RPC endpoint of the process
func WithEndpoint(endpoint string) Option {
	return func(p *RemoteProcess) {
		p.Endpoint = endpoint
	}
}

// WithPID sets the OS process id
func WithPID(pid int) Option {
	return func(p *RemoteProcess) {
		p.PID = pid
	}
}

// WithIsolation marks the process as hosting an isolated binding
func WithIsolation(isolated bool) Option {
	return func(p *RemoteProcess) {
		p.Isolated = isolated
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(p *RemoteProcess) {
		if mc != nil {
			p.metrics = mc
		}
	}
}

// WithClock sets the clock used for timestamps
func WithClock(c Clock) Option {
	return func(p *RemoteProcess) {
		if c != nil {
			p.clock = c
		}
	}
}
