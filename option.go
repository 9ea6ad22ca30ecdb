package eventmesh

type ServiceOption func(*serviceConfig)

type serviceConfig struct {
	queueSize      int // delivery queue length (default 4096)
	failureLogSize int // recent failures kept for /mesh/failures (default 256)
	metrics        *Metrics
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		queueSize:      4096,
		failureLogSize: 256,
	}
}

// WithQueueSize sets the delivery queue length. Events sent while the
// queue is full are dropped.
func WithQueueSize(n int) ServiceOption {
	return func(c *serviceConfig) {
		c.queueSize = n
	}
}

func WithFailureLogSize(n int) ServiceOption {
	return func(c *serviceConfig) {
		c.failureLogSize = n
	}
}

// WithServiceMetrics shares m with the service.
func WithServiceMetrics(m *Metrics) ServiceOption {
	return func(c *serviceConfig) {
		c.metrics = m
	}
}
