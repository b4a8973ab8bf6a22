package health

import "context"

// MirrorPinger checks usage-mirror store availability.
type MirrorPinger interface {
	Ping(ctx context.Context) error
}

// ProviderChecker checks completion provider availability.
type ProviderChecker interface {
	HealthCheck(ctx context.Context) error
}
