package engine

import (
	"context"

	"liftcloud/internal/alarms"
	"liftcloud/internal/floors"
)

// PlatformAlarms creates alarms on the device platform by device id.
type PlatformAlarms interface {
	CreateAlarm(ctx context.Context, account, deviceID, alarmType, severity string, details map[string]any) error
}

// PlatformSink adapts the platform client to the alarm engine's sink,
// resolving device names to platform ids on the way.
type PlatformSink struct {
	resolver *floors.Resolver
	platform PlatformAlarms
}

// NewPlatformSink constructs a PlatformSink.
func NewPlatformSink(resolver *floors.Resolver, platform PlatformAlarms) *PlatformSink {
	return &PlatformSink{resolver: resolver, platform: platform}
}

// Create implements alarms.Sink.
func (s *PlatformSink) Create(ctx context.Context, account, deviceName string, req alarms.Request) error {
	deviceID, err := s.resolver.DeviceID(ctx, account, deviceName)
	if err != nil {
		return err
	}
	return s.platform.CreateAlarm(ctx, account, deviceID, req.Type, req.Severity, req.Details)
}
