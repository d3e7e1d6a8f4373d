package interfaces

import (
	"context"

	"github.com/KevinKickass/RegisterMapper/internal/config"
	"github.com/KevinKickass/RegisterMapper/internal/devices"
	"github.com/KevinKickass/RegisterMapper/internal/types"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State            string `json:"state"`
	DeviceCount      int    `json:"device_count"`
	ConnectedDevices int    `json:"connected_devices"`
}

// DeviceService is the device surface the REST layer depends on.
type DeviceService interface {
	ListDevices() []devices.DeviceInfo
	Read(ctx context.Context, name string) (*types.ReadResult, error)
	Write(ctx context.Context, name string, values map[string]any) (*types.WriteResult, error)
}

type LifecycleManager interface {
	Config() *config.Config
	DeviceManager() DeviceService
	GetCurrentStatus() SystemStatus
}
