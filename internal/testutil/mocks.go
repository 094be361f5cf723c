// Package testutil provides hand-written testify mocks for the session
// package's collaborator interfaces.
package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"pkg.cwmpsession.run/engine/config"
)

// ConfigProviderMock mocks config.ConfigProvider.
type ConfigProviderMock struct {
	mock.Mock
}

func (m *ConfigProviderMock) GetConfig(ctx context.Context, deviceID string) (config.Config, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).(config.Config), args.Error(1)
}

// ProvisionSourceMock mocks config.ProvisionSource.
type ProvisionSourceMock struct {
	mock.Mock
}

func (m *ProvisionSourceMock) GetProvision(ctx context.Context, name string) (string, bool, error) {
	args := m.Called(ctx, name)
	return args.String(0), args.Bool(1), args.Error(2)
}

// VirtualParameterSourceMock mocks config.VirtualParameterSource.
type VirtualParameterSourceMock struct {
	mock.Mock
}

func (m *VirtualParameterSourceMock) GetVirtualParameter(ctx context.Context, name string) (string, error) {
	args := m.Called(ctx, name)
	return args.String(0), args.Error(1)
}

// SandboxMock mocks config.Sandbox.
type SandboxMock struct {
	mock.Mock
}

func (m *SandboxMock) Run(ctx context.Context, script string, args []any, extensionsCache map[string]any) (config.SandboxResult, error) {
	a := m.Called(ctx, script, args, extensionsCache)
	return a.Get(0).(config.SandboxResult), a.Error(1)
}

// FixedSandbox is a non-mock.Mock Sandbox stand-in for tests that want one
// fixed result (or error) per script string without asserting call
// expectations.
type FixedSandbox struct {
	Results map[string]config.SandboxResult
	Err     map[string]error
}

func (f *FixedSandbox) Run(_ context.Context, script string, _ []any, _ map[string]any) (config.SandboxResult, error) {
	if err, ok := f.Err[script]; ok {
		return config.SandboxResult{}, err
	}
	return f.Results[script], nil
}
