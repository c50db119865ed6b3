// Package fakes provides test doubles for dsync backends and the cloud
// SDK clients they wrap.
//
// Fakes are manually implemented (not generated) to provide precise control
// over test behavior.
//
// Usage:
//
//	ssm := fakes.NewFakeSSMClient()
//	client, _ := backend.NewSSM(ctx, backend.SSMConfig{}, backend.WithSSMClient(ssm))
//	// Test backend methods...
package fakes
