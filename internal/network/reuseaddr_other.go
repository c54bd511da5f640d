//go:build !linux && !windows

package network

import "net"

// ReuseAddrListenConfig returns the default net.ListenConfig.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
